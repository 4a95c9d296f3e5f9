package authz

import (
	"context"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/telemetry"
)

// Engine evaluates the rule chain and writes one audit record per
// evaluation.
type Engine struct {
	rules         []Rule
	auditDenyOnly bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAuditLevel sets the audit log floor. The default ("info") records
// every evaluation; "warn" records denies only. Decision metrics are
// counted either way.
func WithAuditLevel(level string) EngineOption {
	return func(e *Engine) {
		e.auditDenyOnly = strings.EqualFold(level, "warn")
	}
}

// NewEngine creates an engine. A nil rule slice gets the default chain.
func NewEngine(rules []Rule, opts ...EngineOption) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	e := &Engine{rules: rules}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the chain in order and returns the first terminal result.
// A panicking rule converts to a deny rather than failing the request
// handler; the engine must never crash the process or fall open.
func (e *Engine) Evaluate(ctx context.Context, in *Input) (result Result) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("authorization rule panicked: %v", rec)
			result = Result{Decision: Deny, Reason: "RuleError"}
		}
		e.audit(ctx, in, result, time.Since(start))
	}()

	for i := range e.rules {
		if r := e.rules[i].Evaluate(in); r.Decision != Continue {
			return r
		}
	}

	// The default deny rule is terminal, so a complete chain never gets
	// here. An empty or misbuilt chain still fails closed.
	return Result{Decision: Deny, Reason: "NoAccess"}
}

// audit writes the per-evaluation record. Denies log at warn so they stand
// out in aggregate views.
func (e *Engine) audit(ctx context.Context, in *Input, result Result, elapsed time.Duration) {
	telemetry.AuthzDecisions.WithLabelValues(result.Decision.String(), result.Reason).Inc()

	fields := []any{
		"userId", in.Principal.UserID,
		"resourceId", in.ResourceID,
		"operation", in.Operation,
		"result", result.Decision.String(),
		"reason", result.Reason,
		"durationMs", elapsed.Milliseconds(),
		"correlationId", middleware.GetReqID(ctx),
	}

	if result.Decision == Allow {
		if !e.auditDenyOnly {
			logger.Infow("authorization decision", fields...)
		}
	} else {
		logger.Warnw("authorization decision", fields...)
	}
}
