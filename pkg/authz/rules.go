package authz

import (
	"github.com/securedocs/sdap/pkg/access"
	"github.com/securedocs/sdap/pkg/auth"
)

// Decision is a rule's verdict.
type Decision int

const (
	// Continue passes the question to the next rule in the chain.
	Continue Decision = iota

	// Allow grants the operation and stops evaluation.
	Allow

	// Deny refuses the operation and stops evaluation.
	Deny
)

// String returns the decision name for logs and metrics.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "continue"
	}
}

// Result is a terminal decision with its reason tag. Reason tags are
// stable: they appear in audit records and problem responses.
type Result struct {
	Decision Decision
	Reason   string
}

// Input is everything a rule may consult. Rules never perform I/O; all
// data was loaded into the snapshot before evaluation started.
type Input struct {
	Principal     *auth.Principal
	Snapshot      *access.Snapshot
	Operation     string
	ResourceID    string
	RequiredLevel string
}

// Rule is one link in the chain.
type Rule struct {
	// Name identifies the rule in audit records.
	Name string

	// Evaluate returns the rule's verdict for the input.
	Evaluate func(in *Input) Result
}

// continueResult is the non-terminal result.
var continueResult = Result{Decision: Continue}

// DefaultRules returns the standard chain in its fixed order: an explicit
// deny beats everything, admins bypass grants, then explicit grants, then
// team-conferred access, and finally the default deny.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "ExplicitDeny",
			Evaluate: func(in *Input) Result {
				if in.Snapshot.ExplicitDeny {
					return Result{Decision: Deny, Reason: "ExplicitDeny"}
				}
				return continueResult
			},
		},
		{
			Name: "Admin",
			Evaluate: func(in *Input) Result {
				if in.Snapshot.IsAdmin() {
					return Result{Decision: Allow, Reason: "Admin"}
				}
				return continueResult
			},
		},
		{
			Name: "ExplicitGrant",
			Evaluate: func(in *Input) Result {
				// A stronger granted level satisfies a weaker requirement.
				if in.Snapshot.Grants(in.RequiredLevel) {
					return Result{Decision: Allow, Reason: "Grant"}
				}
				return continueResult
			},
		},
		{
			Name: "TeamMembership",
			Evaluate: func(in *Input) Result {
				// The snapshot is already scoped to this resource, so
				// each membership carries the levels that team grants
				// here.
				if in.Snapshot.TeamGrants(in.RequiredLevel) {
					return Result{Decision: Allow, Reason: "Team"}
				}
				return continueResult
			},
		},
		{
			Name: "DefaultDeny",
			Evaluate: func(_ *Input) Result {
				return Result{Decision: Deny, Reason: "NoAccess"}
			},
		},
	}
}
