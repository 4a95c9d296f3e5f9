// Package app wires the process: configuration, downstream clients,
// middleware and the HTTP server, assembled in one place.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/securedocs/sdap/pkg/access"
	"github.com/securedocs/sdap/pkg/api"
	v1 "github.com/securedocs/sdap/pkg/api/v1"
	"github.com/securedocs/sdap/pkg/auth/token"
	"github.com/securedocs/sdap/pkg/auth/tokenexchange"
	"github.com/securedocs/sdap/pkg/authz"
	"github.com/securedocs/sdap/pkg/cache"
	"github.com/securedocs/sdap/pkg/config"
	"github.com/securedocs/sdap/pkg/documents"
	"github.com/securedocs/sdap/pkg/graph"
	"github.com/securedocs/sdap/pkg/idempotency"
	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/ratelimit"
	"github.com/securedocs/sdap/pkg/resilience"
)

// NewRootCmd creates the CLI entry point.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "sdap-bff",
		Short:        "Secure document access backend-for-frontend",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the configuration file")
	return cmd
}

// serve is the composition root. Every dependency is constructed here,
// explicitly, and handed down; nothing below this function reaches for
// globals.
func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Initialize()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared cache: Redis when configured, process-local otherwise.
	var sharedCache cache.Cache
	var cacheHealth cache.HealthReporter
	if cfg.Cache.RedisAddr != "" {
		redisCache, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:      cfg.Cache.RedisAddr,
			Username:  cfg.Cache.RedisUsername,
			Password:  cfg.Cache.RedisPassword,
			DB:        cfg.Cache.RedisDB,
			KeyPrefix: cfg.Cache.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to create cache: %w", err)
		}
		defer redisCache.Close()
		sharedCache, cacheHealth = redisCache, redisCache
	} else {
		logger.Warn("no redis configured, using process-local cache")
		memoryCache := cache.NewMemory()
		defer memoryCache.Close()
		sharedCache, cacheHealth = memoryCache, memoryCache
	}

	validator, err := token.NewValidator(ctx, token.ValidatorConfig{
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		JWKSURL:  cfg.Auth.JWKSURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	// One breaker group for all downstream hosts.
	breakers := resilience.NewBreakerGroup(resilience.BreakerConfig{
		FailureThreshold: uint32(cfg.Resilience.BreakerFailureThreshold),
		OpenDuration:     cfg.BreakerOpenDuration(),
	})
	retryPolicy := resilience.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = cfg.Resilience.RetryMaxAttempts

	// IdP calls get the retry layer but no breaker: a broken IdP already
	// fails every request, and the exchanger caches aggressively.
	idpClient := resilience.NewClientBuilder().
		WithTimeout(cfg.Timeout()).
		WithRetry(retryPolicy).
		Build()

	oboConfig := &tokenexchange.Config{
		TokenURL:     cfg.OBO.TokenURL,
		ClientID:     cfg.OBO.ClientID,
		ClientSecret: cfg.OBO.ClientSecret,
		HTTPClient:   idpClient,
	}
	exchanger, err := tokenexchange.New(oboConfig)
	if err != nil {
		return fmt.Errorf("failed to create token exchanger: %w", err)
	}
	cachedExchanger := tokenexchange.NewCached(exchanger, sharedCache,
		tokenexchange.WithSafetyMargin(cfg.OBOSafetyMargin()),
		tokenexchange.WithMaxTTL(cfg.OBOMaxCacheTTL()),
	)

	var appExchanger tokenexchange.AppExchanger
	if cfg.OBO.ClientSecret != "" {
		creds, err := tokenexchange.NewAppCredentials(oboConfig)
		if err != nil {
			return fmt.Errorf("failed to create app credentials: %w", err)
		}
		appExchanger = creds
	}

	graphFactory := graph.NewFactory(graph.FactoryConfig{
		BaseURL:   cfg.Graph.BaseURL,
		Scopes:    cfg.Graph.Scopes,
		AppScopes: cfg.Graph.AppScopes,
		Timeout:   cfg.Timeout(),
		Retry:     retryPolicy,
		Breakers:  breakers,
	}, cachedExchanger, appExchanger)

	// Dataverse clients share the breaker group with Graph; the per-host
	// keying keeps their failure domains separate.
	dataverseScopes := []string{cfg.Access.DataverseURL + "/.default"}
	documentsClient := documents.NewClient(cfg.Access.DataverseURL,
		resilience.NewClientBuilder().
			WithTimeout(cfg.Timeout()).
			WithRetry(retryPolicy).
			WithBaseTransport(graph.NewDelegatedTransport(
				resilience.NewBreakerTransport(http.DefaultTransport, breakers),
				cachedExchanger, dataverseScopes)).
			Build())

	// Access records are read with the service's own identity; user
	// delegation is not involved in deciding access.
	accessTransport := http.DefaultTransport
	if appExchanger != nil {
		accessTransport = graph.NewAppTransport(
			resilience.NewBreakerTransport(http.DefaultTransport, breakers),
			appExchanger, dataverseScopes)
	}
	accessSource := access.NewCachedSource(
		access.NewDataverseFetcher(cfg.Access.DataverseURL,
			resilience.NewClientBuilder().
				WithTimeout(cfg.Timeout()).
				WithRetry(retryPolicy).
				WithBaseTransport(accessTransport).
				Build()),
		sharedCache, cfg.SnapshotTTL())

	engine := authz.NewEngine(nil, authz.WithAuditLevel(cfg.Audit.Level))
	authzMiddleware := authz.NewMiddleware(engine, accessSource)

	limits, err := ratelimit.RegistryFromConfig(rateLimitOverrides(cfg))
	if err != nil {
		return fmt.Errorf("invalid rate limit configuration: %w", err)
	}
	ledger := idempotency.NewLedger(sharedCache, 24*time.Hour)

	routes := v1.NewRoutes(graphFactory, documentsClient, authzMiddleware,
		limits, ledger, sharedCache)

	router := api.NewRouter(&api.Deps{
		Validator:   validator,
		Routes:      routes,
		Limits:      limits,
		CacheHealth: cacheHealth,
	})

	server := api.NewServer(cfg.Server.Addr, router, cfg.ShutdownGrace())
	return server.Run(ctx)
}

// rateLimitOverrides converts the configured rate limit block into policy
// overrides for the registry.
func rateLimitOverrides(cfg *config.Config) map[string]ratelimit.PolicyConfig {
	out := make(map[string]ratelimit.PolicyConfig, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		out[name] = ratelimit.PolicyConfig{
			Strategy:      rl.Strategy,
			Limit:         rl.Limit,
			Window:        time.Duration(rl.WindowSec) * time.Second,
			PerSecond:     rl.PerSecond,
			Burst:         rl.Burst,
			MaxConcurrent: rl.MaxConcurrent,
		}
	}
	return out
}
