package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayforge/codeassist-gateway/internal/auth"
	"github.com/relayforge/codeassist-gateway/internal/cache"
	"github.com/relayforge/codeassist-gateway/internal/logger"
	"github.com/relayforge/codeassist-gateway/internal/metrics"
	"github.com/relayforge/codeassist-gateway/internal/proxy"
	"github.com/relayforge/codeassist-gateway/internal/ratelimit"
	"github.com/relayforge/codeassist-gateway/internal/translator"
	"github.com/relayforge/codeassist-gateway/internal/upstream"
)

// initInfra establishes optional external connections.
// Redis is only required when TOKEN_CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.TokenCache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initAccounts loads the credential file and builds the account manager with
// the configured token cache backend.
func (a *App) initAccounts(_ context.Context) error {
	creds, err := auth.LoadCredentials(a.cfg.AccountsFile)
	if err != nil {
		return err
	}

	switch a.cfg.TokenCache.Mode {
	case "redis":
		a.tokens = cache.NewRedisStoreFromClient(a.rdb)
		a.log.Info("token cache backend: redis")
	case "memory":
		a.memStore = cache.NewMemoryStore(a.baseCtx)
		a.tokens = a.memStore
		a.log.Info("token cache backend: memory (in-process)")
	default:
		return fmt.Errorf("unknown token cache mode: %s", a.cfg.TokenCache.Mode)
	}

	// The metrics registry is created here because the account manager
	// records rotations and token refreshes.
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	mgr, err := auth.NewManager(creds, a.tokens, auth.ManagerConfig{
		BaseURL:    a.cfg.Upstream.BaseURL,
		APIVersion: a.cfg.Upstream.APIVersion,
		OAuth: auth.OAuthConfig{
			TokenURL:     a.cfg.Upstream.TokenURL,
			ClientID:     a.cfg.Upstream.ClientID,
			ClientSecret: a.cfg.Upstream.ClientSecret,
		},
		Logger:  a.log,
		Metrics: a.prom,
	})
	if err != nil {
		return fmt.Errorf("account manager: %w", err)
	}
	a.accounts = mgr

	a.log.Info("accounts loaded", slog.Int("count", mgr.AccountCount()))

	return nil
}

// initServices creates the async request logger and the rate limiter.
func (a *App) initServices(ctx context.Context) error {
	var sink logger.Sink
	if a.cfg.RequestLog.Sink == "clickhouse" {
		ch, err := logger.NewClickHouseSink(ctx, a.cfg.RequestLog.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("request log sink: clickhouse")
	} else {
		a.log.Info("request log sink: slog")
	}

	reqLogger, err := logger.New(a.baseCtx, sink, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	if a.cfg.RateLimit.RPMLimit > 0 {
		if a.rdb != nil {
			a.limiter = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		} else {
			a.limiter = ratelimit.NewMemoryLimiter(a.cfg.RateLimit.RPMLimit)
		}
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	return nil
}

// initGateway wires together the orchestrator and the HTTP gateway.
func (a *App) initGateway(_ context.Context) error {
	a.orch = upstream.New(a.accounts, translator.New(nil), upstream.Config{
		BaseURL:         a.cfg.Upstream.BaseURL,
		APIVersion:      a.cfg.Upstream.APIVersion,
		FallbackEnabled: a.cfg.Fallback.Enabled,
		Thinking: upstream.ThinkingSettings{
			Synthesize: a.cfg.Thinking.Synthesize,
			TagMode:    a.cfg.Thinking.TagMode,
			ChunkSize:  a.cfg.Thinking.ChunkSize,
			ChunkDelay: a.cfg.Thinking.ChunkDelay,
			Narrative:  a.cfg.Thinking.Narrative,
		},
		Logger:  a.log,
		Metrics: a.prom,
	})

	a.gw = proxy.NewGateway(a.baseCtx, a.orch, a.accounts, proxy.GatewayOptions{
		Logger:        a.log,
		Metrics:       a.prom,
		RPMLimiter:    a.limiter,
		RequestLogger: a.reqLogger,
		CORSOrigins:   a.cfg.CORSOrigins,
		Version:       a.version,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
