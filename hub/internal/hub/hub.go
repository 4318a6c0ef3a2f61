// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/amurg-ai/collab/hub/internal/api"
	"github.com/amurg-ai/collab/hub/internal/auth"
	"github.com/amurg-ai/collab/hub/internal/config"
	"github.com/amurg-ai/collab/hub/internal/health"
	"github.com/amurg-ai/collab/hub/internal/presence"
	"github.com/amurg-ai/collab/hub/internal/quota"
	"github.com/amurg-ai/collab/hub/internal/ratelimit"
	"github.com/amurg-ai/collab/hub/internal/router"
	"github.com/amurg-ai/collab/hub/internal/store"
	"github.com/amurg-ai/collab/hub/internal/validate"
)

// streamMaxAge bounds how long an agent stream may go without a chunk.
const streamMaxAge = 5 * time.Minute

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	configPath   string
	store        store.Store
	authProvider auth.Provider
	quota        *quota.Tracker
	limiter      *ratelimit.Limiter
	validator    *validate.Validator
	router       *router.Router
	monitor      *health.Monitor
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration. When configPath is non-empty
// the file is watched and its reloadable settings applied on change.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	q := quota.New(quota.Options{
		MaxConnections: cfg.Quota.MaxConnectionsPerUser,
		MaxAttempts:    cfg.Quota.MaxAttempts,
		AttemptWindow:  cfg.Quota.AttemptWindow.Duration,
	}, logger)
	limiter := ratelimit.New(rateRules(cfg.RateLimit))
	validator := validate.New(validate.Limits{
		MaxTotalBytes:    cfg.Content.MaxTotalBytes,
		MaxContentBytes:  cfg.Content.MaxContentBytes,
		MaxMetadataBytes: cfg.Content.MaxMetadataBytes,
		MaxRepeatedRun:   cfg.Content.MaxRepeatedRun,
		MaxLinks:         cfg.Content.MaxLinks,
		SpamPhrases:      cfg.Content.SpamPhrases,
	})

	rt := router.New(db, authProvider, auth.NewStoreAccess(db), router.Components{
		Quota:     q,
		Limiter:   limiter,
		Validator: validator,
		Presence:  presence.New(logger),
	}, logger, router.Options{
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		MaxFrameBytes:       cfg.Server.MaxFrameBytes,
		SendQueueSize:       cfg.Server.SendQueueSize,
		PersistMessages:     cfg.Session.PersistMessages,
		HistoryDefaultLimit: cfg.Session.HistoryDefaultLimit,
		HistoryMaxLimit:     cfg.Session.HistoryMaxLimit,
	})

	mon := health.New(rt, health.Options{
		Interval:      cfg.Health.Interval.Duration,
		Timeout:       cfg.Health.Timeout.Duration,
		MaxConcurrent: cfg.Health.MaxConcurrent,
	}, logger)

	apiSrv := api.NewServer(db, authProvider, loginProvider, rt, mon, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		configPath:   configPath,
		store:        db,
		authProvider: authProvider,
		quota:        q,
		limiter:      limiter,
		validator:    validator,
		router:       rt,
		monitor:      mon,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// rateRules overlays configured ceilings on the defaults.
func rateRules(cfg config.RateLimitConfig) map[ratelimit.Operation]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	for op, r := range cfg.Rules {
		rules[ratelimit.Operation(op)] = ratelimit.Rule{Limit: r.Limit, Window: r.Window.Duration}
	}
	return rules
}

// applyReload installs the reloadable parts of a freshly loaded config.
func (h *Hub) applyReload(cfg *config.Config) {
	h.limiter.SetRules(rateRules(cfg.RateLimit))
	phrases := cfg.Content.SpamPhrases
	if phrases == nil {
		phrases = validate.DefaultSpamPhrases
	}
	h.validator.SetSpamPhrases(phrases)
	h.logger.Info("applied reloadable settings", "rate_rules", len(cfg.RateLimit.Rules), "spam_phrases", len(phrases))
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	var wg sync.WaitGroup

	// Rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(loopCtx)
	h.limiter.StartCleanup(loopCtx, h.cfg.RateLimit.CleanupInterval.Duration, h.cfg.RateLimit.MaxIdle.Duration)

	wg.Go(func() { h.monitor.Run(loopCtx) })
	wg.Go(func() { h.runSweeper(loopCtx) })
	if h.cfg.Storage.Retention.Duration > 0 {
		wg.Go(func() {
			h.runRetentionPurger(loopCtx, h.cfg.Storage.Retention.Duration, h.cfg.Storage.AuditRetention.Duration)
		})
	}
	if h.configPath != "" {
		wg.Go(func() {
			if err := config.Watch(loopCtx, h.configPath, h.logger, h.applyReload); err != nil {
				h.logger.Warn("config watch stopped", "error", err)
			}
		})
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	stopLoops()
	wg.Wait()

	// Hijacked websocket connections are not tracked by Shutdown.
	h.router.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
		_ = srv.Close()
	} else {
		h.logger.Info("http server stopped gracefully")
	}

	h.logger.Info("closing store")
	_ = h.store.Close()
	h.logger.Info("shutdown complete")
	return runErr
}

// runSweeper marks idle presence, prunes stale connection attempts and
// drops abandoned agent streams.
func (h *Hub) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Presence.SweepInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	idle := h.router.SweepIdle(h.cfg.Presence.IdleAfter.Duration)
	pruned := h.quota.PruneAttempts()
	expired := h.router.ExpireStreams(streamMaxAge)
	if idle+pruned+expired > 0 {
		h.logger.Debug("sweep", "idle", idle, "attempts_pruned", pruned, "streams_expired", expired)
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purge(ctx, time.Now(), retention, auditRetention)
		}
	}
}

func (h *Hub) purge(ctx context.Context, now time.Time, retention, auditRetention time.Duration) {
	if n, err := h.store.PurgeOldMessages(ctx, now.Add(-retention)); err != nil {
		h.logger.Warn("retention purge: messages failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old messages", "count", n)
	}
	if n, err := h.store.PurgeOldAuditEvents(ctx, now.Add(-auditRetention)); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
