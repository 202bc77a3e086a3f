package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"outreach/internal/application/connection"
	"outreach/internal/application/outreach"
	"outreach/internal/infrastructure/config"
	"outreach/internal/infrastructure/gmail"
	"outreach/internal/infrastructure/google"
	"outreach/internal/infrastructure/persistence/sqlstore"
	bus "outreach/internal/infrastructure/pubsub"
	"outreach/internal/infrastructure/secret"
	httpserver "outreach/internal/interfaces/http"
	pubsubHandler "outreach/internal/interfaces/pubsub"
	"outreach/internal/interfaces/worker"
)

type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *sqlstore.DB
	conn    *connection.Manager
	sender  *outreach.Service
	bus     *bus.Bus
	pool    *worker.Pool
	handler http.Handler
}

func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Store
	var storeOpts []sqlstore.Option
	storeOpts = append(storeOpts, sqlstore.WithLogger(logger))
	if cfg.TokenEncryptionKey != "" {
		box, err := secret.NewBox(cfg.TokenEncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("token encryption key: %w", err)
		}
		storeOpts = append(storeOpts, sqlstore.WithSealer(box))
	} else {
		logger.Warn("TOKEN_ENCRYPTION_KEY not set, OAuth tokens are stored unencrypted")
	}
	db, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, db: db}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	// Google OAuth
	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	if provider == nil {
		logger.Warn("Google OAuth client not configured, Gmail connect is disabled")
	}

	states, err := connection.NewStateCodec(cfg.StateSecret, connection.DefaultStateMaxAge)
	if err != nil {
		return err
	}
	if cfg.StateSecret == "" {
		logger.Warn("STATE_SECRET not set, pending authorizations will not survive a restart")
	}

	cache := connection.NewStatusCache(logger, nil,
		connection.NewMemoryTier("session", cfg.SessionTTL),
		sqlstore.NewStatusTier(a.db, cfg.SharedTTL),
	)
	a.conn = connection.NewManager(
		sqlstore.NewGrantRepository(a.db),
		provider,
		cache,
		states,
		logger,
		connection.Options{Throttle: cfg.StatusThrottle},
	)

	// Invalidation bus
	if cfg.InvalidationEnabled() {
		b, err := bus.NewBus(ctx, cfg.GoogleCloudProject, cfg.InvalidationTopic, cfg.InvalidationSubscription, logger)
		if err != nil {
			return fmt.Errorf("invalidation bus error: %w", err)
		}
		a.bus = b
		a.conn.SetNotifier(b)
	}

	// Outreach
	a.sender = outreach.NewService(
		sqlstore.NewBindingRepository(a.db),
		a.conn,
		gmail.NewClient(logger),
		logger,
		outreach.Options{
			Timeout: cfg.SendTimeout,
			Dedup:   outreach.NewDeduplicator(cfg.DedupWindow, nil),
			Budget:  outreach.NewSendBudget(cfg.SendBudget, cfg.SendBudgetWindow, nil),
		},
	)

	// HTTP
	var auth httpserver.Authenticator = httpserver.HeaderAuthenticator{Header: cfg.TrustedUserHeader}
	if cfg.OIDCIssuerURL != "" {
		oidcAuth, err := httpserver.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("oidc error: %w", err)
		}
		auth = oidcAuth
	}
	a.handler = httpserver.NewRouter(
		httpserver.NewHandler(a.conn, a.sender, a.db, cfg.ReturnURL, logger),
		httpserver.RouterOptions{Auth: auth, PrometheusEnabled: cfg.PrometheusEnabled, Logger: logger},
	)

	a.pool = worker.NewPool(cfg.RevalidateWorkers, a.conn, logger)
	return nil
}

// newProvider returns a nil provider when no OAuth client is configured.
func newProvider(cfg *config.Config) (connection.AuthProvider, error) {
	switch {
	case cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "":
		return google.NewProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL), nil
	case cfg.GoogleCredentialsFile != "":
		data, err := os.ReadFile(cfg.GoogleCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read Google credentials: %w", err)
		}
		p, err := google.NewProviderFromJSON(data, cfg.GoogleRedirectURL)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, nil
	}
}

func (a *App) Handler() http.Handler {
	return a.handler
}

// Start launches the background revalidation pool and, when configured, the
// invalidation listener. Both stop when ctx ends.
func (a *App) Start(ctx context.Context) {
	a.pool.Start(ctx)

	go func() {
		n := a.pool.SubmitAll(ctx)
		a.logger.Info("initial revalidation submitted", "users", n)
		if a.cfg.RevalidateInterval > 0 {
			a.pool.RunSchedule(ctx, a.cfg.RevalidateInterval)
		}
	}()

	if a.bus != nil {
		handler := pubsubHandler.NewHandler(a.conn, a.logger)
		go func() {
			a.logger.Info("starting invalidation listener", "origin", a.bus.Origin())
			if err := a.bus.Listen(ctx, handler.HandleInvalidation); err != nil && ctx.Err() == nil {
				a.logger.Error("invalidation listener stopped", "error", err)
			}
		}()
	}
}

// Close stops the pool and releases the bus and database.
func (a *App) Close() error {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close invalidation bus: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
