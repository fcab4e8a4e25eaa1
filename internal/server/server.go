package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lumendark/lumendark/internal/asset"
	"github.com/lumendark/lumendark/internal/auth"
	"github.com/lumendark/lumendark/internal/config"
	"github.com/lumendark/lumendark/internal/custody"
	"github.com/lumendark/lumendark/internal/ledger"
	"github.com/lumendark/lumendark/internal/metrics"
	"github.com/lumendark/lumendark/internal/nonce"
	"github.com/lumendark/lumendark/internal/notification"
	"github.com/lumendark/lumendark/internal/reconcile"
	"github.com/lumendark/lumendark/internal/routes"
	"github.com/lumendark/lumendark/internal/settlement"
)

const eventStreamMaxLen = 100_000

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	engine    *settlement.Service
	scheduler *reconcile.Scheduler
	journal   *notification.SQLiteJournal
	logger    *slog.Logger
}

// Option customizes server construction.
type Option func(*options)

type options struct {
	vault custody.Vault
}

// WithCustody supplies the custody backend that moves real tokens. It is
// required when CustodyBackend is external.
func WithCustody(v custody.Vault) Option {
	return func(o *options) {
		o.vault = v
	}
}

// New builds the ledger, engine and HTTP application. db and cache may be nil
// in development, in which case in-process stores are used.
func New(ctx context.Context, cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	vault, faucet, err := custodyBackend(cfg, o.vault, logger)
	if err != nil {
		return nil, err
	}

	if !cfg.IsDev() {
		if db == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", cfg.AppEnv)
		}
		if cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", cfg.AppEnv)
		}
	}

	var ledgerBackend ledger.Ledger
	if db != nil {
		pg := ledger.NewPostgresLedger(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		ledgerBackend = pg
	} else {
		logger.Warn("no database configured, using in-memory ledger")
		ledgerBackend = ledger.NewInMemory()
	}

	registry, err := asset.NewRegistry(cfg.Assets)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", settlement.ErrUnconfigured, err)
	}

	s := &Server{cfg: cfg, logger: logger}

	sinks := notification.Fanout{notification.NewLoggerNotifier(logger)}
	if cache != nil {
		sinks = append(sinks, notification.NewRedisStream(cache, cfg.EventStream, eventStreamMaxLen))
	}
	if cfg.SQLiteJournalPath != "" {
		journal, err := notification.OpenSQLiteJournal(cfg.SQLiteJournalPath)
		if err != nil {
			return nil, fmt.Errorf("open event journal: %w", err)
		}
		s.journal = journal
		sinks = append(sinks, journal)
	}

	m := metrics.New()
	gate := auth.NewGate(cfg.SignatureWindow)

	engine, err := settlement.NewService(cfg.AdminPublicKey, cfg.CustodyAccount, settlement.Deps{
		Ledger:    ledgerBackend,
		Sequencer: nonce.NewSequencer(),
		Gate:      gate,
		Assets:    registry,
		Transfers: vault,
		Notifier:  sinks,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.engine = engine

	if n, err := ledgerBackend.Nonce(ctx); err == nil {
		m.SetNonce(n)
	}

	if cfg.ReconcileCron != "" {
		rec := reconcile.NewReconciler(ledgerBackend, vault, registry, cfg.CustodyAccount, m, logger)
		s.scheduler, err = reconcile.NewScheduler(rec, cfg.ReconcileCron, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: errorHandler,
	})
	routes.Setup(s.app, routes.Deps{
		Cfg:     cfg,
		DB:      db,
		Cache:   cache,
		Logger:  logger,
		Gate:    gate,
		Engine:  engine,
		Metrics: m,
		Faucet:  faucet,
	})

	return s, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Engine returns the settlement engine.
func (s *Server) Engine() *settlement.Service {
	return s.engine
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// RunScheduler runs the reconciliation schedule until ctx is done. It returns
// immediately when no schedule is configured.
func (s *Server) RunScheduler(ctx context.Context) error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Run(ctx)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Close releases the event journal.
func (s *Server) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// custodyBackend picks the vault named by cfg. A faucet is returned only in
// development, and only for vaults that can mint.
func custodyBackend(cfg config.Config, injected custody.Vault, logger *slog.Logger) (custody.Vault, custody.Minter, error) {
	var vault custody.Vault
	switch cfg.CustodyBackend {
	case "", config.CustodyMemory:
		if !cfg.IsDev() {
			return nil, nil, fmt.Errorf("in-memory custody is only allowed in development, APP_ENV=%s", cfg.AppEnv)
		}
		if injected != nil {
			vault = injected
		} else {
			logger.Warn("using in-memory custody vault, fund holders with the dev faucet")
			vault = custody.NewMemoryVault()
		}
	case config.CustodyExternal:
		if injected == nil {
			return nil, nil, errors.New("external custody requires a vault supplied with WithCustody")
		}
		vault = injected
	default:
		return nil, nil, fmt.Errorf("unknown custody backend %q", cfg.CustodyBackend)
	}

	minter, ok := vault.(custody.Minter)
	if !ok || !cfg.IsDev() {
		return vault, nil, nil
	}
	return vault, minter, nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := http.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
