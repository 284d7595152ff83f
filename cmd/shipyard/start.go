package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/shipyard/internal/api"
	"github.com/mattjoyce/shipyard/internal/auth"
	"github.com/mattjoyce/shipyard/internal/config"
	"github.com/mattjoyce/shipyard/internal/deploy"
	"github.com/mattjoyce/shipyard/internal/dispatch"
	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/lock"
	"github.com/mattjoyce/shipyard/internal/log"
	"github.com/mattjoyce/shipyard/internal/queue"
	"github.com/mattjoyce/shipyard/internal/registry"
	"github.com/mattjoyce/shipyard/internal/status"
	"github.com/mattjoyce/shipyard/internal/storage"
	"github.com/mattjoyce/shipyard/internal/sweeper"
	"github.com/mattjoyce/shipyard/internal/webhook"
	"github.com/mattjoyce/shipyard/internal/worker"
	"github.com/mattjoyce/shipyard/internal/workspace"
)

const eventBufferSize = 256

// service is every long-running component of `system start`, wired together.
type service struct {
	db         *sql.DB
	queue      *queue.Queue
	registry   *registry.Registry
	hub        *events.Hub
	dispatcher *dispatch.Dispatcher
	pool       *worker.Pool
	sweeper    *sweeper.Sweeper
	api        *api.Server
	webhooks   *webhook.Server
	logger     *slog.Logger
}

func newQueue(db *sql.DB, cfg *config.Config) *queue.Queue {
	return queue.New(db,
		queue.WithRetryPolicy(queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.BackoffBase,
		}),
		queue.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
	)
}

// buildService opens the state database and constructs all components.
// The caller owns svc.db.
func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service, error) {
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}

	executor, err := deploy.New(cfg.Executor)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}

	wsManager, err := workspace.NewFSManager(cfg.WorkspaceDir())
	if err != nil {
		return nil, fmt.Errorf("workspace manager: %w", err)
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}

	svc := &service{
		db:       db,
		queue:    newQueue(db, cfg),
		registry: reg,
		hub:      events.NewHub(eventBufferSize),
		logger:   logger,
	}
	svc.dispatcher = dispatch.New(reg, svc.queue, svc.hub)

	svc.pool = worker.New(worker.Options{
		Concurrency:    cfg.Workers.Concurrency,
		PollInterval:   cfg.Workers.PollInterval,
		AttemptTimeout: cfg.Workers.AttemptTimeout,
		Credentials:    cfg.Executor.Credentials,
	}, svc.queue, executor, wsManager, svc.hub, log.WithComponent("worker"))

	svc.sweeper = sweeper.New(sweeper.Options{
		Interval:  cfg.Queue.SweepInterval,
		Retention: cfg.Queue.Retention,
		// No live attempt outlasts the visibility timeout.
		WorkspaceMaxAge: cfg.Queue.VisibilityTimeout,
	}, svc.queue, wsManager, svc.hub, log.Get())

	if cfg.API.Enabled {
		svc.api = api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.Auth.APIKey,
			Tokens:      auth.TokensFromConfig(cfg.API.Auth.Tokens),
			CORSOrigins: cfg.API.CORSOrigins,
			Workers:     svc.pool.Concurrency(),
		}, svc.dispatcher, status.NewService(svc.queue), svc.queue, reg, svc.hub, log.Get())
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		whConfig, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("webhooks: %w", err)
		}
		svc.webhooks = webhook.New(whConfig, svc.dispatcher, log.Get())
	}

	return svc, nil
}

// run blocks until ctx is cancelled or a component fails.
func (s *service) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.sweeper.Run(gctx); err != nil {
			return fmt.Errorf("sweeper: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.pool.Run(gctx); err != nil {
			return fmt.Errorf("workers: %w", err)
		}
		return nil
	})
	if s.api != nil {
		g.Go(func() error {
			if err := s.api.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}
	if s.webhooks != nil {
		g.Go(func() error {
			if err := s.webhooks.Start(gctx); err != nil {
				return fmt.Errorf("webhook: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("shipyard starting", "version", version, "config", resolvedPath)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			logger.Error("another shipyard instance holds the state database", "path", pidLockPath, "pid", lock.HolderPID(pidLockPath))
		} else {
			logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		}
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer svc.db.Close()

	logger.Info("shipyard running (press Ctrl+C to stop)",
		"agents", svc.registry.Len(),
		"workers", svc.pool.Concurrency(),
		"api", cfg.API.Enabled,
		"webhooks", svc.webhooks != nil,
	)

	if err := svc.run(ctx); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("shipyard stopped")
	return 0
}
