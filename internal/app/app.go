package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/pgcoord/internal/data/aggregates"
	"github.com/yungbote/pgcoord/internal/data/db"
	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	apphttp "github.com/yungbote/pgcoord/internal/http"
	"github.com/yungbote/pgcoord/internal/jobs/notify"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/jobs/worker"
	"github.com/yungbote/pgcoord/internal/observability"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Cfg      Config
	Metrics  *observability.Metrics
	Queue    repojobs.JobQueue
	Teams    *aggregates.TeamMembership
	Registry *jobrt.Registry
	Worker   *worker.Worker
	Listener *notify.Listener
	Ops      *apphttp.Server

	pg           *db.PostgresService
	shutdownOtel func(context.Context) error
}

// New loads config and wires every component. Nothing runs until Run.
func New(ctx context.Context, log *logger.Logger) (*App, error) {
	log.Info("Loading configuration...")
	cfg, err := LoadConfig(log)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pg, err := db.NewPostgresService(log, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}

	a := &App{
		Log:          log,
		DB:           pg.DB(),
		Cfg:          cfg,
		pg:           pg,
		shutdownOtel: observability.InitOTel(ctx, log, cfg.Otel),
		Metrics:      observability.Init(log),
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Run starts the worker pool, the notify listener, the ops server, the queue
// depth collector and the stale lock scheduler, and blocks until ctx ends or
// one of them fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Queue == nil {
		return fmt.Errorf("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)

	a.Metrics.StartJobQueueCollector(gctx, a.Log, 15*time.Second, a.queueStats)

	if a.Listener != nil {
		g.Go(func() error { return a.Listener.Run(gctx) })
	}
	if a.Worker != nil {
		g.Go(func() error { return a.Worker.Run(gctx) })
	}
	if a.Ops != nil {
		g.Go(func() error {
			a.Log.Info("ops server listening", "addr", a.Cfg.OpsAddr)
			return a.Ops.Run(gctx, a.Cfg.OpsAddr)
		})
	}
	if tasks := maintenanceTasks(a.Cfg.Jobs); len(tasks) > 0 {
		g.Go(func() error {
			runMaintenanceScheduler(gctx, a.Log, a.Queue, tasks)
			return nil
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) Close() {
	if a == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.shutdownOtel != nil {
		if err := a.shutdownOtel(ctx); err != nil {
			a.Log.Warn("otel shutdown failed", "error", err)
		}
	}
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.Log.Warn("postgres close failed", "error", err)
		}
	}
	a.Log.Sync()
}
