package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/pgcoord/internal/data/aggregates"
	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	apphttp "github.com/yungbote/pgcoord/internal/http"
	httpH "github.com/yungbote/pgcoord/internal/http/handlers"
	"github.com/yungbote/pgcoord/internal/jobs/notify"
	"github.com/yungbote/pgcoord/internal/jobs/pipeline/membership_reconcile"
	"github.com/yungbote/pgcoord/internal/jobs/pipeline/queue_cleanup"
	"github.com/yungbote/pgcoord/internal/jobs/pipeline/stale_lock_sweep"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/jobs/worker"
	"github.com/yungbote/pgcoord/internal/observability"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

func (a *App) wire() error {
	var queueOpts []repojobs.Option
	if a.Cfg.Jobs.NotifyChannel != "" {
		queueOpts = append(queueOpts, repojobs.WithNotifyChannel(a.Cfg.Jobs.NotifyChannel))
	}
	a.Queue = repojobs.NewJobQueue(a.DB, a.Log, queueOpts...)
	a.Teams = wireTeams(a.DB, a.Log, a.Metrics, a.Cfg.Teams)

	reg, err := wireRegistry(a.Log, a.Queue, a.Teams)
	if err != nil {
		return err
	}
	a.Registry = reg

	if a.Cfg.Worker.Concurrency > 0 {
		a.Worker = worker.NewWorker(a.DB, a.Log, a.Queue, a.Registry, a.Metrics, a.Cfg.workerConfig())
		if a.Cfg.Jobs.NotifyChannel != "" {
			l, err := notify.NewListener(a.Cfg.Postgres.ConnString(), a.Cfg.Jobs.NotifyChannel, a.Log)
			if err != nil {
				return fmt.Errorf("init notify listener: %w", err)
			}
			a.Listener = l
			a.Worker.SetWake(l.Wake())
		}
	} else {
		a.Log.Info("worker disabled (WORKER_CONCURRENCY=0)")
	}

	if a.Cfg.OpsAddr != "" {
		a.Ops = apphttp.NewServer(apphttp.RouterConfig{
			ServiceName:   a.Cfg.Otel.ServiceName,
			Log:           a.Log.With("component", "OpsHTTP"),
			Metrics:       a.Metrics,
			HealthHandler: httpH.NewHealthHandler(a.ping),
			JobHandler:    httpH.NewJobHandler(a.Queue),
			TeamHandler:   httpH.NewTeamHandler(a.Teams, a.Queue),
		})
	}
	return nil
}

func wireTeams(db *gorm.DB, log *logger.Logger, metrics *observability.Metrics, cfg TeamsConfig) *aggregates.TeamMembership {
	return aggregates.NewTeamMembership(
		aggregates.BaseDeps{
			DB:    db,
			Log:   log.With("aggregate", "team"),
			Hooks: aggregates.NewObservabilityHooks(metrics),
		},
		domainagg.MembershipLimits{
			MaxMembersPerOwner: cfg.MaxMembers,
			MaxOwnersPerMember: cfg.MaxTeamsPerMember,
		},
	)
}

func wireRegistry(log *logger.Logger, queue repojobs.JobQueue, teams *aggregates.TeamMembership) (*jobrt.Registry, error) {
	reg := jobrt.NewRegistry()
	for _, h := range []jobrt.Handler{
		membership_reconcile.New(log, teams),
		queue_cleanup.New(log, queue),
		stale_lock_sweep.New(log, queue),
	} {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (a *App) ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *App) queueStats(ctx context.Context) (types.QueueStats, error) {
	return a.Queue.Stats(dbctx.Background(ctx))
}
