package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	types "github.com/yungbote/pgcoord/internal/domain"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/observability"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

var tracer = otel.Tracer("github.com/yungbote/pgcoord/internal/jobs/worker")

type Config struct {
	// ID prefixes the lockedBy value of every slot. Defaults to hostname-pid.
	ID          string
	Concurrency int
	// PollMin/PollMax bound the idle backoff between empty claims.
	PollMin time.Duration
	PollMax time.Duration
	// ProgressRate caps progress writes per job per second; <= 0 disables throttling.
	ProgressRate float64
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = DefaultID()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollMin <= 0 {
		c.PollMin = 250 * time.Millisecond
	}
	if c.PollMax < c.PollMin {
		c.PollMax = c.PollMin
	}
	return c
}

// DefaultID is hostname-pid, or a random id when the hostname is unknown.
func DefaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-" + uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	queue    repojobs.JobQueue
	registry *jobrt.Registry
	metrics  *observability.Metrics
	cfg      Config
	wake     <-chan struct{}
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, queue repojobs.JobQueue, registry *jobrt.Registry, metrics *observability.Metrics, cfg Config) *Worker {
	if baseLog == nil {
		baseLog = logger.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "JobWorker", "worker_id", cfg.ID),
		queue:    queue,
		registry: registry,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// SetWake installs a channel whose sends cut an idle slot's backoff short.
// Must be called before Run.
func (w *Worker) SetWake(ch <-chan struct{}) {
	w.wake = ch
}

func (w *Worker) Config() Config { return w.cfg }

// Run polls with Concurrency slots until ctx is cancelled. A slot finishes the
// job it holds before returning, so Run drains in-flight work on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting", "concurrency", w.cfg.Concurrency, "job_types", w.registry.Types())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		slotID := fmt.Sprintf("%s/%d", w.cfg.ID, i)
		g.Go(func() error {
			return w.runLoop(gctx, slotID)
		})
	}
	err := g.Wait()
	w.log.Info("worker stopped")
	return err
}

func (w *Worker) runLoop(ctx context.Context, slotID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.PollMin
	b.MaxInterval = w.cfg.PollMax
	b.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}
		ran, err := w.RunOnce(ctx, slotID)
		if err != nil {
			w.log.Warn("job slot iteration failed", "slot", slotID, "error", err)
		}
		if ran {
			b.Reset()
			continue
		}
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-w.wake:
			timer.Stop()
			b.Reset()
		case <-timer.C:
		}
	}
}

// RunOnce claims at most one job as slotID and runs it to an outcome. It
// reports whether a job was claimed.
func (w *Worker) RunOnce(ctx context.Context, slotID string) (bool, error) {
	job, err := w.queue.Claim(dbctx.Background(ctx), slotID)
	if err != nil {
		w.metrics.IncClaim("error")
		return false, err
	}
	if job == nil {
		w.metrics.IncClaim("empty")
		return false, nil
	}
	w.metrics.IncClaim("claimed")

	start := time.Now()
	spanCtx, span := tracer.Start(ctx, "job.run")
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.Int("job.attempt", job.Attempts),
	)
	defer span.End()

	log := w.log.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts, "slot", slotID)
	jc := jobrt.NewContext(spanCtx, w.db, job, w.queue, log, w.cfg.ProgressRate)
	err = w.dispatch(jc)

	outcome := string(jc.Outcome())
	if outcome == "" {
		outcome = "unsettled"
	}
	span.SetAttributes(attribute.String("job.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	w.metrics.ObserveJobRun(string(job.Type), outcome, time.Since(start))
	log.Debug("job attempt finished", "outcome", outcome, "duration_ms", time.Since(start).Milliseconds())
	return true, err
}

func (w *Worker) dispatch(jc *jobrt.Context) error {
	job := jc.Job
	h, ok := w.registry.Get(job.Type)
	if !ok {
		jc.Log.Warn("no handler registered for job type")
		return jc.Fail(jobrt.Permanent(&missingHandlerError{JobType: job.Type}))
	}
	if _, err := jc.Payload(); err != nil {
		jc.Log.Warn("job payload rejected", "error", err)
		return jc.Fail(jobrt.Permanent(err))
	}
	if runErr := w.runHandler(h, jc); runErr != nil {
		jc.Log.Warn("job handler failed", "error", runErr)
		return jc.Fail(runErr)
	}
	// No-op when the handler already settled the attempt.
	return jc.Succeed(nil)
}

func (w *Worker) runHandler(h jobrt.Handler, jc *jobrt.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			jc.Log.Error("job handler panic", "panic", r)
			err = &panicError{Val: r}
		}
	}()
	return h.Run(jc)
}

type missingHandlerError struct{ JobType types.JobType }

func (e *missingHandlerError) Error() string {
	return "no handler registered for job_type=" + string(e.JobType)
}

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
