package runtime

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
	"gorm.io/gorm"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

/*
Context is the execution handle for one claimed job.
It wraps:
  - the claimed job row,
  - the queue, which owns every lifecycle write,
  - the decoded payload.

Handlers report through Progress, Succeed and Fail and never write the job row
themselves. Succeed and Fail are terminal for this attempt: the first one wins.
*/
type Context struct {
	Ctx   context.Context
	DB    *gorm.DB
	Job   *types.Job
	Queue repojobs.JobQueue
	Log   *logger.Logger

	payload    domainjobs.Payload
	payloadErr error
	progress   *rate.Limiter

	mu       sync.Mutex
	outcome  Outcome
	finished bool
}

// Outcome is what a finished attempt did to the job.
type Outcome string

const (
	OutcomeNone       Outcome = ""
	OutcomeCompleted  Outcome = "completed"
	OutcomeRetried    Outcome = "retried"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
)

// NewContext decodes the payload eagerly. progressPerSecond <= 0 disables throttling.
func NewContext(ctx context.Context, db *gorm.DB, job *types.Job, queue repojobs.JobQueue, log *logger.Logger, progressPerSecond float64) *Context {
	if log == nil {
		log = logger.NewNop()
	}
	c := &Context{
		Ctx:   ctx,
		DB:    db,
		Job:   job,
		Queue: queue,
		Log:   log,
	}
	if progressPerSecond > 0 {
		c.progress = rate.NewLimiter(rate.Limit(progressPerSecond), 1)
	}
	if job != nil {
		c.payload, c.payloadErr = domainjobs.DecodeJobPayload(job)
	}
	return c
}

// Payload returns the typed payload, or the decode error for malformed jobs.
func (c *Context) Payload() (domainjobs.Payload, error) {
	return c.payload, c.payloadErr
}

// dbc detaches lifecycle writes from handler cancellation so a shutdown
// mid-run still records the attempt.
func (c *Context) dbc() dbctx.Context {
	if c.Ctx == nil {
		return dbctx.Background(context.Background())
	}
	return dbctx.Background(context.WithoutCancel(c.Ctx))
}

/*
Progress records pct (clamped to 0..100) on the job row.
Writes are throttled to the configured rate; skipped updates are dropped, except
100 which is always written. Failures are logged and otherwise ignored.
*/
func (c *Context) Progress(pct int) {
	if c == nil || c.Job == nil || c.Queue == nil {
		return
	}
	if pct < 100 && c.progress != nil && !c.progress.Allow() {
		return
	}
	job, err := c.Queue.UpdateProgress(c.dbc(), c.Job.ID, pct)
	if err != nil {
		c.Log.Warn("progress update failed", "job_id", c.Job.ID, "error", err)
		return
	}
	c.Job.Progress = job.Progress
	c.Job.UpdatedAt = job.UpdatedAt
}

// Cancelled re-reads the job and reports whether it was cancelled meanwhile.
// Long handlers poll it to stop early.
func (c *Context) Cancelled() bool {
	if c == nil || c.Job == nil || c.Queue == nil {
		return false
	}
	job, err := c.Queue.GetByID(c.dbc(), c.Job.ID)
	if err != nil {
		return false
	}
	return job.Status == types.JobStatusCancelled
}

// Succeed completes the job with result.
func (c *Context) Succeed(result any) error {
	if !c.begin() {
		return nil
	}
	job, err := c.Queue.Complete(c.dbc(), c.Job.ID, result)
	return c.settle(job, err, OutcomeCompleted)
}

// Fail schedules a retry while attempts remain, otherwise fails the job. A
// Permanent error fails it straight away.
func (c *Context) Fail(cause error) error {
	if !c.begin() {
		return nil
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	var (
		job     *types.Job
		err     error
		outcome Outcome
	)
	if IsPermanent(cause) || !c.Job.CanRetry() {
		job, err = c.Queue.Fail(c.dbc(), c.Job.ID, msg)
		outcome = OutcomeFailed
	} else {
		job, err = c.Queue.ScheduleRetry(c.dbc(), c.Job.ID, msg, c.Job.Attempts)
		outcome = OutcomeRetried
	}
	return c.settle(job, err, outcome)
}

// Outcome reports how this attempt ended, OutcomeNone while still running.
func (c *Context) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Finished reports whether Succeed or Fail was called.
func (c *Context) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Context) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	return true
}

// settle records the outcome. A job that left processing underneath us
// (cancelled or reclaimed) is superseded rather than an error.
func (c *Context) settle(job *types.Job, err error, outcome Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if isSuperseded(err) {
			c.outcome = OutcomeSuperseded
			return nil
		}
		return err
	}
	c.outcome = outcome
	*c.Job = *job
	return nil
}
