package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/pgcoord/internal/data/aggregates"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

// ErrLockExpired is the error text recorded on jobs released by ReleaseStaleLocks.
const ErrLockExpired = "lock expired"

// EnqueueOptions tune a new job. Zero values take the queue defaults.
type EnqueueOptions struct {
	// Priority overrides DefaultPriority; lower runs first. Nil keeps the default.
	Priority    *int
	MaxAttempts int
	// RunAt delays the first claim. Zero means now.
	RunAt time.Time
}

type JobQueue interface {
	Enqueue(dbc dbctx.Context, payload domainjobs.Payload, opts EnqueueOptions) (*types.Job, error)
	Claim(dbc dbctx.Context, workerID string) (*types.Job, error)
	Complete(dbc dbctx.Context, id string, result any) (*types.Job, error)
	Fail(dbc dbctx.Context, id string, errMsg string) (*types.Job, error)
	ScheduleRetry(dbc dbctx.Context, id string, errMsg string, attempts int) (*types.Job, error)
	RetryOrFail(dbc dbctx.Context, job *types.Job, errMsg string) (*types.Job, error)
	Cancel(dbc dbctx.Context, id string) (*types.Job, error)
	UpdateProgress(dbc dbctx.Context, id string, progress int) (*types.Job, error)
	GetByID(dbc dbctx.Context, id string) (*types.Job, error)
	Stats(dbc dbctx.Context) (types.QueueStats, error)
	CountActive(dbc dbctx.Context, jobType domainjobs.JobType) (int64, error)
	CleanupOldJobs(dbc dbctx.Context, olderThanHours int) (int64, error)
	ReleaseStaleLocks(dbc dbctx.Context, olderThan time.Duration) (StaleLockResult, error)
}

// StaleLockResult counts the jobs a stale lock sweep moved.
type StaleLockResult struct {
	Requeued int64 `json:"requeued"`
	Failed   int64 `json:"failed"`
}

type Option func(*jobQueue)

// WithClock replaces the time source used for every timestamp the queue writes
// and for the scheduled_for cutoff in Claim.
func WithClock(now func() time.Time) Option {
	return func(q *jobQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func WithRetryPolicy(p domainjobs.RetryPolicy) Option {
	return func(q *jobQueue) { q.retry = p }
}

// WithNotifyChannel makes Enqueue issue pg_notify(channel, job type) on Postgres.
// An empty channel disables notifications.
func WithNotifyChannel(channel string) Option {
	return func(q *jobQueue) { q.notifyChannel = strings.TrimSpace(channel) }
}

type jobQueue struct {
	db            *gorm.DB
	log           *logger.Logger
	guard         aggregates.CASGuard
	retry         domainjobs.RetryPolicy
	notifyChannel string
	now           func() time.Time
}

func NewJobQueue(db *gorm.DB, baseLog *logger.Logger, opts ...Option) JobQueue {
	q := &jobQueue{
		db:    db,
		log:   baseLog.With("repo", "JobQueue"),
		retry: domainjobs.DefaultRetryPolicy(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	q.guard = aggregates.NewCASGuard(db).WithClock(q.now)
	return q
}

func (q *jobQueue) Enqueue(dbc dbctx.Context, payload domainjobs.Payload, opts EnqueueOptions) (*types.Job, error) {
	const op = "job.enqueue"
	if payload == nil {
		return nil, domainagg.NewValidation(op, "payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, domainagg.NewValidation(op, err.Error())
	}
	raw, err := domainjobs.EncodePayload(payload)
	if err != nil {
		return nil, domainagg.NewValidation(op, err.Error())
	}
	priority := domainjobs.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domainjobs.DefaultMaxAttempts
	}
	now := q.now()
	runAt := now
	if !opts.RunAt.IsZero() {
		runAt = opts.RunAt.UTC()
	}
	job := &types.Job{
		ID:           uuid.NewString(),
		Type:         payload.JobType(),
		Payload:      datatypes.JSON(raw),
		Status:       types.JobStatusPending,
		Attempts:     0,
		MaxAttempts:  maxAttempts,
		Priority:     priority,
		ScheduledFor: runAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	write := func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return q.notify(tx, job.Type)
	}
	db := dbc.DB(q.db)
	if dbc.Tx != nil || !q.notifies(db) {
		err = write(db)
	} else {
		err = db.Transaction(write)
	}
	if err != nil {
		return nil, aggregates.MapError(op, err)
	}
	q.log.Debug("job enqueued", "job_id", job.ID, "job_type", job.Type, "priority", job.Priority, "scheduled_for", job.ScheduledFor)
	return job, nil
}

func (q *jobQueue) notifies(db *gorm.DB) bool {
	return q.notifyChannel != "" && aggregates.SupportsRowLocks(db)
}

func (q *jobQueue) notify(tx *gorm.DB, t domainjobs.JobType) error {
	if !q.notifies(tx) {
		return nil
	}
	return tx.Exec("SELECT pg_notify(?, ?)", q.notifyChannel, string(t)).Error
}

// Claim moves the best runnable pending job to processing. On Postgres this is
// one UPDATE whose candidate subselect uses FOR UPDATE SKIP LOCKED, so concurrent
// claimers never wait on each other's row. Returns nil, nil when nothing is runnable.
func (q *jobQueue) Claim(dbc dbctx.Context, workerID string) (*types.Job, error) {
	const op = "job.claim"
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, domainagg.NewValidation(op, "worker id is required")
	}
	db := dbc.DB(q.db)
	now := q.now()
	updates := map[string]any{
		"status":     types.JobStatusProcessing,
		"locked_by":  workerID,
		"locked_at":  now,
		"started_at": now,
		"attempts":   gorm.Expr("attempts + 1"),
		"updated_at": now,
	}
	candidate := db.Session(&gorm.Session{NewDB: true}).
		Model(&types.Job{}).
		Select("id").
		Where("status = ? AND scheduled_for <= ?", types.JobStatusPending, now).
		Order("priority ASC, created_at ASC").
		Limit(1)

	var job types.Job
	if aggregates.SupportsRowLocks(db) {
		res := db.Model(&job).
			Clauses(clause.Returning{}).
			Where("id = (?) AND status = ?", candidate.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}), types.JobStatusPending).
			Updates(updates)
		if res.Error != nil {
			return nil, aggregates.MapError(op, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, nil
		}
		return &job, nil
	}

	// Without row locks: pick, then claim conditionally on the row still being pending.
	var ids []string
	if err := candidate.Pluck("id", &ids).Error; err != nil {
		return nil, aggregates.MapError(op, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	n, err := aggregates.UpdateAndLoad(db, &job, ids[0], func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id = ? AND status = ?", ids[0], types.JobStatusPending)
	}, updates)
	if err != nil {
		return nil, aggregates.MapError(op, err)
	}
	if n == 0 {
		return nil, nil
	}
	return &job, nil
}

func (q *jobQueue) Complete(dbc dbctx.Context, id string, result any) (*types.Job, error) {
	const op = "job.complete"
	raw, err := encodeResult(result)
	if err != nil {
		return nil, domainagg.NewValidation(op, err.Error())
	}
	now := q.now()
	return q.transition(dbc, op, id, map[string]any{
		"status":       types.JobStatusCompleted,
		"progress":     100,
		"result":       raw,
		"locked_by":    nil,
		"locked_at":    nil,
		"completed_at": now,
		"updated_at":   now,
	})
}

func (q *jobQueue) Fail(dbc dbctx.Context, id string, errMsg string) (*types.Job, error) {
	now := q.now()
	return q.transition(dbc, "job.fail", id, map[string]any{
		"status":       types.JobStatusFailed,
		"error":        errMsg,
		"locked_by":    nil,
		"locked_at":    nil,
		"completed_at": now,
		"updated_at":   now,
	})
}

// ScheduleRetry returns a processing job to pending, runnable after the backoff
// for attempts. The attempts column is left as Claim set it.
func (q *jobQueue) ScheduleRetry(dbc dbctx.Context, id string, errMsg string, attempts int) (*types.Job, error) {
	const op = "job.schedule_retry"
	if attempts < 0 {
		return nil, domainagg.NewValidation(op, "attempts must be >= 0")
	}
	now := q.now()
	return q.transition(dbc, op, id, map[string]any{
		"status":        types.JobStatusPending,
		"error":         errMsg,
		"scheduled_for": q.retry.NextRunAt(now, attempts),
		"locked_by":     nil,
		"locked_at":     nil,
		"updated_at":    now,
	})
}

// RetryOrFail schedules a retry while the job has attempts left, otherwise fails it.
func (q *jobQueue) RetryOrFail(dbc dbctx.Context, job *types.Job, errMsg string) (*types.Job, error) {
	if job == nil {
		return nil, domainagg.NewValidation("job.retry_or_fail", "job is required")
	}
	if job.CanRetry() {
		return q.ScheduleRetry(dbc, job.ID, errMsg, job.Attempts)
	}
	return q.Fail(dbc, job.ID, errMsg)
}

// Cancel forces any job to cancelled. A worker still running it is not interrupted;
// its later Complete or Fail is rejected.
func (q *jobQueue) Cancel(dbc dbctx.Context, id string) (*types.Job, error) {
	now := q.now()
	return q.updateAny(dbc, "job.cancel", id, map[string]any{
		"status":       types.JobStatusCancelled,
		"locked_by":    nil,
		"locked_at":    nil,
		"completed_at": now,
		"updated_at":   now,
	})
}

func (q *jobQueue) UpdateProgress(dbc dbctx.Context, id string, progress int) (*types.Job, error) {
	return q.updateAny(dbc, "job.update_progress", id, map[string]any{
		"progress":   clampProgress(progress),
		"updated_at": q.now(),
	})
}

func (q *jobQueue) GetByID(dbc dbctx.Context, id string) (*types.Job, error) {
	const op = "job.get"
	var job types.Job
	err := dbc.DB(q.db).Where("id = ?", strings.TrimSpace(id)).Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domainagg.NewNotFound(op, "job", id)
	}
	if err != nil {
		return nil, aggregates.MapError(op, err)
	}
	return &job, nil
}

func (q *jobQueue) Stats(dbc dbctx.Context) (types.QueueStats, error) {
	var rows []struct {
		Status types.JobStatus
		Count  int64
	}
	err := dbc.DB(q.db).Model(&types.Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return types.QueueStats{}, aggregates.MapError("job.stats", err)
	}
	var stats types.QueueStats
	for _, r := range rows {
		stats.Set(r.Status, r.Count)
	}
	return stats, nil
}

// CountActive counts pending and processing jobs of one type.
func (q *jobQueue) CountActive(dbc dbctx.Context, jobType domainjobs.JobType) (int64, error) {
	var n int64
	err := dbc.DB(q.db).Model(&types.Job{}).
		Where("type = ? AND status IN ?", jobType, []types.JobStatus{types.JobStatusPending, types.JobStatusProcessing}).
		Count(&n).Error
	if err != nil {
		return 0, aggregates.MapError("job.count_active", err)
	}
	return n, nil
}

// CleanupOldJobs deletes terminal jobs whose completed_at is older than the cutoff.
func (q *jobQueue) CleanupOldJobs(dbc dbctx.Context, olderThanHours int) (int64, error) {
	const op = "job.cleanup"
	if olderThanHours < 0 {
		return 0, domainagg.NewValidation(op, "olderThanHours must be >= 0")
	}
	cutoff := q.now().Add(-time.Duration(olderThanHours) * time.Hour)
	res := dbc.DB(q.db).
		Where("status IN ? AND completed_at < ?", domainjobs.TerminalStatuses(), cutoff).
		Delete(&types.Job{})
	if res.Error != nil {
		return 0, aggregates.MapError(op, res.Error)
	}
	if res.RowsAffected > 0 {
		q.log.Info("old jobs deleted", "count", res.RowsAffected, "cutoff", cutoff)
	}
	return res.RowsAffected, nil
}

// ReleaseStaleLocks reclaims processing jobs locked before now-olderThan. Jobs
// with attempts left go back to pending for an immediate retry; the rest fail.
func (q *jobQueue) ReleaseStaleLocks(dbc dbctx.Context, olderThan time.Duration) (StaleLockResult, error) {
	const op = "job.release_stale_locks"
	if olderThan <= 0 {
		return StaleLockResult{}, domainagg.NewValidation(op, "olderThan must be > 0")
	}
	now := q.now()
	cutoff := now.Add(-olderThan)
	stale := "status = ? AND locked_at IS NOT NULL AND locked_at < ?"

	var out StaleLockResult
	sweep := func(tx *gorm.DB) error {
		res := tx.Model(&types.Job{}).
			Where(stale+" AND attempts >= max_attempts", types.JobStatusProcessing, cutoff).
			Updates(map[string]any{
				"status":       types.JobStatusFailed,
				"error":        ErrLockExpired,
				"locked_by":    nil,
				"locked_at":    nil,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		out.Failed = res.RowsAffected

		res = tx.Model(&types.Job{}).
			Where(stale, types.JobStatusProcessing, cutoff).
			Updates(map[string]any{
				"status":        types.JobStatusPending,
				"error":         ErrLockExpired,
				"scheduled_for": now,
				"locked_by":     nil,
				"locked_at":     nil,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		out.Requeued = res.RowsAffected
		return nil
	}

	db := dbc.DB(q.db)
	var err error
	if dbc.Tx != nil {
		err = sweep(db)
	} else {
		err = db.Transaction(sweep)
	}
	if err != nil {
		return StaleLockResult{}, aggregates.MapError(op, err)
	}
	if out.Requeued+out.Failed > 0 {
		q.log.Warn("stale job locks released", "requeued", out.Requeued, "failed", out.Failed, "cutoff", cutoff)
	}
	return out, nil
}

// transition applies updates only to a processing job. A job in any other state
// yields precondition_failed so a late completion cannot overwrite a cancellation.
func (q *jobQueue) transition(dbc dbctx.Context, op, id string, updates map[string]any) (*types.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domainagg.NewValidation(op, "job id is required")
	}
	var job types.Job
	ok, err := q.guard.UpdateByStatus(dbc, &job, id, []string{string(types.JobStatusProcessing)}, updates)
	if err != nil {
		return nil, aggregates.MapError(op, err)
	}
	if ok {
		return &job, nil
	}
	current, err := q.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if err := aggregates.RequireStatusAllowed(string(current.Status), string(types.JobStatusProcessing)); err != nil {
		return nil, domainagg.NewError(domainagg.CodePreconditionFailed, op,
			fmt.Sprintf("job %s is %s, not %s", id, current.Status, types.JobStatusProcessing), err)
	}
	// re-claimed between the guarded update and the read
	return nil, aggregates.RequireCASSuccess(false, fmt.Sprintf("job %s changed during %s", id, op))
}

func (q *jobQueue) updateAny(dbc dbctx.Context, op, id string, updates map[string]any) (*types.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domainagg.NewValidation(op, "job id is required")
	}
	var job types.Job
	n, err := aggregates.UpdateAndLoad(dbc.DB(q.db), &job, id, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id = ?", id)
	}, updates)
	if err != nil {
		return nil, aggregates.MapError(op, err)
	}
	if n == 0 {
		return nil, domainagg.NewNotFound(op, "job", id)
	}
	return &job, nil
}

func encodeResult(result any) (datatypes.JSON, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case datatypes.JSON:
		return v, nil
	case json.RawMessage:
		return datatypes.JSON(v), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return datatypes.JSON(b), nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
