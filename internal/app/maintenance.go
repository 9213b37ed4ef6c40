package app

import (
	"context"
	"time"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

// Sweeps jump ahead of ordinary work so a dead worker's jobs return quickly.
const sweepPriority = 10

// maintenanceTask is a payload enqueued every interval, unless one of its type
// is still pending or processing.
type maintenanceTask struct {
	every    time.Duration
	payload  domainjobs.Payload
	priority int
}

func sweepInterval(timeout time.Duration) time.Duration {
	if d := timeout / 2; d >= time.Second {
		return d
	}
	return time.Second
}

func staleLockPayload(timeout time.Duration) domainjobs.StaleLockSweepPayload {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return domainjobs.StaleLockSweepPayload{OlderThanSeconds: secs}
}

func cleanupPayload(retention time.Duration) domainjobs.QueueCleanupPayload {
	hours := int(retention / time.Hour)
	if hours < 1 {
		hours = 1
	}
	return domainjobs.QueueCleanupPayload{OlderThanHours: hours}
}

func maintenanceTasks(cfg JobsConfig) []maintenanceTask {
	var tasks []maintenanceTask
	if cfg.StaleLockTimeout > 0 {
		tasks = append(tasks, maintenanceTask{
			every:    sweepInterval(cfg.StaleLockTimeout),
			payload:  staleLockPayload(cfg.StaleLockTimeout),
			priority: sweepPriority,
		})
	}
	if cfg.CleanupRetention > 0 && cfg.CleanupInterval > 0 {
		tasks = append(tasks, maintenanceTask{
			every:    cfg.CleanupInterval,
			payload:  cleanupPayload(cfg.CleanupRetention),
			priority: domainjobs.DefaultPriority,
		})
	}
	return tasks
}

// runMaintenanceScheduler runs one ticker per task. Every process runs a
// scheduler; the active-job check keeps them from stacking duplicates.
func runMaintenanceScheduler(ctx context.Context, log *logger.Logger, queue repojobs.JobQueue, tasks []maintenanceTask) {
	done := make(chan struct{}, len(tasks))
	for _, task := range tasks {
		go func(task maintenanceTask) {
			defer func() { done <- struct{}{} }()
			ticker := time.NewTicker(task.every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := enqueueIfIdle(ctx, queue, task); err != nil && ctx.Err() == nil {
						log.Warn("maintenance enqueue failed", "job_type", task.payload.JobType(), "error", err)
					}
				}
			}
		}(task)
	}
	for range tasks {
		<-done
	}
}

func enqueueIfIdle(ctx context.Context, queue repojobs.JobQueue, task maintenanceTask) (bool, error) {
	dbc := dbctx.Background(ctx)
	active, err := queue.CountActive(dbc, task.payload.JobType())
	if err != nil {
		return false, err
	}
	if active > 0 {
		return false, nil
	}
	prio := task.priority
	_, err = queue.Enqueue(dbc, task.payload, repojobs.EnqueueOptions{Priority: &prio, MaxAttempts: 1})
	return err == nil, err
}
