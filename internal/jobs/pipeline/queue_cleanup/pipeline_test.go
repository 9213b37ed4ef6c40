package queue_cleanup

import (
	"context"
	"testing"
	"time"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	"github.com/yungbote/pgcoord/internal/data/repos/testutil"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

func TestCleanupDeletesOldTerminalJobs(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	log := testutil.Logger(t)
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	q := repojobs.NewJobQueue(db, log, repojobs.WithClock(clock.Now))

	// One old completed job.
	old, _ := q.Enqueue(dbc, domainjobs.StaleLockSweepPayload{OlderThanSeconds: 60}, repojobs.EnqueueOptions{})
	if _, err := q.Claim(dbc, "w-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := q.Complete(dbc, old.ID, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	clock.Advance(48 * time.Hour)

	if _, err := q.Enqueue(dbc, domainjobs.QueueCleanupPayload{OlderThanHours: 24}, repojobs.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Claim(dbc, "w-1")
	if err != nil || job == nil {
		t.Fatalf("Claim: job=%v err=%v", job, err)
	}
	jc := jobrt.NewContext(ctx, db, job, q, log, 0)
	if err := New(log, q).Run(jc); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if jc.Job.Status != types.JobStatusCompleted {
		t.Fatalf("status: want=completed got=%s", jc.Job.Status)
	}
	if _, err := q.GetByID(dbc, old.ID); err == nil {
		t.Fatalf("old job still present")
	}
	stats, _ := q.Stats(dbc)
	if stats.Completed != 1 {
		t.Fatalf("completed: want=1 got=%d", stats.Completed)
	}
}
