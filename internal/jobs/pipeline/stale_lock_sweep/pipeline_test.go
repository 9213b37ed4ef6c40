package stale_lock_sweep

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	"github.com/yungbote/pgcoord/internal/data/repos/testutil"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

func TestSweepRequeuesAbandonedJob(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	log := testutil.Logger(t)
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	q := repojobs.NewJobQueue(db, log, repojobs.WithClock(clock.Now))

	abandoned, _ := q.Enqueue(dbc, domainjobs.QueueCleanupPayload{OlderThanHours: 1}, repojobs.EnqueueOptions{})
	if _, err := q.Claim(dbc, "dead-worker"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	clock.Advance(10 * time.Minute)

	if _, err := q.Enqueue(dbc, domainjobs.StaleLockSweepPayload{OlderThanSeconds: 300}, repojobs.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Claim(dbc, "w-1")
	if err != nil || job == nil || job.Type != domainjobs.JobTypeStaleLockSweep {
		t.Fatalf("Claim: job=%v err=%v", job, err)
	}
	jc := jobrt.NewContext(ctx, db, job, q, log, 0)
	if err := New(log, q).Run(jc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var res repojobs.StaleLockResult
	if err := json.Unmarshal(jc.Job.Result, &res); err != nil {
		t.Fatalf("result: %v (%s)", err, string(jc.Job.Result))
	}
	if res.Requeued != 1 || res.Failed != 0 {
		t.Fatalf("result: want requeued=1 failed=0 got=%+v", res)
	}
	got, _ := q.GetByID(dbc, abandoned.ID)
	if got.Status != types.JobStatusPending || got.LockedBy != nil {
		t.Fatalf("abandoned job: want pending/unlocked got=%s/%v", got.Status, got.LockedBy)
	}
	if got.Error == nil || *got.Error != repojobs.ErrLockExpired {
		t.Fatalf("error: got=%v", got.Error)
	}
}
