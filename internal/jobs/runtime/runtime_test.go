package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	"github.com/yungbote/pgcoord/internal/data/repos/testutil"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

type nopHandler struct{ t domainjobs.JobType }

func (h nopHandler) Type() domainjobs.JobType { return h.t }
func (nopHandler) Run(*Context) error         { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nopHandler{t: domainjobs.JobTypeStaleLockSweep}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(nopHandler{t: domainjobs.JobTypeQueueCleanup}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(nopHandler{t: domainjobs.JobTypeQueueCleanup}); err == nil {
		t.Fatalf("duplicate Register: want error")
	}
	if err := r.Register(nopHandler{}); err == nil {
		t.Fatalf("empty type: want error")
	}
	got := r.Types()
	if len(got) != 2 || got[0] != domainjobs.JobTypeQueueCleanup || got[1] != domainjobs.JobTypeStaleLockSweep {
		t.Fatalf("Types: got=%v", got)
	}
	if _, ok := r.Get(domainjobs.JobTypeMembershipReconcile); ok {
		t.Fatalf("Get: want missing")
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil): want nil")
	}
	base := errors.New("bad")
	err := Permanent(base)
	if !IsPermanent(err) || !errors.Is(err, base) {
		t.Fatalf("Permanent: want wrapped permanent error got=%v", err)
	}
	if IsPermanent(base) {
		t.Fatalf("IsPermanent(base): want false")
	}
}

func claimed(t *testing.T, maxAttempts int) (*Context, repojobs.JobQueue, dbctx.Context) {
	t.Helper()
	db := testutil.DB(t)
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	q := repojobs.NewJobQueue(db, testutil.Logger(t), repojobs.WithClock(clock.Now))
	dbc := dbctx.Background(context.Background())
	if _, err := q.Enqueue(dbc, domainjobs.StaleLockSweepPayload{OlderThanSeconds: 60}, repojobs.EnqueueOptions{MaxAttempts: maxAttempts}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Claim(dbc, "w-1")
	if err != nil || job == nil {
		t.Fatalf("Claim: job=%v err=%v", job, err)
	}
	return NewContext(context.Background(), db, job, q, nil, 0.001), q, dbc
}

func TestContextPayload(t *testing.T) {
	c, _, _ := claimed(t, 3)
	p, err := c.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if sp, ok := p.(domainjobs.StaleLockSweepPayload); !ok || sp.OlderThanSeconds != 60 {
		t.Fatalf("payload: got=%#v", p)
	}
}

func TestProgressIsThrottled(t *testing.T) {
	c, q, dbc := claimed(t, 3)
	c.Progress(10)
	c.Progress(20)
	got, _ := q.GetByID(dbc, c.Job.ID)
	if got.Progress != 10 {
		t.Fatalf("throttled progress: want=10 got=%d", got.Progress)
	}
	c.Progress(100)
	got, _ = q.GetByID(dbc, c.Job.ID)
	if got.Progress != 100 || c.Job.Progress != 100 {
		t.Fatalf("final progress: want=100 got=%d/%d", got.Progress, c.Job.Progress)
	}
}

func TestFailRetriesThenExhausts(t *testing.T) {
	c, _, _ := claimed(t, 3)
	if err := c.Fail(errors.New("flaky")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if c.Outcome() != OutcomeRetried || c.Job.Status != types.JobStatusPending {
		t.Fatalf("outcome/status: got=%s/%s", c.Outcome(), c.Job.Status)
	}

	c, _, _ = claimed(t, 1)
	if err := c.Fail(errors.New("flaky")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if c.Outcome() != OutcomeFailed || c.Job.Status != types.JobStatusFailed {
		t.Fatalf("outcome/status: got=%s/%s", c.Outcome(), c.Job.Status)
	}
}

func TestFirstSettlementWins(t *testing.T) {
	c, q, dbc := claimed(t, 3)
	if err := c.Succeed(nil); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if err := c.Fail(errors.New("late")); err != nil {
		t.Fatalf("Fail after Succeed: %v", err)
	}
	got, _ := q.GetByID(dbc, c.Job.ID)
	if got.Status != types.JobStatusCompleted || c.Outcome() != OutcomeCompleted || !c.Finished() {
		t.Fatalf("status/outcome: got=%s/%s", got.Status, c.Outcome())
	}
}

func TestCancelledJobIsSuperseded(t *testing.T) {
	c, q, dbc := claimed(t, 3)
	if _, err := q.Cancel(dbc, c.Job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !c.Cancelled() {
		t.Fatalf("Cancelled: want=true")
	}
	if err := c.Succeed("late"); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if c.Outcome() != OutcomeSuperseded {
		t.Fatalf("outcome: want=superseded got=%s", c.Outcome())
	}
	got, _ := q.GetByID(dbc, c.Job.ID)
	if got.Status != types.JobStatusCancelled {
		t.Fatalf("status: want=cancelled got=%s", got.Status)
	}
}
