package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	"github.com/yungbote/pgcoord/internal/data/repos/testutil"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/observability"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

type funcHandler struct {
	jobType domainjobs.JobType
	run     func(*jobrt.Context) error
}

func (h funcHandler) Type() domainjobs.JobType     { return h.jobType }
func (h funcHandler) Run(ctx *jobrt.Context) error { return h.run(ctx) }

type fixture struct {
	db    *gorm.DB
	queue repojobs.JobQueue
	clock *testutil.Clock
	reg   *jobrt.Registry
	dbc   dbctx.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.DB(t)
	clock := testutil.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &fixture{
		db:    db,
		queue: repojobs.NewJobQueue(db, testutil.Logger(t), repojobs.WithClock(clock.Now)),
		clock: clock,
		reg:   jobrt.NewRegistry(),
		dbc:   dbctx.Background(context.Background()),
	}
}

func (f *fixture) register(t *testing.T, run func(*jobrt.Context) error) {
	t.Helper()
	if err := f.reg.Register(funcHandler{jobType: domainjobs.JobTypeQueueCleanup, run: run}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func (f *fixture) enqueue(t *testing.T) *types.Job {
	t.Helper()
	job, err := f.queue.Enqueue(f.dbc, domainjobs.QueueCleanupPayload{OlderThanHours: 1}, repojobs.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

func (f *fixture) worker(t *testing.T, m *observability.Metrics) *Worker {
	return NewWorker(f.db, testutil.Logger(t), f.queue, f.reg, m, Config{ID: "w-test", Concurrency: 1, PollMin: 5 * time.Millisecond, PollMax: 20 * time.Millisecond})
}

func (f *fixture) reload(t *testing.T, id string) *types.Job {
	t.Helper()
	job, err := f.queue.GetByID(f.dbc, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return job
}

func TestRunOnceEmptyQueue(t *testing.T) {
	f := newFixture(t)
	m := observability.New()
	ran, err := f.worker(t, m).RunOnce(context.Background(), "w-test/0")
	if err != nil || ran {
		t.Fatalf("RunOnce: want=false,nil got=%v,%v", ran, err)
	}
}

func TestRunOnceCompletesJob(t *testing.T) {
	f := newFixture(t)
	f.register(t, func(c *jobrt.Context) error {
		c.Progress(50)
		return c.Succeed(map[string]int{"deleted": 2})
	})
	job := f.enqueue(t)

	ran, err := f.worker(t, nil).RunOnce(context.Background(), "w-test/0")
	if err != nil || !ran {
		t.Fatalf("RunOnce: want=true,nil got=%v,%v", ran, err)
	}
	got := f.reload(t, job.ID)
	if got.Status != types.JobStatusCompleted {
		t.Fatalf("status: want=completed got=%s", got.Status)
	}
	var result map[string]int
	if err := json.Unmarshal(got.Result, &result); err != nil || result["deleted"] != 2 {
		t.Fatalf("result: got=%s", string(got.Result))
	}
	if got.StartedAt == nil || got.Attempts != 1 {
		t.Fatalf("started_at/attempts: got=%v/%d", got.StartedAt, got.Attempts)
	}
}

func TestRunOnceSucceedsWhenHandlerReturnsNil(t *testing.T) {
	f := newFixture(t)
	f.register(t, func(*jobrt.Context) error { return nil })
	job := f.enqueue(t)

	if _, err := f.worker(t, nil).RunOnce(context.Background(), "w-test/0"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := f.reload(t, job.ID)
	if got.Status != types.JobStatusCompleted || got.Result != nil {
		t.Fatalf("status/result: got=%s/%s", got.Status, string(got.Result))
	}
}

func TestRunOnceRetriesHandlerError(t *testing.T) {
	f := newFixture(t)
	f.register(t, func(*jobrt.Context) error { return errors.New("upstream unavailable") })
	job := f.enqueue(t)

	if _, err := f.worker(t, nil).RunOnce(context.Background(), "w-test/0"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := f.reload(t, job.ID)
	if got.Status != types.JobStatusPending || got.Attempts != 1 {
		t.Fatalf("status/attempts: want=pending/1 got=%s/%d", got.Status, got.Attempts)
	}
	if want := f.clock.Now().Add(10 * time.Second); !got.ScheduledFor.Equal(want) {
		t.Fatalf("scheduled_for: want=%v got=%v", want, got.ScheduledFor)
	}
	if got.Error == nil || *got.Error != "upstream unavailable" {
		t.Fatalf("error: got=%v", got.Error)
	}
}

func TestRunOncePermanentErrorFails(t *testing.T) {
	f := newFixture(t)
	f.register(t, func(*jobrt.Context) error { return jobrt.Permanent(errors.New("bad input")) })
	job := f.enqueue(t)

	if _, err := f.worker(t, nil).RunOnce(context.Background(), "w-test/0"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := f.reload(t, job.ID); got.Status != types.JobStatusFailed || got.Attempts != 1 {
		t.Fatalf("status/attempts: want=failed/1 got=%s/%d", got.Status, got.Attempts)
	}
}

func TestRunOnceMissingHandlerFails(t *testing.T) {
	f := newFixture(t)
	job := f.enqueue(t)
	m := observability.New()

	if _, err := f.worker(t, m).RunOnce(context.Background(), "w-test/0"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := f.reload(t, job.ID)
	if got.Status != types.JobStatusFailed {
		t.Fatalf("status: want=failed got=%s", got.Status)
	}
	if got.Error == nil || *got.Error != "no handler registered for job_type=queue_cleanup" {
		t.Fatalf("error: got=%v", got.Error)
	}
}

func TestRunOnceRecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.register(t, func(*jobrt.Context) error { panic("boom") })
	job := f.enqueue(t)

	ran, err := f.worker(t, nil).RunOnce(context.Background(), "w-test/0")
	if err != nil || !ran {
		t.Fatalf("RunOnce: want=true,nil got=%v,%v", ran, err)
	}
	got := f.reload(t, job.ID)
	if got.Status != types.JobStatusPending {
		t.Fatalf("status: want=pending got=%s", got.Status)
	}
	if got.Error == nil || *got.Error != "panic: boom" {
		t.Fatalf("error: got=%v", got.Error)
	}
}

func TestRunOnceSupersededByCancel(t *testing.T) {
	f := newFixture(t)
	f.register(t, func(c *jobrt.Context) error {
		if _, err := c.Queue.Cancel(dbctx.Background(c.Ctx), c.Job.ID); err != nil {
			return err
		}
		if !c.Cancelled() {
			t.Errorf("Cancelled: want=true")
		}
		return nil
	})
	job := f.enqueue(t)

	if _, err := f.worker(t, nil).RunOnce(context.Background(), "w-test/0"); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := f.reload(t, job.ID); got.Status != types.JobStatusCancelled {
		t.Fatalf("status: want=cancelled got=%s", got.Status)
	}
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	f := newFixture(t)
	done := make(chan string, 8)
	f.register(t, func(c *jobrt.Context) error {
		done <- c.Job.ID
		return nil
	})
	for i := 0; i < 3; i++ {
		f.enqueue(t)
	}

	w := NewWorker(f.db, testutil.Logger(t), f.queue, f.reg, nil, Config{ID: "w-run", Concurrency: 2, PollMin: 5 * time.Millisecond, PollMax: 20 * time.Millisecond})
	wake := make(chan struct{}, 1)
	w.SetWake(wake)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	seen := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case id := <-done:
			seen[id] = true
		case <-timeout:
			t.Fatalf("ran %d of 3 jobs", len(seen))
		}
	}

	late := f.enqueue(t)
	wake <- struct{}{}
	select {
	case id := <-done:
		if id != late.ID {
			t.Fatalf("late job: want=%s got=%s", late.ID, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("woken worker never ran the late job")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
	stats, err := f.queue.Stats(f.dbc)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Completed != 4 || stats.Pending != 0 {
		t.Fatalf("stats: want completed=4 pending=0 got=%+v", stats)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{PollMin: time.Second, PollMax: time.Millisecond}.withDefaults()
	if cfg.ID == "" || cfg.Concurrency != 4 {
		t.Fatalf("defaults: got=%+v", cfg)
	}
	if cfg.PollMax != time.Second {
		t.Fatalf("poll max: want=1s got=%v", cfg.PollMax)
	}
}
