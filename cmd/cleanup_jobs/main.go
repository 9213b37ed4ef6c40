package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/yungbote/pgcoord/internal/app"
	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	"github.com/yungbote/pgcoord/internal/domain/teams"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }
func (l *idList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

type options struct {
	teams            idList
	olderThanHours   int
	staleLockTimeout time.Duration
	dryRun           bool
}

type reconcileFunc func(dbc dbctx.Context, ownerID string) (*teams.Team, bool, error)

func main() {
	var opts options
	flag.Var(&opts.teams, "team", "team id whose member mirror to reconcile (repeatable)")
	flag.IntVar(&opts.olderThanHours, "older-than-hours", 24*7, "delete terminal jobs completed before this many hours ago; -1 skips")
	flag.DurationVar(&opts.staleLockTimeout, "stale-lock-timeout", 0, "release processing jobs locked longer than this; 0 uses STALE_LOCK_TIMEOUT, which is off by default")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "print queue stats without changing anything")
	flag.Parse()

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cleanup_jobs: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	application, err := app.New(ctx, log)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	if opts.staleLockTimeout <= 0 {
		opts.staleLockTimeout = application.Cfg.Jobs.StaleLockTimeout
	}
	return maintain(dbctx.Context{Ctx: ctx}, application.Queue, application.Teams.Reconcile, opts, out)
}

func maintain(dbc dbctx.Context, queue repojobs.JobQueue, reconcile reconcileFunc, opts options, out io.Writer) error {
	stats, err := queue.Stats(dbc)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	fmt.Fprintf(out, "before: pending=%d processing=%d completed=%d failed=%d cancelled=%d\n",
		stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Cancelled)
	if opts.dryRun {
		return nil
	}

	if opts.staleLockTimeout > 0 {
		res, err := queue.ReleaseStaleLocks(dbc, opts.staleLockTimeout)
		if err != nil {
			return fmt.Errorf("release stale locks: %w", err)
		}
		fmt.Fprintf(out, "stale locks: requeued=%d failed=%d\n", res.Requeued, res.Failed)
	}

	if opts.olderThanHours >= 0 {
		n, err := queue.CleanupOldJobs(dbc, opts.olderThanHours)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		fmt.Fprintf(out, "deleted %d terminal jobs older than %dh\n", n, opts.olderThanHours)
	}

	failed := 0
	for _, id := range opts.teams {
		team, changed, err := reconcile(dbc, id)
		if err != nil {
			fmt.Fprintf(out, "reconcile team %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "team %s: changed=%v version=%d members=%d\n", id, changed, team.Version, len(team.MemberIDs))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d team reconciles failed", failed, len(opts.teams))
	}
	return nil
}
