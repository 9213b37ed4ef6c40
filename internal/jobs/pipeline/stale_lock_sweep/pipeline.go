package stale_lock_sweep

import (
	"fmt"
	"time"

	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

// Run releases processing jobs whose lock is older than the payload's cutoff.
// The sweep's own lock is always fresh, so it never releases itself.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	raw, err := jc.Payload()
	if err != nil {
		return jobrt.Permanent(err)
	}
	in, ok := raw.(domainjobs.StaleLockSweepPayload)
	if !ok {
		return jobrt.Permanent(fmt.Errorf("unexpected payload %T", raw))
	}

	res, err := p.queue.ReleaseStaleLocks(dbctx.Background(jc.Ctx), time.Duration(in.OlderThanSeconds)*time.Second)
	if err != nil {
		return err
	}
	if res.Requeued > 0 || res.Failed > 0 {
		p.log.Warn("stale job locks released", "requeued", res.Requeued, "failed", res.Failed)
	}
	return jc.Succeed(res)
}
