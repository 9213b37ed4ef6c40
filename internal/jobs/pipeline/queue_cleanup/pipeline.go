package queue_cleanup

import (
	"fmt"

	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	raw, err := jc.Payload()
	if err != nil {
		return jobrt.Permanent(err)
	}
	in, ok := raw.(domainjobs.QueueCleanupPayload)
	if !ok {
		return jobrt.Permanent(fmt.Errorf("unexpected payload %T", raw))
	}

	deleted, err := p.queue.CleanupOldJobs(dbctx.Background(jc.Ctx), in.OlderThanHours)
	if err != nil {
		return err
	}
	p.log.Info("old jobs deleted", "deleted", deleted, "older_than_hours", in.OlderThanHours)
	return jc.Succeed(map[string]any{"deleted": deleted})
}
