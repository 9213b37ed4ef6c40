package stale_lock_sweep

import (
	repojobs "github.com/yungbote/pgcoord/internal/data/repos/jobs"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

type Pipeline struct {
	log   *logger.Logger
	queue repojobs.JobQueue
}

func New(baseLog *logger.Logger, queue repojobs.JobQueue) *Pipeline {
	return &Pipeline{
		log:   baseLog.With("job", string(domainjobs.JobTypeStaleLockSweep)),
		queue: queue,
	}
}

func (p *Pipeline) Type() domainjobs.JobType { return domainjobs.JobTypeStaleLockSweep }
