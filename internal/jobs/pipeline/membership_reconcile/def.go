package membership_reconcile

import (
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	"github.com/yungbote/pgcoord/internal/domain/teams"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"github.com/yungbote/pgcoord/internal/platform/logger"
)

type Reconciler interface {
	Reconcile(dbc dbctx.Context, ownerID string) (*teams.Team, bool, error)
}

type Pipeline struct {
	log   *logger.Logger
	teams Reconciler
}

func New(baseLog *logger.Logger, teams Reconciler) *Pipeline {
	return &Pipeline{
		log:   baseLog.With("job", string(domainjobs.JobTypeMembershipReconcile)),
		teams: teams,
	}
}

func (p *Pipeline) Type() domainjobs.JobType { return domainjobs.JobTypeMembershipReconcile }
