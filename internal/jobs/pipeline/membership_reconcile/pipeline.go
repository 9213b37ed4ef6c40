package membership_reconcile

import (
	"fmt"

	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	domainjobs "github.com/yungbote/pgcoord/internal/domain/jobs"
	jobrt "github.com/yungbote/pgcoord/internal/jobs/runtime"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

// Run rebuilds a team's member_ids from its link rows. A version conflict
// means someone else wrote the team meanwhile; the retry re-reads it.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	raw, err := jc.Payload()
	if err != nil {
		return jobrt.Permanent(err)
	}
	in, ok := raw.(domainjobs.MembershipReconcilePayload)
	if !ok {
		return jobrt.Permanent(fmt.Errorf("unexpected payload %T", raw))
	}

	team, changed, err := p.teams.Reconcile(dbctx.Background(jc.Ctx), in.TeamID)
	if err != nil {
		if domainagg.IsNotFound(err) || domainagg.IsValidation(err) {
			return jobrt.Permanent(err)
		}
		return err
	}
	if changed {
		p.log.Info("member mirror healed", "team_id", team.ID, "version", team.Version, "members", len(team.MemberIDs))
	}
	return jc.Succeed(map[string]any{
		"team_id": team.ID,
		"changed": changed,
		"version": team.Version,
		"members": len(team.MemberIDs),
	})
}
