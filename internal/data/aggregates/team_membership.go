package aggregates

import (
	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	"github.com/yungbote/pgcoord/internal/domain/teams"
)

// TeamMembership is the relationship manager for teams and their members.
type TeamMembership = Membership[teams.Team]

func NewTeamMembership(deps BaseDeps, limits domainagg.MembershipLimits) *TeamMembership {
	return NewMembership[teams.Team](deps, MembershipConfig{
		Name:      "team",
		LinkTable: teams.MemberLinkTable,
		Limits:    limits,
	})
}
