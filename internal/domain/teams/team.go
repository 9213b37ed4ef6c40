package teams

import (
	"time"

	"gorm.io/datatypes"
)

// MemberLinkTable holds one relations.Link row per (team, member).
const MemberLinkTable = "team_member"

// Team is a versioned owner aggregate. MemberIDs mirrors the team_member rows.
type Team struct {
	ID        string                      `gorm:"column:id;primaryKey" json:"id"`
	Name      string                      `gorm:"column:name;not null" json:"name"`
	Version   int                         `gorm:"column:version;not null" json:"version"`
	MemberIDs datatypes.JSONSlice[string] `gorm:"column:member_ids" json:"member_ids"`
	CreatedAt time.Time                   `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt time.Time                   `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Team) TableName() string { return "team" }

func (t Team) GetID() string          { return t.ID }
func (t Team) GetVersion() int        { return t.Version }
func (t Team) GetMemberIDs() []string { return []string(t.MemberIDs) }
