package relations

import "time"

// Link is an unversioned junction row. (OwnerID, MemberID) is unique; rows are
// created and deleted only by the membership aggregate.
type Link struct {
	OwnerID   string    `gorm:"column:owner_id;primaryKey" json:"owner_id"`
	MemberID  string    `gorm:"column:member_id;primaryKey;index" json:"member_id"`
	IsPrimary bool      `gorm:"column:is_primary;not null" json:"is_primary"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

// MemberCount is one row of a grouped link count.
type MemberCount struct {
	MemberID string `gorm:"column:member_id"`
	Count    int64  `gorm:"column:count"`
}
