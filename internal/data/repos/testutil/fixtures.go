package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	types "github.com/yungbote/pgcoord/internal/domain"
	"github.com/yungbote/pgcoord/internal/domain/teams"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SeedTeam inserts a team at version 1 with an empty member mirror.
func SeedTeam(tb testing.TB, ctx context.Context, tx *gorm.DB, name string) *types.Team {
	tb.Helper()
	now := time.Now().UTC()
	team := &types.Team{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   1,
		MemberIDs: datatypes.JSONSlice[string]{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(team).Error; err != nil {
		tb.Fatalf("seed team: %v", err)
	}
	return team
}

// LinkCount counts link rows, optionally for one owner.
func LinkCount(tb testing.TB, tx *gorm.DB, ownerID string) int64 {
	tb.Helper()
	q := tx.Table(teams.MemberLinkTable)
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		tb.Fatalf("count links: %v", err)
	}
	return n
}

// InsertLinks writes link rows directly, bypassing limits and the mirror.
func InsertLinks(tb testing.TB, tx *gorm.DB, ownerID string, memberIDs ...string) {
	tb.Helper()
	for _, id := range memberIDs {
		link := types.Link{OwnerID: ownerID, MemberID: id, CreatedAt: time.Now().UTC()}
		if err := tx.Table(teams.MemberLinkTable).Create(&link).Error; err != nil {
			tb.Fatalf("insert link: %v", err)
		}
	}
}
