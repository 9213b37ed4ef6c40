package aggregates

import (
	"errors"
	"fmt"
	"strings"

	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	"github.com/yungbote/pgcoord/internal/domain/relations"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MembershipConfig binds a Membership to one owner model and its link table.
type MembershipConfig struct {
	// Name prefixes operation names and error entities, e.g. "team".
	Name         string
	LinkTable    string
	MemberColumn string
	Limits       domainagg.MembershipLimits
	// EncodeMembers converts the member array to a column value. Defaults to a JSON array.
	EncodeMembers func(ids []string) any
}

func (c MembershipConfig) withDefaults() MembershipConfig {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "owner"
	}
	if strings.TrimSpace(c.MemberColumn) == "" {
		c.MemberColumn = "member_ids"
	}
	if c.EncodeMembers == nil {
		c.EncodeMembers = func(ids []string) any { return datatypes.JSONSlice[string](ids) }
	}
	return c
}

// Membership keeps link rows and the owner's member_ids mirror in step under
// per-owner and per-member limits. Every write locks the owner row, changes links,
// then rewrites the mirror through UpdateWithVersion in the same transaction.
type Membership[O domainagg.MemberOwner] struct {
	deps BaseDeps
	cfg  MembershipConfig
}

func NewMembership[O domainagg.MemberOwner](deps BaseDeps, cfg MembershipConfig) *Membership[O] {
	return &Membership[O]{deps: deps.withDefaults(), cfg: cfg.withDefaults()}
}

func (m *Membership[O]) Contract() domainagg.Contract {
	return domainagg.MembershipContract(m.cfg.Name + "_membership")
}

func (m *Membership[O]) Limits() domainagg.MembershipLimits { return m.cfg.Limits }

func (m *Membership[O]) op(name string) string { return m.cfg.Name + "." + name }

// AddMembers links new members and appends them to the mirror. Members already
// linked are skipped; when nothing changes the owner is returned as is.
func (m *Membership[O]) AddMembers(dbc dbctx.Context, in domainagg.AddMembersInput) (*O, error) {
	op := m.op("add_members")
	ownerID := strings.TrimSpace(in.OwnerID)
	if ownerID == "" {
		return nil, domainagg.NewValidation(op, "owner id is required")
	}
	candidates := normalizeIDs(in.MemberIDs)

	var out *O
	err := executeWrite(dbc, m.deps, op, func(dbc dbctx.Context) error {
		db := dbc.DB(m.deps.DB)
		owner, err := m.lockOwner(db, op, ownerID)
		if err != nil {
			return err
		}
		if err := RequireVersionMatch(op, *owner, m.cfg.Name, in.ExpectedVersion); err != nil {
			return err
		}
		linked, err := m.linkedMembers(db, ownerID)
		if err != nil {
			return err
		}
		added := difference(candidates, linked)
		if limit := m.cfg.Limits.MaxMembersPerOwner; limit > 0 && len(linked)+len(added) > limit {
			return domainagg.NewValidation(op, fmt.Sprintf("%s %s would have %d members (max %d)", m.cfg.Name, ownerID, len(linked)+len(added), limit))
		}
		if err := m.checkMemberCapacity(db, op, added); err != nil {
			return err
		}
		if err := m.insertLinks(db, ownerID, added); err != nil {
			return err
		}

		mirror := mergeMirror((*owner).GetMemberIDs(), append(linked, added...))
		if len(added) == 0 && equalIDs(mirror, (*owner).GetMemberIDs()) {
			out = owner
			return nil
		}
		out, err = m.writeMirror(dbc, ownerID, mirror, in.ExpectedVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RemoveMember unlinks one member. Removing a member that is not linked is a no-op.
func (m *Membership[O]) RemoveMember(dbc dbctx.Context, in domainagg.RemoveMemberInput) (*O, error) {
	op := m.op("remove_member")
	ownerID := strings.TrimSpace(in.OwnerID)
	memberID := strings.TrimSpace(in.MemberID)
	if ownerID == "" || memberID == "" {
		return nil, domainagg.NewValidation(op, "owner id and member id are required")
	}

	var out *O
	err := executeWrite(dbc, m.deps, op, func(dbc dbctx.Context) error {
		db := dbc.DB(m.deps.DB)
		owner, err := m.lockOwner(db, op, ownerID)
		if err != nil {
			return err
		}
		if err := RequireVersionMatch(op, *owner, m.cfg.Name, in.ExpectedVersion); err != nil {
			return err
		}
		res := db.Table(m.cfg.LinkTable).
			Where("owner_id = ? AND member_id = ?", ownerID, memberID).
			Delete(&relations.Link{})
		if res.Error != nil {
			return res.Error
		}
		linked, err := m.linkedMembers(db, ownerID)
		if err != nil {
			return err
		}
		mirror := mergeMirror((*owner).GetMemberIDs(), linked)
		if res.RowsAffected == 0 && equalIDs(mirror, (*owner).GetMemberIDs()) {
			out = owner
			return nil
		}
		out, err = m.writeMirror(dbc, ownerID, mirror, in.ExpectedVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceMembers makes the owner's members exactly MemberIDs. The per-owner limit
// applies to the target set, the per-member limit only to additions.
func (m *Membership[O]) ReplaceMembers(dbc dbctx.Context, in domainagg.ReplaceMembersInput) (*O, error) {
	op := m.op("replace_members")
	ownerID := strings.TrimSpace(in.OwnerID)
	if ownerID == "" {
		return nil, domainagg.NewValidation(op, "owner id is required")
	}
	target := normalizeIDs(in.MemberIDs)
	if limit := m.cfg.Limits.MaxMembersPerOwner; limit > 0 && len(target) > limit {
		return nil, domainagg.NewValidation(op, fmt.Sprintf("%s %s would have %d members (max %d)", m.cfg.Name, ownerID, len(target), limit))
	}

	var out *O
	err := executeWrite(dbc, m.deps, op, func(dbc dbctx.Context) error {
		db := dbc.DB(m.deps.DB)
		owner, err := m.lockOwner(db, op, ownerID)
		if err != nil {
			return err
		}
		if err := RequireVersionMatch(op, *owner, m.cfg.Name, in.ExpectedVersion); err != nil {
			return err
		}
		linked, err := m.linkedMembers(db, ownerID)
		if err != nil {
			return err
		}
		removed := difference(linked, target)
		added := difference(target, linked)
		if err := m.checkMemberCapacity(db, op, added); err != nil {
			return err
		}
		if len(removed) > 0 {
			err := db.Table(m.cfg.LinkTable).
				Where("owner_id = ? AND member_id IN ?", ownerID, removed).
				Delete(&relations.Link{}).Error
			if err != nil {
				return err
			}
		}
		if err := m.insertLinks(db, ownerID, added); err != nil {
			return err
		}
		if len(removed) == 0 && len(added) == 0 && equalIDs(target, (*owner).GetMemberIDs()) {
			out = owner
			return nil
		}
		out, err = m.writeMirror(dbc, ownerID, target, in.ExpectedVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reconcile rewrites the mirror from the link rows, keeping the mirror's order for
// members still linked. It bumps the version only when the mirror was out of step.
func (m *Membership[O]) Reconcile(dbc dbctx.Context, ownerID string) (*O, bool, error) {
	op := m.op("reconcile")
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, false, domainagg.NewValidation(op, "owner id is required")
	}

	var (
		out     *O
		changed bool
	)
	err := executeWrite(dbc, m.deps, op, func(dbc dbctx.Context) error {
		db := dbc.DB(m.deps.DB)
		owner, err := m.lockOwner(db, op, ownerID)
		if err != nil {
			return err
		}
		linked, err := m.linkedMembers(db, ownerID)
		if err != nil {
			return err
		}
		mirror := mergeMirror((*owner).GetMemberIDs(), linked)
		if equalIDs(mirror, (*owner).GetMemberIDs()) {
			out = owner
			return nil
		}
		version := (*owner).GetVersion()
		out, err = m.writeMirror(dbc, ownerID, mirror, &version)
		changed = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// SetPrimary flags one link of a member as primary and clears the flag on the others.
func (m *Membership[O]) SetPrimary(dbc dbctx.Context, in domainagg.SetPrimaryInput) error {
	op := m.op("set_primary")
	ownerID := strings.TrimSpace(in.OwnerID)
	memberID := strings.TrimSpace(in.MemberID)
	if ownerID == "" || memberID == "" {
		return domainagg.NewValidation(op, "owner id and member id are required")
	}
	return executeWrite(dbc, m.deps, op, func(dbc dbctx.Context) error {
		db := dbc.DB(m.deps.DB)
		res := db.Table(m.cfg.LinkTable).
			Where("owner_id = ? AND member_id = ?", ownerID, memberID).
			Update("is_primary", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domainagg.NewNotFound(op, m.cfg.Name+" membership", ownerID+"/"+memberID)
		}
		return db.Table(m.cfg.LinkTable).
			Where("member_id = ? AND owner_id <> ?", memberID, ownerID).
			Update("is_primary", false).Error
	})
}

// Members lists the owner's link rows, oldest first.
func (m *Membership[O]) Members(dbc dbctx.Context, ownerID string) ([]relations.Link, error) {
	var out []relations.Link
	err := dbc.DB(m.deps.DB).Table(m.cfg.LinkTable).
		Where("owner_id = ?", strings.TrimSpace(ownerID)).
		Order("created_at ASC, member_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, MapError(m.op("members"), err)
	}
	return out, nil
}

// Owners lists the member's link rows, oldest first.
func (m *Membership[O]) Owners(dbc dbctx.Context, memberID string) ([]relations.Link, error) {
	var out []relations.Link
	err := dbc.DB(m.deps.DB).Table(m.cfg.LinkTable).
		Where("member_id = ?", strings.TrimSpace(memberID)).
		Order("created_at ASC, owner_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, MapError(m.op("owners"), err)
	}
	return out, nil
}

func (m *Membership[O]) lockOwner(db *gorm.DB, op, ownerID string) (*O, error) {
	var owner O
	err := ForUpdate(db).Where("id = ?", ownerID).Take(&owner).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domainagg.NewNotFound(op, m.cfg.Name, ownerID)
	}
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

func (m *Membership[O]) linkedMembers(db *gorm.DB, ownerID string) ([]string, error) {
	var ids []string
	err := db.Table(m.cfg.LinkTable).
		Where("owner_id = ?", ownerID).
		Order("created_at ASC, member_id ASC").
		Pluck("member_id", &ids).Error
	return ids, err
}

// checkMemberCapacity rejects the first candidate already at MaxOwnersPerMember,
// using one grouped count for all candidates.
func (m *Membership[O]) checkMemberCapacity(db *gorm.DB, op string, candidates []string) error {
	limit := m.cfg.Limits.MaxOwnersPerMember
	if limit <= 0 || len(candidates) == 0 {
		return nil
	}
	var rows []relations.MemberCount
	err := db.Table(m.cfg.LinkTable).
		Select("member_id, COUNT(*) AS count").
		Where("member_id IN ?", candidates).
		Group("member_id").
		Scan(&rows).Error
	if err != nil {
		return err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.MemberID] = r.Count
	}
	for _, id := range candidates {
		if n := counts[id]; n >= int64(limit) {
			return domainagg.NewValidation(op, fmt.Sprintf("member %s already belongs to %d %s (max %d)", id, n, m.cfg.Name+"s", limit))
		}
	}
	return nil
}

func (m *Membership[O]) insertLinks(db *gorm.DB, ownerID string, memberIDs []string) error {
	if len(memberIDs) == 0 {
		return nil
	}
	now := m.deps.Now()
	links := make([]relations.Link, 0, len(memberIDs))
	for _, id := range memberIDs {
		links = append(links, relations.Link{OwnerID: ownerID, MemberID: id, CreatedAt: now})
	}
	return db.Table(m.cfg.LinkTable).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&links).Error
}

func (m *Membership[O]) writeMirror(dbc dbctx.Context, ownerID string, mirror []string, expected *int) (*O, error) {
	return UpdateWithVersion[O](dbc, m.deps.CASGuard, ownerID, map[string]any{
		m.cfg.MemberColumn: m.cfg.EncodeMembers(mirror),
	}, expected)
}

// normalizeIDs trims, drops blanks and de-duplicates, keeping first occurrence order.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// difference returns the ids in a that are not in b, in a's order.
func difference(a, b []string) []string {
	skip := make(map[string]struct{}, len(b))
	for _, id := range b {
		skip[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// mergeMirror keeps the current mirror entries that are still linked, then appends
// linked ids the mirror is missing.
func mergeMirror(current, linked []string) []string {
	isLinked := make(map[string]struct{}, len(linked))
	for _, id := range linked {
		isLinked[id] = struct{}{}
	}
	out := make([]string, 0, len(linked))
	seen := make(map[string]struct{}, len(linked))
	for _, id := range current {
		if _, ok := isLinked[id]; !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range linked {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
