package aggregates_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/yungbote/pgcoord/internal/data/aggregates"
	aggtestutil "github.com/yungbote/pgcoord/internal/data/aggregates/testutil"
	"github.com/yungbote/pgcoord/internal/data/repos/testutil"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	"github.com/yungbote/pgcoord/internal/domain/teams"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"gorm.io/gorm"
)

func newMembership(db *gorm.DB, limits domainagg.MembershipLimits, deps aggregates.BaseDeps) *aggregates.Membership[types.Team] {
	deps.DB = db
	return aggregates.NewMembership[types.Team](deps, aggregates.MembershipConfig{
		Name:      "team",
		LinkTable: teams.MemberLinkTable,
		Limits:    limits,
	})
}

func memberIDs(team *types.Team) string {
	return fmt.Sprint([]string(team.MemberIDs))
}

func TestAddMembersIsIdempotent(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{})

	first, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1", " u1 ", ""}})
	if err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if memberIDs(first) != "[u1]" || first.Version != 2 {
		t.Fatalf("first add: members=%s version=%d", memberIDs(first), first.Version)
	}
	second, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1"}})
	if err != nil {
		t.Fatalf("AddMembers again: %v", err)
	}
	if memberIDs(second) != "[u1]" {
		t.Fatalf("second add: members=%s", memberIDs(second))
	}
	if second.Version != 2 {
		t.Fatalf("no-op add must not bump version: got=%d", second.Version)
	}
	if n := testutil.LinkCount(t, db, team.ID); n != 1 {
		t.Fatalf("links: want=1 got=%d", n)
	}
}

func TestAddMembersPreservesOrder(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{})

	if _, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"c", "a"}}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	got, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"a", "b", "c", "b"}, ExpectedVersion: intPtr(2)})
	if err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if memberIDs(got) != "[c a b]" || got.Version != 3 {
		t.Fatalf("members: want=[c a b] v3 got=%s v%d", memberIDs(got), got.Version)
	}
}

func TestAddMembersOwnerLimitWritesNothing(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	m := newMembership(db, domainagg.MembershipLimits{MaxMembersPerOwner: 3}, aggregates.BaseDeps{})

	_, err := m.AddMembers(dbctx.Background(ctx), domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"a", "b", "c", "d"}})
	if !domainagg.IsValidation(err) {
		t.Fatalf("want validation, got %v", err)
	}
	if n := testutil.LinkCount(t, db, team.ID); n != 0 {
		t.Fatalf("links: want=0 got=%d", n)
	}
}

func TestAddMembersMemberLimit(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	m := newMembership(db, domainagg.MembershipLimits{MaxOwnersPerMember: 10}, aggregates.BaseDeps{})

	for i := 0; i < 10; i++ {
		team := testutil.SeedTeam(t, ctx, db, fmt.Sprintf("team-%d", i))
		if _, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"shared"}}); err != nil {
			t.Fatalf("AddMembers %d: %v", i, err)
		}
	}
	eleventh := testutil.SeedTeam(t, ctx, db, "team-10")
	_, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: eleventh.ID, MemberIDs: []string{"fresh", "shared"}})
	if !domainagg.IsValidation(err) {
		t.Fatalf("11th owner: want validation got %v", err)
	}
	if n := testutil.LinkCount(t, db, eleventh.ID); n != 0 {
		t.Fatalf("rejected add must write nothing: links=%d", n)
	}
	owners, err := m.Owners(dbc, "shared")
	if err != nil {
		t.Fatalf("Owners: %v", err)
	}
	if len(owners) != 10 {
		t.Fatalf("owners: want=10 got=%d", len(owners))
	}
}

func TestAddMembersStaleVersionRollsBackLinks(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	hooks := &aggtestutil.HooksRecorder{}
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{Hooks: hooks})

	_, err := m.AddMembers(dbctx.Background(ctx), domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1"}, ExpectedVersion: intPtr(5)})
	vc, ok := domainagg.AsVersionConflict(err)
	if !ok {
		t.Fatalf("want version conflict, got %v", err)
	}
	if vc.Expected != 5 || vc.Actual != 1 {
		t.Fatalf("conflict: %+v", vc)
	}
	if n := testutil.LinkCount(t, db, team.ID); n != 0 {
		t.Fatalf("links after conflict: want=0 got=%d", n)
	}
	if hooks.ConflictCount("team.add_members") != 1 {
		t.Fatalf("conflict hook not recorded: %+v", hooks.Conflicts)
	}
}

func TestNoOpCallsStillCheckExpectedVersion(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{})

	if _, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1"}}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}

	cases := []struct {
		name string
		call func() error
	}{
		{"re-add", func() error {
			_, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1"}, ExpectedVersion: intPtr(1)})
			return err
		}},
		{"remove unlinked", func() error {
			_, err := m.RemoveMember(dbc, domainagg.RemoveMemberInput{OwnerID: team.ID, MemberID: "nobody", ExpectedVersion: intPtr(99)})
			return err
		}},
		{"replace same set", func() error {
			_, err := m.ReplaceMembers(dbc, domainagg.ReplaceMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1"}, ExpectedVersion: intPtr(99)})
			return err
		}},
	}
	for _, tc := range cases {
		vc, ok := domainagg.AsVersionConflict(tc.call())
		if !ok {
			t.Fatalf("%s: want version conflict", tc.name)
		}
		if vc.Actual != 2 {
			t.Fatalf("%s: actual: want=2 got=%d", tc.name, vc.Actual)
		}
	}

	got, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1"}, ExpectedVersion: intPtr(2)})
	if err != nil {
		t.Fatalf("no-op add at current version: %v", err)
	}
	if got.Version != 2 || memberIDs(got) != "[u1]" {
		t.Fatalf("no-op add: members=%s version=%d", memberIDs(got), got.Version)
	}
}

func TestAddMembersMissingOwner(t *testing.T) {
	db := testutil.DB(t)
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{})
	_, err := m.AddMembers(dbctx.Background(context.Background()), domainagg.AddMembersInput{OwnerID: "missing", MemberIDs: []string{"u1"}})
	if !domainagg.IsNotFound(err) {
		t.Fatalf("want not_found, got %v", err)
	}
}

func TestRemoveMember(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{})

	if _, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"a", "b"}}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	got, err := m.RemoveMember(dbc, domainagg.RemoveMemberInput{OwnerID: team.ID, MemberID: "a", ExpectedVersion: intPtr(2)})
	if err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if memberIDs(got) != "[b]" || got.Version != 3 {
		t.Fatalf("after remove: members=%s version=%d", memberIDs(got), got.Version)
	}

	again, err := m.RemoveMember(dbc, domainagg.RemoveMemberInput{OwnerID: team.ID, MemberID: "a"})
	if err != nil {
		t.Fatalf("removing a non-member must be a no-op: %v", err)
	}
	if again.Version != 3 {
		t.Fatalf("no-op remove bumped version to %d", again.Version)
	}
	if n := testutil.LinkCount(t, db, team.ID); n != 1 {
		t.Fatalf("links: want=1 got=%d", n)
	}
}

func TestReplaceMembers(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	other := testutil.SeedTeam(t, ctx, db, "beta")
	m := newMembership(db, domainagg.MembershipLimits{MaxMembersPerOwner: 3, MaxOwnersPerMember: 1}, aggregates.BaseDeps{})

	if _, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"a", "b"}}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	if _, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: other.ID, MemberIDs: []string{"taken"}}); err != nil {
		t.Fatalf("AddMembers other: %v", err)
	}

	if _, err := m.ReplaceMembers(dbc, domainagg.ReplaceMembersInput{OwnerID: team.ID, MemberIDs: []string{"a", "b", "c", "d"}}); !domainagg.IsValidation(err) {
		t.Fatalf("oversized target: want validation got %v", err)
	}
	if _, err := m.ReplaceMembers(dbc, domainagg.ReplaceMembersInput{OwnerID: team.ID, MemberIDs: []string{"taken"}}); !domainagg.IsValidation(err) {
		t.Fatalf("member at capacity: want validation got %v", err)
	}

	// "b" stays even though it is at its per-member limit: only additions are checked.
	got, err := m.ReplaceMembers(dbc, domainagg.ReplaceMembersInput{OwnerID: team.ID, MemberIDs: []string{"c", "b"}, ExpectedVersion: intPtr(2)})
	if err != nil {
		t.Fatalf("ReplaceMembers: %v", err)
	}
	if memberIDs(got) != "[c b]" || got.Version != 3 {
		t.Fatalf("after replace: members=%s version=%d", memberIDs(got), got.Version)
	}
	links, err := m.Members(dbc, team.ID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("links: want=2 got=%d", len(links))
	}

	same, err := m.ReplaceMembers(dbc, domainagg.ReplaceMembersInput{OwnerID: team.ID, MemberIDs: []string{"c", "b"}})
	if err != nil || same.Version != 3 {
		t.Fatalf("identical replace: version=%v err=%v", same, err)
	}
}

func TestReconcileHealsMirror(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{})

	if _, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"a"}}); err != nil {
		t.Fatalf("AddMembers: %v", err)
	}
	testutil.InsertLinks(t, db, team.ID, "orphan")

	got, changed, err := m.Reconcile(dbc, team.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !changed || memberIDs(got) != "[a orphan]" || got.Version != 3 {
		t.Fatalf("reconcile: changed=%v members=%s version=%d", changed, memberIDs(got), got.Version)
	}
	_, changed, err = m.Reconcile(dbc, team.ID)
	if err != nil || changed {
		t.Fatalf("second reconcile: changed=%v err=%v", changed, err)
	}
}

func TestSetPrimary(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	dbc := dbctx.Background(ctx)
	a := testutil.SeedTeam(t, ctx, db, "a")
	b := testutil.SeedTeam(t, ctx, db, "b")
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{})
	for _, team := range []*types.Team{a, b} {
		if _, err := m.AddMembers(dbc, domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1"}}); err != nil {
			t.Fatalf("AddMembers: %v", err)
		}
	}

	if err := m.SetPrimary(dbc, domainagg.SetPrimaryInput{MemberID: "u1", OwnerID: a.ID}); err != nil {
		t.Fatalf("SetPrimary a: %v", err)
	}
	if err := m.SetPrimary(dbc, domainagg.SetPrimaryInput{MemberID: "u1", OwnerID: b.ID}); err != nil {
		t.Fatalf("SetPrimary b: %v", err)
	}
	owners, err := m.Owners(dbc, "u1")
	if err != nil {
		t.Fatalf("Owners: %v", err)
	}
	primaries := 0
	for _, l := range owners {
		if l.IsPrimary {
			primaries++
			if l.OwnerID != b.ID {
				t.Fatalf("primary owner: want=%s got=%s", b.ID, l.OwnerID)
			}
		}
	}
	if primaries != 1 {
		t.Fatalf("primaries: want=1 got=%d", primaries)
	}
	if err := m.SetPrimary(dbc, domainagg.SetPrimaryInput{MemberID: "nobody", OwnerID: a.ID}); !domainagg.IsNotFound(err) {
		t.Fatalf("missing membership: want not_found got %v", err)
	}
}

func TestMembershipRollsBackOnCommitFailure(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	commitErr := errors.New("commit failed")
	runner := &aggtestutil.InjectedTxRunner{DB: db, FailCommit: commitErr}
	m := newMembership(db, domainagg.MembershipLimits{}, aggregates.BaseDeps{Runner: runner})

	_, err := m.AddMembers(dbctx.Background(ctx), domainagg.AddMembersInput{OwnerID: team.ID, MemberIDs: []string{"u1"}})
	if !errors.Is(err, commitErr) {
		t.Fatalf("want commit error, got %v", err)
	}
	if n := testutil.LinkCount(t, db, team.ID); n != 0 {
		t.Fatalf("links after rollback: want=0 got=%d", n)
	}
	if runner.RollbackCalls != 1 || runner.CommitCalls != 0 {
		t.Fatalf("runner counters: commit=%d rollback=%d", runner.CommitCalls, runner.RollbackCalls)
	}
}
