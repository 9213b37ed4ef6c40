package aggregates_test

import (
	"context"
	"sync"
	"testing"

	"github.com/yungbote/pgcoord/internal/data/aggregates"
	aggtestutil "github.com/yungbote/pgcoord/internal/data/aggregates/testutil"
	"github.com/yungbote/pgcoord/internal/data/repos/testutil"
	types "github.com/yungbote/pgcoord/internal/domain"
	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
)

func intPtr(v int) *int { return &v }

func TestUpdateWithVersionBumpsVersion(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	guard := aggregates.NewCASGuard(db)
	dbc := dbctx.Background(ctx)

	got, err := aggregates.UpdateWithVersion[types.Team](dbc, guard, team.ID, map[string]any{
		"name":    "beta",
		"version": 99,
		"id":      "other",
	}, intPtr(1))
	if err != nil {
		t.Fatalf("UpdateWithVersion: %v", err)
	}
	if got.Version != 2 || got.Name != "beta" || got.ID != team.ID {
		t.Fatalf("updated team: want version=2 name=beta got=%+v", got)
	}
	if !got.UpdatedAt.After(team.UpdatedAt) && !got.UpdatedAt.Equal(team.UpdatedAt) {
		t.Fatalf("updated_at went backwards")
	}

	got, err = aggregates.UpdateWithVersion[types.Team](dbc, guard, team.ID, map[string]any{"name": "gamma"}, nil)
	if err != nil {
		t.Fatalf("unconditional update: %v", err)
	}
	if got.Version != 3 {
		t.Fatalf("unconditional version: want=3 got=%d", got.Version)
	}
}

func TestUpdateWithVersionConflictAndNotFound(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	guard := aggregates.NewCASGuard(db)
	dbc := dbctx.Background(ctx)

	if _, err := aggregates.UpdateWithVersion[types.Team](dbc, guard, team.ID, map[string]any{"name": "b"}, intPtr(1)); err != nil {
		t.Fatalf("first update: %v", err)
	}
	_, err := aggregates.UpdateWithVersion[types.Team](dbc, guard, team.ID, map[string]any{"name": "c"}, intPtr(1))
	vc, ok := domainagg.AsVersionConflict(err)
	if !ok {
		t.Fatalf("want version conflict, got %v", err)
	}
	if vc.Expected != 1 || vc.Actual != 2 || vc.ID != team.ID {
		t.Fatalf("conflict: want expected=1 actual=2 got=%+v", vc)
	}
	if !domainagg.IsConflict(err) {
		t.Fatalf("conflict code missing: %v", err)
	}

	for _, expected := range []*int{intPtr(1), intPtr(7), nil} {
		_, err := aggregates.UpdateWithVersion[types.Team](dbc, guard, "missing", map[string]any{"name": "x"}, expected)
		if !domainagg.IsNotFound(err) {
			t.Fatalf("missing id: want not_found got %v", err)
		}
		if domainagg.IsVersionConflict(err) {
			t.Fatalf("missing id must never be a version conflict")
		}
	}

	if _, err := aggregates.UpdateWithVersion[types.Team](dbc, guard, team.ID, nil, intPtr(0)); !domainagg.IsValidation(err) {
		t.Fatalf("expected version 0: want validation got %v", err)
	}
}

func TestUpdateWithVersionSingleWinner(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	team := testutil.SeedTeam(t, ctx, db, "alpha")
	store := aggregates.NewVersionedStore[types.Team](aggregates.BaseDeps{DB: db}, "team")

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts []*domainagg.VersionConflictError
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(dbctx.Background(ctx), team.ID, map[string]any{"name": "n"}, intPtr(1))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if vc, ok := domainagg.AsVersionConflict(err); ok {
				conflicts = append(conflicts, vc)
				return
			}
			t.Errorf("caller %d: unexpected error %v", i, err)
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners: want=1 got=%d", wins)
	}
	if len(conflicts) != callers-1 {
		t.Fatalf("conflicts: want=%d got=%d", callers-1, len(conflicts))
	}
	for _, vc := range conflicts {
		if vc.Actual != 2 {
			t.Fatalf("conflict actual: want=2 got=%d", vc.Actual)
		}
	}
}

func TestVersionedStoreCreateGetUpdate(t *testing.T) {
	db := testutil.DB(t)
	hooks := &aggtestutil.HooksRecorder{}
	store := aggregates.NewVersionedStore[types.Team](aggregates.BaseDeps{DB: db, Hooks: hooks}, "team")
	dbc := dbctx.Background(context.Background())

	team := &types.Team{Name: "alpha", Version: 42}
	if err := store.Create(dbc, team); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if team.ID == "" || team.Version != 1 {
		t.Fatalf("created team: want id set and version=1 got=%+v", team)
	}
	got, err := store.Get(dbc, team.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "alpha" || got.Version != 1 {
		t.Fatalf("Get: got=%+v", got)
	}
	if _, err := store.Get(dbc, "missing"); !domainagg.IsNotFound(err) {
		t.Fatalf("Get missing: want not_found got %v", err)
	}

	if _, err := store.Update(dbc, team.ID, map[string]any{"name": "beta"}, intPtr(1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := store.Update(dbc, team.ID, map[string]any{"name": "gamma"}, intPtr(1)); !domainagg.IsVersionConflict(err) {
		t.Fatalf("stale Update: want version conflict got %v", err)
	}
	statuses := hooks.Statuses("team.update")
	if len(statuses) != 2 || statuses[0] != "success" || statuses[1] != string(domainagg.CodeConflict) {
		t.Fatalf("hook statuses: got=%v", statuses)
	}
	if hooks.ConflictCount("team.update") != 1 {
		t.Fatalf("conflict count: want=1 got=%d", hooks.ConflictCount("team.update"))
	}
}
