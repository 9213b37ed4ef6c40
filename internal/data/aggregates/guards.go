package aggregates

import (
	"errors"
	"reflect"
	"strings"
	"time"

	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// CASGuard provides optimistic/concurrency guard helpers for aggregate writes.
type CASGuard struct {
	db  *gorm.DB
	now func() time.Time
}

func NewCASGuard(db *gorm.DB) CASGuard {
	return CASGuard{db: db, now: utcNow}
}

// WithClock returns a copy of the guard stamping updated_at from now.
func (g CASGuard) WithClock(now func() time.Time) CASGuard {
	if now != nil {
		g.now = now
	}
	return g
}

func utcNow() time.Time { return time.Now().UTC() }

func (g CASGuard) clock() time.Time {
	if g.now == nil {
		return utcNow()
	}
	return g.now()
}

func (g CASGuard) baseDB(dbc dbctx.Context) (*gorm.DB, error) {
	if db := dbc.DB(g.db); db != nil {
		return db, nil
	}
	return nil, ValidationError("missing db transaction context")
}

// SupportsRowLocks reports whether the dialect honours FOR UPDATE / SKIP LOCKED.
func SupportsRowLocks(db *gorm.DB) bool {
	if db == nil || db.Dialector == nil {
		return false
	}
	return db.Dialector.Name() == "postgres"
}

// ForUpdate locks the selected rows on dialects that support it.
func ForUpdate(db *gorm.DB) *gorm.DB {
	if SupportsRowLocks(db) {
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

// UpdateAndLoad applies updates to the rows scope selects and loads the row with
// id into dest. Postgres does it in one statement with RETURNING; other dialects
// update, then read the row back in the same session.
func UpdateAndLoad(db *gorm.DB, dest any, id string, scope func(*gorm.DB) *gorm.DB, updates map[string]any) (int64, error) {
	if SupportsRowLocks(db) {
		res := scope(db.Model(dest).Clauses(clause.Returning{})).Updates(updates)
		return res.RowsAffected, res.Error
	}
	res := scope(db.Model(dest)).Updates(updates)
	if res.Error != nil || res.RowsAffected == 0 {
		return res.RowsAffected, res.Error
	}
	rv := reflect.ValueOf(dest).Elem()
	rv.Set(reflect.Zero(rv.Type()))
	return res.RowsAffected, db.Session(&gorm.Session{NewDB: true}).Where("id = ?", id).Take(dest).Error
}

func parseModel(db *gorm.DB, model any) (*schema.Schema, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return nil, err
	}
	return stmt.Schema, nil
}

// UpdateWithVersion applies fields to the row id in one conditional statement and
// scans the post-update row into dest (a pointer to a versioned model).
//
// With expectedVersion set the predicate is id AND version and the new version is
// expectedVersion+1; a miss is re-read to tell NotFound from VersionConflict.
// Without it the version is bumped server-side and a miss is NotFound.
func (g CASGuard) UpdateWithVersion(dbc dbctx.Context, dest any, id string, fields map[string]any, expectedVersion *int) error {
	const op = "aggregate.update_with_version"
	db, err := g.baseDB(dbc)
	if err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domainagg.NewValidation(op, "id is required")
	}
	if expectedVersion != nil && *expectedVersion < 1 {
		return domainagg.NewValidation(op, "expected version must be >= 1")
	}
	sch, err := parseModel(db, dest)
	if err != nil {
		return err
	}
	if sch.LookUpField("version") == nil {
		return domainagg.NewValidation(op, sch.Table+" has no version column")
	}

	updates := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "id", "version":
			continue
		}
		updates[k] = v
	}
	if sch.LookUpField("updated_at") != nil {
		updates["updated_at"] = g.clock()
	}

	scope := func(q *gorm.DB) *gorm.DB { return q.Where("id = ?", id) }
	if expectedVersion != nil {
		updates["version"] = *expectedVersion + 1
		scope = func(q *gorm.DB) *gorm.DB { return q.Where("id = ? AND version = ?", id, *expectedVersion) }
	} else {
		updates["version"] = gorm.Expr("version + 1")
	}
	n, err := UpdateAndLoad(db, dest, id, scope, updates)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if expectedVersion == nil {
		return domainagg.NewNotFound(op, sch.Table, id)
	}

	var current struct{ Version int }
	err = db.Table(sch.Table).Select("version").Where("id = ?", id).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainagg.NewNotFound(op, sch.Table, id)
	}
	if err != nil {
		return err
	}
	return domainagg.NewVersionConflict(op, sch.Table, id, *expectedVersion, current.Version)
}

// UpdateByStatus updates a row only when id+status guard matches, scanning the
// updated row into dest.
func (g CASGuard) UpdateByStatus(dbc dbctx.Context, dest any, id string, allowedStatuses []string, updates map[string]any) (bool, error) {
	db, err := g.baseDB(dbc)
	if err != nil {
		return false, err
	}
	id = strings.TrimSpace(id)
	if dest == nil || id == "" {
		return false, ValidationError("model and id are required for UpdateByStatus")
	}
	if len(allowedStatuses) == 0 {
		return false, ValidationError("allowedStatuses must not be empty")
	}
	n, err := UpdateAndLoad(db, dest, id, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND status IN ?", id, allowedStatuses)
	}, updates)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequireCASSuccess converts a failed compare-and-set into a typed conflict error.
func RequireCASSuccess(ok bool, message string) error {
	if ok {
		return nil
	}
	return ConflictError(strings.TrimSpace(message))
}

// RequireStatusAllowed validates current status against allowed values.
func RequireStatusAllowed(current string, allowed ...string) error {
	current = strings.TrimSpace(current)
	if len(allowed) == 0 {
		return ValidationError("allowed statuses cannot be empty")
	}
	for _, s := range allowed {
		if strings.EqualFold(current, strings.TrimSpace(s)) {
			return nil
		}
	}
	return domainagg.NewError(domainagg.CodePreconditionFailed, "aggregate.status", "status "+current+" does not allow this transition", nil)
}

// RequireVersionMatch checks a loaded entity against the caller's expected version.
// A nil expectation always passes.
func RequireVersionMatch(op string, entity domainagg.VersionedEntity, kind string, expected *int) error {
	if expected == nil {
		return nil
	}
	if *expected < 1 {
		return domainagg.NewValidation(op, "expected version must be >= 1")
	}
	if entity.GetVersion() != *expected {
		return domainagg.NewVersionConflict(op, kind, entity.GetID(), *expected, entity.GetVersion())
	}
	return nil
}
