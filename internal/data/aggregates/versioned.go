package aggregates

import (
	"errors"
	"reflect"
	"strings"

	"github.com/google/uuid"
	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"gorm.io/gorm"
)

// UpdateWithVersion is the typed form of CASGuard.UpdateWithVersion. It returns
// the row as it stands after the write.
func UpdateWithVersion[T any](dbc dbctx.Context, guard CASGuard, id string, fields map[string]any, expectedVersion *int) (*T, error) {
	out := new(T)
	if err := guard.UpdateWithVersion(dbc, out, id, fields, expectedVersion); err != nil {
		return nil, err
	}
	return out, nil
}

// VersionedStore creates, reads and optimistically updates one versioned model.
type VersionedStore[T any] struct {
	deps BaseDeps
	name string
}

func NewVersionedStore[T any](deps BaseDeps, name string) *VersionedStore[T] {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "versioned"
	}
	return &VersionedStore[T]{deps: deps.withDefaults(), name: name}
}

// Create inserts entity at version 1, assigning a uuid when the id is empty.
func (s *VersionedStore[T]) Create(dbc dbctx.Context, entity *T) error {
	op := s.name + ".create"
	if entity == nil {
		return domainagg.NewValidation(op, "entity is required")
	}
	return executeWrite(dbc, s.deps, op, func(dbc dbctx.Context) error {
		db := dbc.DB(s.deps.DB)
		sch, err := parseModel(db, entity)
		if err != nil {
			return err
		}
		rv := reflect.ValueOf(entity).Elem()
		if f := sch.LookUpField("id"); f != nil {
			if _, zero := f.ValueOf(dbc.Ctx, rv); zero {
				if err := f.Set(dbc.Ctx, rv, uuid.NewString()); err != nil {
					return err
				}
			}
		}
		f := sch.LookUpField("version")
		if f == nil {
			return domainagg.NewValidation(op, sch.Table+" has no version column")
		}
		if err := f.Set(dbc.Ctx, rv, 1); err != nil {
			return err
		}
		return db.Create(entity).Error
	})
}

func (s *VersionedStore[T]) Get(dbc dbctx.Context, id string) (*T, error) {
	op := s.name + ".get"
	out := new(T)
	err := dbc.DB(s.deps.DB).Where("id = ?", strings.TrimSpace(id)).Take(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domainagg.NewNotFound(op, s.name, id)
	}
	if err != nil {
		return nil, MapError(op, err)
	}
	return out, nil
}

// Update applies fields under the optimistic version check. See CASGuard.UpdateWithVersion.
func (s *VersionedStore[T]) Update(dbc dbctx.Context, id string, fields map[string]any, expectedVersion *int) (*T, error) {
	var out *T
	err := executeWrite(dbc, s.deps, s.name+".update", func(dbc dbctx.Context) error {
		var err error
		out, err = UpdateWithVersion[T](dbc, s.deps.CASGuard, id, fields, expectedVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
