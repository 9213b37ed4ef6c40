package testutil

import (
	"context"
	"sync"

	"github.com/yungbote/pgcoord/internal/data/aggregates"
	"github.com/yungbote/pgcoord/internal/platform/dbctx"
	"gorm.io/gorm"
)

// InjectedTxRunner is a TxRunner with failure injection. When DB is set the body
// runs in a real transaction that is rolled back on any injected or body failure,
// so tests can assert that a failed write left no rows behind.
type InjectedTxRunner struct {
	mu sync.Mutex

	DB *gorm.DB

	FailBegin      error
	FailBeforeBody error
	FailCommit     error

	BeginCalls    int
	CommitCalls   int
	RollbackCalls int
}

var _ aggregates.TxRunner = (*InjectedTxRunner)(nil)

func (r *InjectedTxRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	r.mu.Lock()
	r.BeginCalls++
	failBegin, failBeforeBody, failCommit := r.FailBegin, r.FailBeforeBody, r.FailCommit
	r.mu.Unlock()

	if failBegin != nil {
		return failBegin
	}

	var tx *gorm.DB
	if r.DB != nil {
		tx = r.DB.WithContext(ctx).Begin()
		if tx.Error != nil {
			return tx.Error
		}
	}
	rollback := func(err error) error {
		if tx != nil {
			tx.Rollback()
		}
		r.count(&r.RollbackCalls)
		return err
	}

	if failBeforeBody != nil {
		return rollback(failBeforeBody)
	}
	if fn != nil {
		if err := fn(dbctx.Context{Ctx: ctx, Tx: tx}); err != nil {
			return rollback(err)
		}
	}
	if failCommit != nil {
		return rollback(failCommit)
	}
	if tx != nil {
		if err := tx.Commit().Error; err != nil {
			return rollback(err)
		}
	}
	r.count(&r.CommitCalls)
	return nil
}

func (r *InjectedTxRunner) count(n *int) {
	r.mu.Lock()
	*n++
	r.mu.Unlock()
}
