package runtime

import (
	"errors"

	domainagg "github.com/yungbote/pgcoord/internal/domain/aggregates"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying: the job fails on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// isSuperseded reports a settlement rejected because the job left processing
// (cancelled, or reclaimed by another worker) while the handler ran.
func isSuperseded(err error) bool {
	return domainagg.IsCode(err, domainagg.CodePreconditionFailed) ||
		domainagg.IsCode(err, domainagg.CodeConflict)
}
