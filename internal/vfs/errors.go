package vfs

import (
	"errors"
	"fmt"

	"fedfs/internal/common"
)

// Control-flow signals. They are not failures: each is handled by the
// controller layer built to react to it and must never be logged as an error
// or wrapped on its way up.
var (
	// ErrNeedsWriteLock asks the lock layer to retry the operation with the
	// write lock.
	ErrNeedsWriteLock = errors.New("vfs: needs write lock")
	// ErrNeedsSync asks the sync layer to sync the file system and retry.
	ErrNeedsSync = errors.New("vfs: needs sync")
	// ErrNeedsLockRetry asks the outermost lock acquisition to release all
	// locks, back off and retry.
	ErrNeedsLockRetry = errors.New("vfs: needs lock retry")
)

// FalsePositiveError signals that a prospective archive file is not an
// archive file of the expected type after all, so the operation should be
// delegated to the parent file system. A persistent false positive is
// expected to recur until the next sync.
type FalsePositiveError struct {
	Cause      error
	Persistent bool
}

// NewFalsePositive wraps cause.
func NewFalsePositive(cause error, persistent bool) *FalsePositiveError {
	return &FalsePositiveError{Cause: cause, Persistent: persistent}
}

func (e *FalsePositiveError) Error() string {
	kind := "false positive archive file"
	if e.Persistent {
		kind = "persistent " + kind
	}
	if e.Cause == nil {
		return kind
	}
	return kind + ": " + e.Cause.Error()
}

func (e *FalsePositiveError) Unwrap() error { return e.Cause }

// AsFalsePositive returns the false positive signal in err's chain.
func AsFalsePositive(err error) (*FalsePositiveError, bool) {
	var fp *FalsePositiveError
	if errors.As(err, &fp) {
		return fp, true
	}
	return nil, false
}

// IsControlFlow reports whether err is one of the control-flow signals.
func IsControlFlow(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsFalsePositive(err); ok {
		return true
	}
	return errors.Is(err, ErrNeedsWriteLock) ||
		errors.Is(err, ErrNeedsSync) ||
		errors.Is(err, ErrNeedsLockRetry)
}

type suppressedError struct {
	err        error
	suppressed error
}

func (e *suppressedError) Error() string     { return e.err.Error() }
func (e *suppressedError) Unwrap() error     { return e.err }
func (e *suppressedError) Suppressed() error { return e.suppressed }

// Suppress returns primary annotated with secondary. The result reports and
// unwraps to primary only.
func Suppress(primary, secondary error) error {
	if primary == nil {
		return secondary
	}
	if secondary == nil {
		return primary
	}
	return &suppressedError{err: primary, suppressed: secondary}
}

// Suppressed returns the errors attached to err's chain with Suppress.
func Suppressed(err error) []error {
	var out []error
	for err != nil {
		if s, ok := err.(*suppressedError); ok {
			out = append(out, s.suppressed)
		}
		err = errors.Unwrap(err)
	}
	return out
}

// BusyError reports I/O resources which are still open. Local counts the
// resources of the syncing owner itself.
type BusyError struct {
	Local int
	Total int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%d open I/O resource(s), %d of them by other owners: %v", e.Total, e.Total-e.Local, common.ErrBusy)
}

func (e *BusyError) Unwrap() error { return common.ErrBusy }

// InputError marks a failure on the reading side of a copy.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return "input: " + e.Err.Error() }
func (e *InputError) Unwrap() error { return e.Err }

// IsInputError reports whether err failed on the reading side of a copy.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
