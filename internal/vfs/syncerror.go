package vfs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// SyncIssue is one warning or failure recorded while syncing a file system.
type SyncIssue struct {
	MountPoint MountPoint
	Err        error
	Fatal      bool
}

func (i SyncIssue) Error() string {
	kind := "warning"
	if i.Fatal {
		kind = "failure"
	}
	return fmt.Sprintf("%s: %s: %v", i.MountPoint, kind, i.Err)
}

func (i SyncIssue) Unwrap() error { return i.Err }

// SyncError aggregates the issues of one or more file systems. A SyncError
// carrying warnings only is not fatal: the sync itself completed.
type SyncError struct {
	merr *multierror.Error
}

// NewSyncWarning returns a non-fatal sync error for one file system.
func NewSyncWarning(mp MountPoint, err error) *SyncError {
	var b SyncErrorBuilder
	b.Warn(mp, err)
	return b.build()
}

// NewSyncFailure returns a fatal sync error for one file system.
func NewSyncFailure(mp MountPoint, err error) *SyncError {
	var b SyncErrorBuilder
	b.Fail(mp, err)
	return b.build()
}

func (e *SyncError) Error() string { return e.merr.Error() }

// Unwrap exposes every issue to errors.Is and errors.As.
func (e *SyncError) Unwrap() []error { return e.merr.WrappedErrors() }

// Issues returns all recorded issues in order.
func (e *SyncError) Issues() []SyncIssue {
	issues := make([]SyncIssue, 0, len(e.merr.Errors))
	for _, err := range e.merr.Errors {
		issues = append(issues, err.(SyncIssue))
	}
	return issues
}

// Warnings returns the non-fatal issues.
func (e *SyncError) Warnings() []SyncIssue { return e.filter(false) }

// Failures returns the fatal issues.
func (e *SyncError) Failures() []SyncIssue { return e.filter(true) }

// IsFatal reports whether any issue is fatal.
func (e *SyncError) IsFatal() bool { return len(e.Failures()) > 0 }

func (e *SyncError) filter(fatal bool) []SyncIssue {
	var out []SyncIssue
	for _, i := range e.Issues() {
		if i.Fatal == fatal {
			out = append(out, i)
		}
	}
	return out
}

// AsSyncError returns the sync error in err's chain.
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsWarningOnly reports whether err is a sync error without failures.
func IsWarningOnly(err error) bool {
	se, ok := AsSyncError(err)
	return ok && !se.IsFatal()
}

// SyncErrorBuilder accumulates issues across one or more file systems.
// The zero value is ready to use.
type SyncErrorBuilder struct {
	merr *multierror.Error
}

// Warn records a non-fatal issue.
func (b *SyncErrorBuilder) Warn(mp MountPoint, err error) {
	b.add(SyncIssue{MountPoint: mp, Err: err})
}

// Fail records a fatal issue.
func (b *SyncErrorBuilder) Fail(mp MountPoint, err error) {
	b.add(SyncIssue{MountPoint: mp, Err: err, Fatal: true})
}

// Add records err, merging the issues of a *SyncError and treating any other
// error as a failure of mp.
func (b *SyncErrorBuilder) Add(mp MountPoint, err error) {
	if err == nil {
		return
	}
	if se, ok := err.(*SyncError); ok {
		for _, i := range se.Issues() {
			b.add(i)
		}
		return
	}
	b.Fail(mp, err)
}

// Empty reports whether no issue has been recorded.
func (b *SyncErrorBuilder) Empty() bool { return b.merr == nil }

// Check returns the accumulated *SyncError or nil.
func (b *SyncErrorBuilder) Check() error {
	if b.merr == nil {
		return nil
	}
	return b.build()
}

func (b *SyncErrorBuilder) add(i SyncIssue) {
	b.merr = multierror.Append(b.merr, i)
}

func (b *SyncErrorBuilder) build() *SyncError {
	merr := &multierror.Error{
		Errors:      append([]error(nil), b.merr.Errors...),
		ErrorFormat: formatIssues,
	}
	return &SyncError{merr: merr}
}

func formatIssues(errs []error) string {
	if len(errs) == 1 {
		return "sync: " + errs[0].Error()
	}
	lines := make([]string, len(errs))
	for i, err := range errs {
		lines[i] = "\t* " + err.Error()
	}
	return fmt.Sprintf("sync: %d issues:\n%s", len(errs), strings.Join(lines, "\n"))
}
