package vfs

import (
	"errors"
	"fmt"
	"strings"
)

// AccessOptions are per call preferences for reading and writing entries.
// Store, Compress, Grow and Encrypt are advisory and may be ignored by a
// driver.
type AccessOptions uint

const (
	// Cache routes content through the write-back cache.
	Cache AccessOptions = 1 << iota
	// CreateParents creates missing parent directories, including archive
	// files.
	CreateParents
	// Append appends to existing content instead of replacing it.
	Append
	// Exclusive fails if the entry already exists.
	Exclusive
	// Store prefers storing content uncompressed.
	Store
	// Compress prefers compressing content.
	Compress
	// Grow prefers appending to an archive over rewriting it.
	Grow
	// Encrypt prefers encrypting content.
	Encrypt
)

var accessNames = []string{"CACHE", "CREATE_PARENTS", "APPEND", "EXCLUSIVE", "STORE", "COMPRESS", "GROW", "ENCRYPT"}

// Has reports whether all options in f are set.
func (o AccessOptions) Has(f AccessOptions) bool { return o&f == f }

// Set returns o with f set.
func (o AccessOptions) Set(f AccessOptions) AccessOptions { return o | f }

// Clear returns o with f cleared.
func (o AccessOptions) Clear(f AccessOptions) AccessOptions { return o &^ f }

func (o AccessOptions) String() string { return flagString(uint(o), accessNames) }

// SyncOptions control how a file system is committed to its parent.
type SyncOptions uint

const (
	// WaitCloseInput waits for input streams of other owners to close.
	WaitCloseInput SyncOptions = 1 << iota
	// WaitCloseOutput waits for output streams of other owners to close.
	WaitCloseOutput
	// ForceCloseInput closes input streams which are still open.
	ForceCloseInput
	// ForceCloseOutput closes output streams which are still open. Requires
	// ForceCloseInput.
	ForceCloseOutput
	// AbortChanges discards all changes since the last sync.
	AbortChanges
	// ClearCache releases cached content and marks the file system clean.
	ClearCache
)

const (
	// SyncWait waits for all streams to close, then commits.
	SyncWait = WaitCloseInput | WaitCloseOutput
	// SyncUmount force closes all streams, commits and clears all caches.
	SyncUmount = ForceCloseInput | ForceCloseOutput | ClearCache
	// SyncReset force closes all streams and discards all changes.
	SyncReset = AbortChanges | ForceCloseInput | ForceCloseOutput | ClearCache
)

var syncNames = []string{"WAIT_CLOSE_INPUT", "WAIT_CLOSE_OUTPUT", "FORCE_CLOSE_INPUT", "FORCE_CLOSE_OUTPUT", "ABORT_CHANGES", "CLEAR_CACHE"}

// ErrIllegalOptions is returned for illegal combinations of sync options.
var ErrIllegalOptions = errors.New("illegal sync options")

// Has reports whether all options in f are set.
func (o SyncOptions) Has(f SyncOptions) bool { return o&f == f }

// Any reports whether any option in f is set.
func (o SyncOptions) Any(f SyncOptions) bool { return o&f != 0 }

// Clear returns o with f cleared.
func (o SyncOptions) Clear(f SyncOptions) SyncOptions { return o &^ f }

// Validate rejects ForceCloseOutput without ForceCloseInput.
func (o SyncOptions) Validate() error {
	if o.Has(ForceCloseOutput) && !o.Has(ForceCloseInput) {
		return fmt.Errorf("%w: %s", ErrIllegalOptions, o)
	}
	return nil
}

func (o SyncOptions) String() string { return flagString(uint(o), syncNames) }

func flagString(v uint, names []string) string {
	var parts []string
	for i, name := range names {
		if v&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return "[" + strings.Join(parts, "|") + "]"
}
