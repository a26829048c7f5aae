package vfs

import (
	"slices"
	"time"
)

// EntryType is the type of a file system entry.
type EntryType int

const (
	// FileType is a regular file
	FileType EntryType = iota
	// DirectoryType is a directory
	DirectoryType
	// SymlinkType is a symbolic link
	SymlinkType
	// SpecialType is anything else, e.g. a device or a named pipe
	SpecialType
)

func (t EntryType) String() string {
	switch t {
	case FileType:
		return "FILE"
	case DirectoryType:
		return "DIRECTORY"
	case SymlinkType:
		return "SYMLINK"
	case SpecialType:
		return "SPECIAL"
	default:
		return "UNKNOWN"
	}
}

// SizeType selects one of the sizes of an entry.
type SizeType int

const (
	// DataSize is the size of the decoded content
	DataSize SizeType = iota
	// StorageSize is the size of the content as stored, e.g. compressed
	StorageSize
)

// AccessType is a set of access kinds. Single values also select the
// timestamps of an entry.
type AccessType uint

const (
	ReadAccess AccessType = 1 << iota
	WriteAccess
	CreateAccess
	ExecuteAccess
)

// Has reports whether all of the given access kinds are in the set.
func (a AccessType) Has(b AccessType) bool { return a&b == b }

// UnknownSize is the size reported for sizes that are not known.
const UnknownSize int64 = -1

// Entry is a read-only view of a file system entry.
type Entry interface {
	// Name returns the entry name as a slash separated path.
	Name() string
	Type() EntryType
	// Size returns the requested size or UnknownSize.
	Size(SizeType) int64
	// Time returns the requested timestamp or the zero time if unknown.
	Time(AccessType) time.Time
	// Members returns the base names of the members of a directory and nil
	// for all other entries.
	Members() []string
}

// BasicEntry is a mutable Entry.
type BasicEntry struct {
	name    string
	typ     EntryType
	sizes   [2]int64
	times   map[AccessType]time.Time
	members []string
}

var _ Entry = (*BasicEntry)(nil)

// NewEntry creates an entry with unknown sizes and times.
func NewEntry(name string, typ EntryType) *BasicEntry {
	e := &BasicEntry{
		name:  name,
		typ:   typ,
		sizes: [2]int64{UnknownSize, UnknownSize},
		times: make(map[AccessType]time.Time),
	}
	if typ == DirectoryType {
		e.members = []string{}
	}
	return e
}

// CopyEntry returns a snapshot of e under the given name.
func CopyEntry(name string, e Entry) *BasicEntry {
	c := NewEntry(name, e.Type())
	c.sizes = [2]int64{e.Size(DataSize), e.Size(StorageSize)}
	for _, a := range []AccessType{ReadAccess, WriteAccess, CreateAccess} {
		if t := e.Time(a); !t.IsZero() {
			c.times[a] = t
		}
	}
	if m := e.Members(); m != nil {
		c.members = slices.Clone(m)
	}
	return c
}

func (e *BasicEntry) Name() string    { return e.name }
func (e *BasicEntry) Type() EntryType { return e.typ }

func (e *BasicEntry) Size(t SizeType) int64 {
	if t < DataSize || t > StorageSize {
		return UnknownSize
	}
	return e.sizes[t]
}

func (e *BasicEntry) Time(a AccessType) time.Time { return e.times[a] }

func (e *BasicEntry) Members() []string { return e.members }

// SetSize sets a size, UnknownSize clears it.
func (e *BasicEntry) SetSize(t SizeType, n int64) *BasicEntry {
	if n < 0 {
		n = UnknownSize
	}
	e.sizes[t] = n
	return e
}

// SetTime sets a timestamp, the zero time clears it.
func (e *BasicEntry) SetTime(a AccessType, t time.Time) *BasicEntry {
	if t.IsZero() {
		delete(e.times, a)
	} else {
		e.times[a] = t
	}
	return e
}

// SetMembers sets the member names of a directory entry.
func (e *BasicEntry) SetMembers(members []string) *BasicEntry {
	e.members = members
	return e
}
