package archive

import (
	"slices"
	"sort"
	"time"

	"fedfs/internal/vfs"
)

// Entry is an archive entry. Drivers embed BaseEntry into their own entry
// types to carry format specific data.
type Entry interface {
	vfs.Entry
	SetSize(t vfs.SizeType, n int64)
	SetTime(a vfs.AccessType, t time.Time)
}

// BaseEntry implements Entry.
type BaseEntry struct {
	name  string
	typ   vfs.EntryType
	sizes [2]int64
	times map[vfs.AccessType]time.Time
}

// NewBaseEntry returns an entry with the sizes and times of template, if any.
func NewBaseEntry(name string, typ vfs.EntryType, template vfs.Entry) BaseEntry {
	e := BaseEntry{
		name:  name,
		typ:   typ,
		sizes: [2]int64{vfs.UnknownSize, vfs.UnknownSize},
		times: make(map[vfs.AccessType]time.Time),
	}
	if template != nil {
		e.sizes = [2]int64{template.Size(vfs.DataSize), template.Size(vfs.StorageSize)}
		for _, a := range []vfs.AccessType{vfs.ReadAccess, vfs.WriteAccess, vfs.CreateAccess} {
			if t := template.Time(a); !t.IsZero() {
				e.times[a] = t
			}
		}
	}
	return e
}

func (e *BaseEntry) Name() string        { return e.name }
func (e *BaseEntry) Type() vfs.EntryType { return e.typ }
func (e *BaseEntry) Members() []string   { return nil }

func (e *BaseEntry) Size(t vfs.SizeType) int64 {
	if t < vfs.DataSize || t > vfs.StorageSize {
		return vfs.UnknownSize
	}
	return e.sizes[t]
}

func (e *BaseEntry) SetSize(t vfs.SizeType, n int64) {
	if n < 0 {
		n = vfs.UnknownSize
	}
	e.sizes[t] = n
}

func (e *BaseEntry) Time(a vfs.AccessType) time.Time { return e.times[a] }

func (e *BaseEntry) SetTime(a vfs.AccessType, t time.Time) {
	if t.IsZero() {
		delete(e.times, a)
		return
	}
	e.times[a] = t
}

// CovariantEntry holds the entries of one name, at most one per type, e.g.
// a file "a" and a directory "a/" of the same ZIP archive. The key type
// selects the entry which answers the vfs.Entry methods.
type CovariantEntry struct {
	name    string
	entries map[vfs.EntryType]Entry
	key     vfs.EntryType
	members map[string]struct{}
}

var _ vfs.Entry = (*CovariantEntry)(nil)

func newCovariantEntry(name string) *CovariantEntry {
	return &CovariantEntry{name: name, entries: make(map[vfs.EntryType]Entry)}
}

func (c *CovariantEntry) Name() string { return c.name }

// Type returns the key type.
func (c *CovariantEntry) Type() vfs.EntryType { return c.key }

// IsType reports whether the entry has a representation of type t.
func (c *CovariantEntry) IsType(t vfs.EntryType) bool {
	_, ok := c.entries[t]
	return ok
}

// Types returns the types of all representations in ascending order.
func (c *CovariantEntry) Types() []vfs.EntryType {
	types := make([]vfs.EntryType, 0, len(c.entries))
	for t := range c.entries {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Get returns the representation of type t or nil.
func (c *CovariantEntry) Get(t vfs.EntryType) Entry { return c.entries[t] }

// Current returns the representation selected by the key type.
func (c *CovariantEntry) Current() Entry { return c.entries[c.key] }

func (c *CovariantEntry) Size(t vfs.SizeType) int64 {
	return c.Current().Size(t)
}

func (c *CovariantEntry) Time(a vfs.AccessType) time.Time {
	return c.Current().Time(a)
}

// Members returns the sorted base names of the members if the entry is a
// directory.
func (c *CovariantEntry) Members() []string {
	if !c.IsType(vfs.DirectoryType) {
		return nil
	}
	members := make([]string, 0, len(c.members))
	for m := range c.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

func (c *CovariantEntry) put(e Entry) {
	c.entries[e.Type()] = e
	c.key = e.Type()
	if e.Type() == vfs.DirectoryType && c.members == nil {
		c.members = make(map[string]struct{})
	}
}
