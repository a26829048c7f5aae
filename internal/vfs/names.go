package vfs

import (
	"fmt"
	"strings"

	"fedfs/internal/common"
)

// Separator is the path separator of entry names.
const Separator = "/"

// opaqueSuffix terminates the scheme specific part of an opaque mount point.
const opaqueSuffix = "!/"

// EntryName addresses an entry relative to the root of a file system: a
// clean slash separated path and an optional query, e.g. "b/c?x".
// The zero value is the root entry name.
type EntryName struct {
	path  string
	query string
}

// RootName is the name of the root entry of every file system.
var RootName EntryName

// ParseEntryName parses s, which must not start with a slash and must not
// contain empty, "." or ".." segments.
func ParseEntryName(s string) (EntryName, error) {
	p, q, _ := strings.Cut(s, "?")
	if strings.HasPrefix(p, Separator) || !common.IsClean(p) {
		return EntryName{}, fmt.Errorf("entry name %q: %w", s, common.ErrInvalidPath)
	}
	return EntryName{path: p, query: q}, nil
}

// MustEntryName is like ParseEntryName but panics on error.
func MustEntryName(s string) EntryName {
	n, err := ParseEntryName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n EntryName) Path() string  { return n.path }
func (n EntryName) Query() string { return n.query }

// IsRoot reports whether both path and query are empty.
func (n EntryName) IsRoot() bool { return n.path == "" && n.query == "" }

func (n EntryName) String() string {
	if n.query == "" {
		return n.path
	}
	return n.path + "?" + n.query
}

// Resolve returns member resolved against n as its base directory. The query
// of the result is the query of member.
func (n EntryName) Resolve(member EntryName) EntryName {
	switch {
	case member.path == "":
		return EntryName{path: n.path, query: member.query}
	case n.path == "":
		return member
	default:
		return EntryName{path: n.path + Separator + member.path, query: member.query}
	}
}

// Join returns the member of n with the given base name.
func (n EntryName) Join(base string) EntryName {
	return n.Resolve(EntryName{path: base})
}

// Parent returns the name of the directory containing n. The root has no
// parent.
func (n EntryName) Parent() (EntryName, bool) {
	if n.path == "" {
		return EntryName{}, false
	}
	i := strings.LastIndex(n.path, Separator)
	if i < 0 {
		return RootName, true
	}
	return EntryName{path: n.path[:i]}, true
}

// Base returns the last path segment.
func (n EntryName) Base() string {
	return n.path[strings.LastIndex(n.path, Separator)+1:]
}

// MountPoint identifies a file system. A hierarchical mount point is a URI
// with an absolute path ending in a slash, e.g. "file:/a/b/". An opaque mount
// point embeds the path of its archive file in the parent file system, e.g.
// "zip:file:/a.zip!/". MountPoint values are comparable.
type MountPoint struct {
	uri    string
	scheme string
	// parent is the embedded path of an opaque mount point.
	parent string
}

// ParseMountPoint parses a hierarchical or an opaque mount point.
func ParseMountPoint(s string) (MountPoint, error) {
	scheme, rest, err := splitScheme(s)
	if err != nil {
		return MountPoint{}, err
	}
	if strings.HasSuffix(rest, opaqueSuffix) {
		parentPath := strings.TrimSuffix(rest, opaqueSuffix)
		p, err := ParsePath(parentPath)
		if err == nil && !p.name.IsRoot() {
			return MountPoint{uri: s, scheme: scheme, parent: parentPath}, nil
		}
		if !strings.HasPrefix(rest, Separator) {
			return MountPoint{}, fmt.Errorf("mount point %q: bad parent path: %w", s, common.ErrInvalidPath)
		}
	}
	if !strings.HasPrefix(rest, Separator) || !strings.HasSuffix(rest, Separator) {
		return MountPoint{}, fmt.Errorf("mount point %q: %w", s, common.ErrInvalidPath)
	}
	if !common.IsClean(strings.Trim(rest, Separator)) {
		return MountPoint{}, fmt.Errorf("mount point %q: %w", s, common.ErrInvalidPath)
	}
	return MountPoint{uri: s, scheme: scheme}, nil
}

// MustMountPoint is like ParseMountPoint but panics on error.
func MustMountPoint(s string) MountPoint {
	mp, err := ParseMountPoint(s)
	if err != nil {
		panic(err)
	}
	return mp
}

// NewMountPoint returns the opaque mount point for an archive of the given
// scheme located at parent.
func NewMountPoint(scheme string, parent Path) (MountPoint, error) {
	if !validScheme(scheme) {
		return MountPoint{}, fmt.Errorf("scheme %q: %w", scheme, common.ErrInvalidPath)
	}
	if parent.name.IsRoot() {
		return MountPoint{}, fmt.Errorf("archive path %q addresses a root: %w", parent, common.ErrInvalidPath)
	}
	pp := parent.String()
	return MountPoint{uri: scheme + ":" + pp + opaqueSuffix, scheme: scheme, parent: pp}, nil
}

func (mp MountPoint) String() string  { return mp.uri }
func (mp MountPoint) Scheme() string  { return mp.scheme }
func (mp MountPoint) IsOpaque() bool  { return mp.parent != "" }
func (mp MountPoint) IsZero() bool    { return mp.uri == "" }

// ParentPath returns the path of the archive file of an opaque mount point.
func (mp MountPoint) ParentPath() (Path, bool) {
	if mp.parent == "" {
		return Path{}, false
	}
	p, err := ParsePath(mp.parent)
	if err != nil {
		return Path{}, false
	}
	return p, true
}

// Parent returns the mount point of the parent file system.
func (mp MountPoint) Parent() (MountPoint, bool) {
	p, ok := mp.ParentPath()
	if !ok {
		return MountPoint{}, false
	}
	return p.mp, true
}

// Resolve returns the path of the named entry in this file system.
func (mp MountPoint) Resolve(name EntryName) Path {
	return Path{mp: mp, name: name}
}

// Hierarchical renders the mount point as a hierarchical URI, e.g.
// "zip:file:/a.zip!/b.zip!/" as "file:/a.zip/b.zip/". Children always sort
// after their parents.
func (mp MountPoint) Hierarchical() string {
	p, ok := mp.ParentPath()
	if !ok {
		return mp.uri
	}
	return p.mp.Hierarchical() + p.name.String() + Separator
}

// Path is a mount point plus an entry name. Path values are comparable.
type Path struct {
	mp   MountPoint
	name EntryName
}

// NewPath returns the path of name in the file system mounted at mp.
func NewPath(mp MountPoint, name EntryName) Path {
	return Path{mp: mp, name: name}
}

// ParsePath splits an opaque path at its last "!/" and a hierarchical path at
// the root of its scheme, e.g. "file:/a/b" into "file:/" and "a/b".
func ParsePath(s string) (Path, error) {
	if i := strings.LastIndex(s, opaqueSuffix); i >= 0 {
		mp, err := ParseMountPoint(s[:i+len(opaqueSuffix)])
		if err == nil && mp.IsOpaque() {
			name, err := ParseEntryName(s[i+len(opaqueSuffix):])
			if err != nil {
				return Path{}, err
			}
			return Path{mp: mp, name: name}, nil
		}
	}
	scheme, rest, err := splitScheme(s)
	if err != nil {
		return Path{}, err
	}
	if !strings.HasPrefix(rest, Separator) {
		return Path{}, fmt.Errorf("path %q: %w", s, common.ErrInvalidPath)
	}
	name, err := ParseEntryName(strings.TrimSuffix(rest[1:], Separator))
	if err != nil {
		return Path{}, err
	}
	root := scheme + ":" + Separator
	return Path{mp: MountPoint{uri: root, scheme: scheme}, name: name}, nil
}

func (p Path) MountPoint() MountPoint { return p.mp }
func (p Path) EntryName() EntryName   { return p.name }

func (p Path) String() string { return p.mp.uri + p.name.String() }

func splitScheme(s string) (string, string, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || !validScheme(scheme) {
		return "", "", fmt.Errorf("%q has no valid scheme: %w", s, common.ErrInvalidPath)
	}
	return scheme, rest, nil
}

func validScheme(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return false
		}
	}
	return true
}
