package archive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jacobsa/timeutil"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/common"
	"fedfs/internal/vfs"
)

// TouchHook runs before the first mutation of a file system becomes
// visible. If it fails, the mutation is not applied.
type TouchHook func(ctx context.Context, opts vfs.AccessOptions) error

// FileSystem is the in-memory tree of one mounted archive. It is owned by
// one archive controller and must only be used while holding the write lock
// of its model.
type FileSystem struct {
	driver   Driver
	clock    timeutil.Clock
	readOnly bool
	touch    TouchHook
	touched  bool

	// INVARIANT: nodes[""] exists and is a directory
	// INVARIANT: every node except the root is a member of its parent node
	nodes map[string]*CovariantEntry
}

// New returns an empty file system whose root carries the current time.
func New(driver Driver, clock timeutil.Clock, touch TouchHook) *FileSystem {
	fs := newFileSystem(driver, clock, false, touch)
	fs.nodes[""].Current().SetTime(vfs.WriteAccess, clock.Now())
	return fs
}

// Populate returns a file system holding the entries of input. Missing parent
// directories are added as ghost directories without a timestamp, which are
// never written to an output archive.
func Populate(driver Driver, clock timeutil.Clock, input InputService, readOnly bool, touch TouchHook) *FileSystem {
	fs := newFileSystem(driver, clock, readOnly, touch)
	for _, e := range input.Entries() {
		name := strings.Trim(e.Name(), vfs.Separator)
		if !common.IsClean(name) {
			log.Warnf("[ArchiveFS] skipping entry with illegal name %q", e.Name())
			continue
		}
		if name == "" {
			if e.Type() == vfs.DirectoryType {
				fs.nodes[""].put(e)
			}
			continue
		}
		fs.link(name)
		fs.node(name).put(e)
	}
	return fs
}

func newFileSystem(driver Driver, clock timeutil.Clock, readOnly bool, touch TouchHook) *FileSystem {
	root := newCovariantEntry("")
	root.put(driver.NewEntry("", vfs.DirectoryType, nil))
	return &FileSystem{
		driver:   driver,
		clock:    clock,
		readOnly: readOnly,
		touch:    touch,
		nodes:    map[string]*CovariantEntry{"": root},
	}
}

// ReadOnly reports whether the file system rejects mutations.
func (fs *FileSystem) ReadOnly() bool { return fs.readOnly }

// Touched reports whether the file system has been mutated.
func (fs *FileSystem) Touched() bool { return fs.touched }

// Node returns the named entry or nil.
func (fs *FileSystem) Node(name vfs.EntryName) *CovariantEntry {
	return fs.nodes[name.Path()]
}

// Len returns the number of entries including the root.
func (fs *FileSystem) Len() int { return len(fs.nodes) }

// Names returns all entry names, parents before their members.
func (fs *FileSystem) Names() []string {
	names := make([]string, 0, len(fs.nodes))
	for name := range fs.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAccess fails with common.ErrNotFound if the entry does not exist and
// with common.ErrReadOnly if write access is requested on a read-only file
// system.
func (fs *FileSystem) CheckAccess(name vfs.EntryName, types vfs.AccessType) error {
	if fs.Node(name) == nil {
		return fmt.Errorf("%q: %w", name, common.ErrNotFound)
	}
	if types&(vfs.WriteAccess|vfs.CreateAccess) != 0 && fs.readOnly {
		return fmt.Errorf("%q: %w", name, common.ErrReadOnly)
	}
	return nil
}

// SetTime updates the timestamps of the current representation of the entry.
func (fs *FileSystem) SetTime(ctx context.Context, name vfs.EntryName, times map[vfs.AccessType]time.Time, opts vfs.AccessOptions) error {
	if err := fs.CheckAccess(name, vfs.WriteAccess); err != nil {
		return err
	}
	if err := fs.doTouch(ctx, opts); err != nil {
		return err
	}
	e := fs.Node(name).Current()
	for a, t := range times {
		e.SetTime(a, t)
	}
	return nil
}

// Make creates or replaces the entry and returns it. Parent directories are
// created if CreateParents is set. A template supplies sizes and times, else
// the entry gets the current time as its write time.
func (fs *FileSystem) Make(ctx context.Context, name vfs.EntryName, typ vfs.EntryType, opts vfs.AccessOptions, template vfs.Entry) (Entry, error) {
	if fs.readOnly {
		return nil, fmt.Errorf("%q: %w", name, common.ErrReadOnly)
	}
	if name.IsRoot() {
		return nil, fmt.Errorf("root entry: %w", common.ErrExists)
	}
	if typ != vfs.FileType && typ != vfs.DirectoryType {
		return nil, fmt.Errorf("%q: cannot make %s entries: %w", name, typ, common.ErrNotSupported)
	}

	path := name.Path()
	if old := fs.nodes[path]; old != nil {
		switch {
		case opts.Has(vfs.Exclusive):
			return nil, fmt.Errorf("%q: %w", name, common.ErrExists)
		case old.IsType(vfs.DirectoryType) && typ == vfs.DirectoryType:
			return nil, fmt.Errorf("%q: %w", name, common.ErrExists)
		case old.IsType(vfs.DirectoryType):
			return nil, fmt.Errorf("%q: %w", name, common.ErrIsDir)
		case typ == vfs.DirectoryType:
			return nil, fmt.Errorf("%q: %w", name, common.ErrNotDir)
		}
	}

	// Validate the parent chain before touching anything.
	var missing []string
	for p := common.ParentPath(path); ; p = common.ParentPath(p) {
		node := fs.nodes[p]
		if node == nil {
			missing = append(missing, p)
			continue
		}
		if !node.IsType(vfs.DirectoryType) {
			return nil, fmt.Errorf("%q: parent %q: %w", name, p, common.ErrNotDir)
		}
		break
	}
	if len(missing) > 0 && !opts.Has(vfs.CreateParents) {
		return nil, fmt.Errorf("%q: parent %q: %w", name, missing[0], common.ErrNotFound)
	}

	if err := fs.doTouch(ctx, opts); err != nil {
		return nil, err
	}

	now := fs.clock.Now()
	for i := len(missing) - 1; i >= 0; i-- {
		dir := fs.driver.NewEntry(missing[i], vfs.DirectoryType, nil)
		dir.SetTime(vfs.WriteAccess, now)
		fs.link(missing[i])
		fs.node(missing[i]).put(dir)
	}

	e := fs.driver.NewEntry(path, typ, template)
	if template == nil || template.Time(vfs.WriteAccess).IsZero() {
		e.SetTime(vfs.WriteAccess, now)
	}
	fs.link(path)
	fs.node(path).put(e)
	if parent := fs.nodes[common.ParentPath(path)]; parent != nil {
		parent.Get(vfs.DirectoryType).SetTime(vfs.WriteAccess, now)
	}
	return e, nil
}

// Unlink removes the entry, which must not be the root or a non-empty
// directory.
func (fs *FileSystem) Unlink(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) error {
	if err := fs.CheckAccess(name, vfs.WriteAccess); err != nil {
		return err
	}
	if name.IsRoot() {
		return fmt.Errorf("root entry: %w", common.ErrInvalidPath)
	}
	path := name.Path()
	node := fs.nodes[path]
	if len(node.members) > 0 {
		return fmt.Errorf("%q: %w", name, common.ErrNotEmpty)
	}
	if err := fs.doTouch(ctx, opts); err != nil {
		return err
	}

	delete(fs.nodes, path)
	parent := fs.nodes[common.ParentPath(path)]
	delete(parent.members, common.BaseName(path))
	parent.Get(vfs.DirectoryType).SetTime(vfs.WriteAccess, fs.clock.Now())
	return nil
}

func (fs *FileSystem) doTouch(ctx context.Context, opts vfs.AccessOptions) error {
	if fs.touched {
		return nil
	}
	if fs.touch != nil {
		if err := fs.touch(ctx, opts); err != nil {
			return err
		}
	}
	fs.touched = true
	return nil
}

// link makes sure that path and all its parents exist, adding ghost
// directories as needed.
func (fs *FileSystem) link(path string) {
	parentPath := common.ParentPath(path)
	parent := fs.nodes[parentPath]
	if parent == nil {
		fs.link(parentPath)
		parent = fs.nodes[parentPath]
	}
	if !parent.IsType(vfs.DirectoryType) {
		parent.put(fs.driver.NewEntry(parentPath, vfs.DirectoryType, nil))
	}
	parent.members[common.BaseName(path)] = struct{}{}
	if fs.nodes[path] == nil {
		fs.nodes[path] = newCovariantEntry(path)
	}
}

func (fs *FileSystem) node(path string) *CovariantEntry { return fs.nodes[path] }
