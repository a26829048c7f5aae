// Package hostfs implements the controller of a host file system, the root
// of every chain of federated file systems, on top of a go-billy file system.
package hostfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/cache"
	"fedfs/internal/common"
	"fedfs/internal/vfs"
)

const (
	tempPrefix = ".fedfs-"
	tempSuffix = ".tmp"

	nodeCacheTTL  = 2 * time.Second
	nodeCacheSize = 4096
)

// Controller serves a host file system. New content is written to a
// temporary file next to its target and renamed over it when the stream
// closes, so readers never see partial content.
type Controller struct {
	model *vfs.Model
	fs    billy.Filesystem
	nodes *cache.NodeCache
}

var _ vfs.Controller = (*Controller)(nil)

// New returns the controller of the host file system rooted at fs.
func New(model *vfs.Model, fs billy.Filesystem) (*Controller, error) {
	if model.MountPoint().IsOpaque() {
		return nil, fmt.Errorf("host file system %s: %w", model.MountPoint(), common.ErrInvalidPath)
	}
	if err := fs.MkdirAll(vfs.Separator, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create host root: %w", err)
	}
	return &Controller{
		model: model,
		fs:    fs,
		nodes: cache.NewNodeCache(nodeCacheTTL, nodeCacheSize),
	}, nil
}

func (c *Controller) Model() *vfs.Model { return c.model }

func (c *Controller) Node(_ context.Context, name vfs.EntryName, _ vfs.AccessOptions) (vfs.Entry, error) {
	return c.node(name)
}

func (c *Controller) node(name vfs.EntryName) (vfs.Entry, error) {
	if e, ok := c.nodes.Get(name.Path()); ok {
		return e, nil
	}
	fi, err := c.fs.Lstat(hostPath(name))
	if errors.Is(err, os.ErrNotExist) {
		c.nodes.Set(name.Path(), nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", name, err)
	}

	e := vfs.NewEntry(name.Path(), entryType(fi.Mode()))
	e.SetTime(vfs.WriteAccess, fi.ModTime())
	switch e.Type() {
	case vfs.DirectoryType:
		infos, err := c.fs.ReadDir(hostPath(name))
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", name, err)
		}
		members := make([]string, 0, len(infos))
		for _, info := range infos {
			if !isTemp(info.Name()) {
				members = append(members, info.Name())
			}
		}
		e.SetMembers(members)
	case vfs.SymlinkType:
		target, err := c.fs.Readlink(hostPath(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read link %q: %w", name, err)
		}
		e.SetSize(vfs.DataSize, int64(len(target)))
		e.SetSize(vfs.StorageSize, int64(len(target)))
	default:
		e.SetSize(vfs.DataSize, fi.Size())
		e.SetSize(vfs.StorageSize, fi.Size())
	}
	c.nodes.Set(name.Path(), e)
	return e, nil
}

func (c *Controller) CheckAccess(_ context.Context, name vfs.EntryName, _ vfs.AccessOptions, types vfs.AccessType) error {
	fi, err := c.fs.Lstat(hostPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%q: %w", name, common.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to stat %q: %w", name, err)
	}
	if types&(vfs.WriteAccess|vfs.CreateAccess) != 0 && fi.Mode().Perm()&0o200 == 0 {
		return fmt.Errorf("%q: %w", name, common.ErrReadOnly)
	}
	return nil
}

func (c *Controller) SetReadOnly(_ context.Context, name vfs.EntryName) error {
	ch, ok := c.fs.(billy.Change)
	if !ok {
		return fmt.Errorf("%q: %w", name, common.ErrNotSupported)
	}
	fi, err := c.fs.Lstat(hostPath(name))
	if err != nil {
		return mapError(name, err)
	}
	if err := ch.Chmod(hostPath(name), fi.Mode().Perm()&^0o222); err != nil {
		return fmt.Errorf("failed to make %q read-only: %w", name, err)
	}
	c.nodes.InvalidateName(name.Path())
	return nil
}

// SetTime sets the write and read times of the entry. Other timestamps are
// not supported by the host and silently ignored.
func (c *Controller) SetTime(_ context.Context, name vfs.EntryName, times map[vfs.AccessType]time.Time, _ vfs.AccessOptions) error {
	if err := c.setTime(name, times); err != nil {
		return err
	}
	c.nodes.InvalidateName(name.Path())
	return nil
}

func (c *Controller) setTime(name vfs.EntryName, times map[vfs.AccessType]time.Time) error {
	ch, ok := c.fs.(billy.Change)
	if !ok {
		return nil
	}
	fi, err := c.fs.Lstat(hostPath(name))
	if err != nil {
		return mapError(name, err)
	}
	mtime := fi.ModTime()
	if t, ok := times[vfs.WriteAccess]; ok && !t.IsZero() {
		mtime = t
	}
	atime := mtime
	if t, ok := times[vfs.ReadAccess]; ok && !t.IsZero() {
		atime = t
	}
	if err := ch.Chtimes(hostPath(name), atime, mtime); err != nil {
		return fmt.Errorf("failed to set times of %q: %w", name, err)
	}
	return nil
}

func (c *Controller) Input(_ vfs.AccessOptions, name vfs.EntryName) vfs.InputSocket {
	return &input{c: c, name: name}
}

func (c *Controller) Output(opts vfs.AccessOptions, name vfs.EntryName, template vfs.Entry) vfs.OutputSocket {
	return &output{c: c, opts: opts, name: name, template: template}
}

// Make creates a file or a directory. Making an existing file keeps its
// content and only applies the times of template.
func (c *Controller) Make(_ context.Context, name vfs.EntryName, typ vfs.EntryType, opts vfs.AccessOptions, template vfs.Entry) error {
	if name.IsRoot() {
		return fmt.Errorf("root entry: %w", common.ErrExists)
	}
	defer c.nodes.InvalidateName(name.Path())

	old, err := c.node(name)
	if err != nil {
		return err
	}
	switch typ {
	case vfs.FileType:
		if old != nil {
			switch {
			case opts.Has(vfs.Exclusive):
				return fmt.Errorf("%q: %w", name, common.ErrExists)
			case old.Type() == vfs.DirectoryType:
				return fmt.Errorf("%q: %w", name, common.ErrIsDir)
			}
		} else {
			if err := c.checkParent(name, opts); err != nil {
				return err
			}
			f, err := c.fs.Create(hostPath(name))
			if err != nil {
				return fmt.Errorf("failed to create %q: %w", name, err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to create %q: %w", name, err)
			}
		}
		if template != nil {
			return c.setTime(name, templateTimes(template))
		}
		return nil

	case vfs.DirectoryType:
		if old != nil {
			if old.Type() == vfs.DirectoryType {
				return fmt.Errorf("%q: %w", name, common.ErrExists)
			}
			return fmt.Errorf("%q: %w", name, common.ErrNotDir)
		}
		if err := c.checkParent(name, opts); err != nil {
			return err
		}
		if err := c.fs.MkdirAll(hostPath(name), 0o755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", name, err)
		}
		if template != nil {
			return c.setTime(name, templateTimes(template))
		}
		return nil

	default:
		return fmt.Errorf("%q: cannot make %s entries: %w", name, typ, common.ErrNotSupported)
	}
}

func (c *Controller) Unlink(_ context.Context, name vfs.EntryName, _ vfs.AccessOptions) error {
	if name.IsRoot() {
		return fmt.Errorf("root entry: %w", common.ErrInvalidPath)
	}
	e, err := c.node(name)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%q: %w", name, common.ErrNotFound)
	}
	if e.Type() == vfs.DirectoryType && len(e.Members()) > 0 {
		return fmt.Errorf("%q: %w", name, common.ErrNotEmpty)
	}
	if err := c.fs.Remove(hostPath(name)); err != nil {
		return fmt.Errorf("failed to remove %q: %w", name, err)
	}
	c.nodes.InvalidateName(name.Path())
	c.nodes.InvalidatePrefix(name.Path())
	return nil
}

// Sync drops the cached entries if CLEAR_CACHE is set. All changes are
// written to the host when their streams close.
func (c *Controller) Sync(_ context.Context, opts vfs.SyncOptions) error {
	if opts.Any(vfs.ClearCache | vfs.AbortChanges) {
		c.nodes.Invalidate()
	}
	return nil
}

// checkParent makes sure the parent directory of name exists, creating it
// if opts carries CREATE_PARENTS.
func (c *Controller) checkParent(name vfs.EntryName, opts vfs.AccessOptions) error {
	parent, ok := name.Parent()
	if !ok || parent.IsRoot() {
		return nil
	}
	e, err := c.node(parent)
	if err != nil {
		return err
	}
	switch {
	case e == nil && opts.Has(vfs.CreateParents):
		if err := c.fs.MkdirAll(hostPath(parent), 0o755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", parent, err)
		}
		c.nodes.InvalidatePrefix("")
		return nil
	case e == nil:
		return fmt.Errorf("%q: parent %q: %w", name, parent, common.ErrNotFound)
	case e.Type() != vfs.DirectoryType:
		return fmt.Errorf("%q: parent %q: %w", name, parent, common.ErrNotDir)
	}
	return nil
}

func hostPath(name vfs.EntryName) string {
	return vfs.Separator + name.Path()
}

func isTemp(base string) bool {
	return strings.HasPrefix(base, tempPrefix) && strings.HasSuffix(base, tempSuffix)
}

func tempPath(name vfs.EntryName) string {
	return path.Join(path.Dir(hostPath(name)), tempPrefix+uuid.NewString()+tempSuffix)
}

func entryType(mode os.FileMode) vfs.EntryType {
	switch {
	case mode.IsDir():
		return vfs.DirectoryType
	case mode&os.ModeSymlink != 0:
		return vfs.SymlinkType
	case mode.IsRegular():
		return vfs.FileType
	default:
		return vfs.SpecialType
	}
}

func templateTimes(template vfs.Entry) map[vfs.AccessType]time.Time {
	return map[vfs.AccessType]time.Time{
		vfs.ReadAccess:  template.Time(vfs.ReadAccess),
		vfs.WriteAccess: template.Time(vfs.WriteAccess),
	}
}

func mapError(name vfs.EntryName, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%q: %w", name, common.ErrNotFound)
	}
	return fmt.Errorf("%q: %w", name, err)
}

type input struct {
	c    *Controller
	name vfs.EntryName
}

func (s *input) Target(context.Context) (vfs.Entry, error) {
	e, err := s.c.node(s.name)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%q: %w", s.name, common.ErrNotFound)
	}
	return e, nil
}

func (s *input) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	return s.Channel(ctx, peer)
}

func (s *input) Channel(ctx context.Context, _ vfs.OutputSocket) (vfs.ReadChannel, error) {
	e, err := s.Target(ctx)
	if err != nil {
		return nil, err
	}
	if e.Type() == vfs.DirectoryType {
		return nil, fmt.Errorf("%q: %w", s.name, common.ErrIsDir)
	}
	f, err := s.c.fs.Open(hostPath(s.name))
	if err != nil {
		return nil, mapError(s.name, err)
	}
	fi, err := s.c.fs.Stat(hostPath(s.name))
	if err != nil {
		_ = f.Close()
		return nil, mapError(s.name, err)
	}
	return &readChannel{File: f, size: fi.Size()}, nil
}

type readChannel struct {
	billy.File
	size int64
}

func (r *readChannel) Size() int64 { return r.size }

type output struct {
	c        *Controller
	opts     vfs.AccessOptions
	name     vfs.EntryName
	template vfs.Entry
}

func (s *output) Target(context.Context) (vfs.Entry, error) {
	if s.template != nil {
		return vfs.CopyEntry(s.name.Path(), s.template), nil
	}
	return vfs.NewEntry(s.name.Path(), vfs.FileType), nil
}

func (s *output) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	return s.Channel(ctx, peer)
}

// Channel opens a temporary file which replaces the entry on close. An
// appending channel starts with a copy of the current content.
func (s *output) Channel(_ context.Context, _ vfs.InputSocket) (vfs.WriteChannel, error) {
	c := s.c
	if s.name.IsRoot() {
		return nil, fmt.Errorf("root entry: %w", common.ErrIsDir)
	}
	old, err := c.node(s.name)
	if err != nil {
		return nil, err
	}
	if old != nil {
		switch {
		case s.opts.Has(vfs.Exclusive):
			return nil, fmt.Errorf("%q: %w", s.name, common.ErrExists)
		case old.Type() == vfs.DirectoryType:
			return nil, fmt.Errorf("%q: %w", s.name, common.ErrIsDir)
		}
	} else if err := c.checkParent(s.name, s.opts); err != nil {
		return nil, err
	}

	temp := tempPath(s.name)
	f, err := c.fs.OpenFile(temp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file for %q: %w", s.name, err)
	}
	w := &writeChannel{File: f, s: s, temp: temp}
	if old != nil && s.opts.Has(vfs.Append) {
		if err := w.copyFrom(hostPath(s.name)); err != nil {
			_ = w.Abort()
			return nil, fmt.Errorf("failed to append to %q: %w", s.name, err)
		}
	}
	return w, nil
}

// writeChannel writes a temporary file. Close renames it over the target,
// Abort removes it.
type writeChannel struct {
	billy.File
	s    *output
	temp string
	size int64
	done bool
}

func (w *writeChannel) copyFrom(p string) error {
	r, err := w.s.c.fs.Open(p)
	if err != nil {
		return err
	}
	defer r.Close()
	n, err := io.Copy(w.File, r)
	w.size = n
	return err
}

func (w *writeChannel) Write(p []byte) (int, error) {
	pos, err := w.File.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	n, err := w.File.Write(p)
	w.grow(pos + int64(n))
	return n, err
}

func (w *writeChannel) WriteAt(p []byte, off int64) (int, error) {
	pos, err := w.File.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	var n int
	if wa, ok := w.File.(io.WriterAt); ok {
		n, err = wa.WriteAt(p, off)
	} else if _, err = w.File.Seek(off, io.SeekStart); err == nil {
		n, err = w.File.Write(p)
	}
	if _, serr := w.File.Seek(pos, io.SeekStart); err == nil {
		err = serr
	}
	w.grow(off + int64(n))
	return n, err
}

func (w *writeChannel) grow(end int64) {
	if end > w.size {
		w.size = end
	}
}

func (w *writeChannel) Size() int64 { return w.size }

func (w *writeChannel) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	c := w.s.c
	name := w.s.name
	defer c.nodes.InvalidateName(name.Path())

	if err := w.File.Close(); err != nil {
		_ = c.fs.Remove(w.temp)
		return fmt.Errorf("failed to close %q: %w", name, err)
	}
	if err := c.fs.Rename(w.temp, hostPath(name)); err != nil {
		_ = c.fs.Remove(w.temp)
		return fmt.Errorf("failed to commit %q: %w", name, err)
	}
	if w.s.template != nil {
		if err := c.setTime(name, templateTimes(w.s.template)); err != nil {
			log.Warnf("[HostFS] %v", err)
		}
	}
	return nil
}

func (w *writeChannel) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.File.Close()
	if err := w.s.c.fs.Remove(w.temp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", w.temp, err)
	}
	return nil
}
