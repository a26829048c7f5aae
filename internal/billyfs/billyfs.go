// Package billyfs exposes the federated file system of a manager as a
// billy.Filesystem. Archive files appear as directories.
package billyfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/common"
	"fedfs/internal/manager"
	"fedfs/internal/vfs"
)

// Adapter adapts a manager to the billy filesystem interface.
type Adapter struct {
	ctx context.Context
	m   *manager.Manager
}

var (
	_ billy.Filesystem = (*Adapter)(nil)
	_ billy.Change     = (*Adapter)(nil)
)

// New returns an adapter running every operation with ctx.
func New(ctx context.Context, m *manager.Manager) *Adapter {
	return &Adapter{ctx: ctx, m: m}
}

// resolve leases the chain of a slash separated path and returns it with the
// entry name. The lease must be released.
func (a *Adapter) resolve(filename string) (*manager.Lease, vfs.EntryName, error) {
	p, err := a.m.Resolve(filename)
	if err != nil {
		return nil, vfs.EntryName{}, err
	}
	s, err := a.m.Controller(a.ctx, p.MountPoint())
	if err != nil {
		return nil, vfs.EntryName{}, err
	}
	return s, p.EntryName(), nil
}

func (a *Adapter) node(filename string) (vfs.Entry, error) {
	s, name, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}
	defer s.Release()
	return s.Node(a.ctx, name, 0)
}

func (a *Adapter) Create(filename string) (billy.File, error) {
	return a.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

func (a *Adapter) Open(filename string) (billy.File, error) {
	return a.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile opens a file for reading or for writing, never for both.
// Writing always replaces the content unless O_APPEND is set, and O_CREATE
// creates missing parent directories and archive files.
func (a *Adapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	s, name, err := a.resolve(filename)
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	f, err := a.open(s, filename, name, flag)
	if err != nil {
		s.Release()
		return nil, err
	}
	f.lease = s
	return f, nil
}

func (a *Adapter) open(s *manager.Lease, filename string, name vfs.EntryName, flag int) (*file, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		in := s.Input(0, name)
		if rc, err := in.Channel(a.ctx, nil); err == nil {
			return &file{name: filename, rc: rc}, nil
		} else if !errors.Is(err, common.ErrNotSupported) {
			return nil, pathError("open", filename, err)
		}
		r, err := in.Stream(a.ctx, nil)
		if err != nil {
			return nil, pathError("open", filename, err)
		}
		return &file{name: filename, r: r}, nil
	}

	var opts vfs.AccessOptions
	if flag&os.O_CREATE != 0 {
		opts |= vfs.CreateParents
	} else {
		e, err := s.Node(a.ctx, name, 0)
		if err != nil {
			return nil, pathError("open", filename, err)
		}
		if e == nil {
			return nil, pathError("open", filename, common.ErrNotFound)
		}
	}
	if flag&os.O_EXCL != 0 {
		opts |= vfs.Exclusive
	}
	if flag&os.O_APPEND != 0 {
		opts |= vfs.Append
	}
	w, err := s.Output(opts, name, nil).Stream(a.ctx, nil)
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	return &file{ctx: a.ctx, name: filename, w: w}, nil
}

func (a *Adapter) Stat(filename string) (os.FileInfo, error) {
	e, err := a.node(filename)
	if err != nil {
		return nil, pathError("stat", filename, err)
	}
	if e == nil {
		return nil, pathError("stat", filename, common.ErrNotFound)
	}
	return &fileInfo{name: path.Base(path.Clean("/" + filename)), e: e}, nil
}

// Lstat is Stat: symlinks are entries of their own in every file system.
func (a *Adapter) Lstat(filename string) (os.FileInfo, error) {
	return a.Stat(filename)
}

// Rename copies the file, then removes the source.
func (a *Adapter) Rename(oldpath, newpath string) error {
	from, fromName, err := a.resolve(oldpath)
	if err != nil {
		return pathError("rename", oldpath, err)
	}
	defer from.Release()
	to, toName, err := a.resolve(newpath)
	if err != nil {
		return pathError("rename", newpath, err)
	}
	defer to.Release()
	e, err := from.Node(a.ctx, fromName, 0)
	if err != nil {
		return pathError("rename", oldpath, err)
	}
	if e == nil {
		return pathError("rename", oldpath, common.ErrNotFound)
	}
	if e.Type() != vfs.FileType {
		return pathError("rename", oldpath, common.ErrNotFile)
	}
	if err := vfs.Copy(a.ctx, from.Input(0, fromName), to.Output(vfs.CreateParents, toName, e)); err != nil {
		return pathError("rename", newpath, err)
	}
	if err := from.Unlink(a.ctx, fromName, 0); err != nil {
		return pathError("rename", oldpath, err)
	}
	return nil
}

func (a *Adapter) Remove(filename string) error {
	s, name, err := a.resolve(filename)
	if err != nil {
		return pathError("remove", filename, err)
	}
	defer s.Release()
	if err := s.Unlink(a.ctx, name, 0); err != nil {
		return pathError("remove", filename, err)
	}
	return nil
}

func (a *Adapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (a *Adapter) TempFile(dir, prefix string) (billy.File, error) {
	return a.OpenFile(a.Join(dir, prefix+uuid.NewString()), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
}

func (a *Adapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	s, name, err := a.resolve(dirname)
	if err != nil {
		return nil, pathError("readdir", dirname, err)
	}
	defer s.Release()
	e, err := s.Node(a.ctx, name, 0)
	if err != nil {
		return nil, pathError("readdir", dirname, err)
	}
	if e == nil {
		return nil, pathError("readdir", dirname, common.ErrNotFound)
	}
	if e.Type() != vfs.DirectoryType {
		return nil, pathError("readdir", dirname, common.ErrNotDir)
	}

	members := slices.Clone(e.Members())
	slices.Sort(members)
	result := make([]os.FileInfo, 0, len(members))
	for _, m := range members {
		// Members are stat'ed through the manager so archive files show up
		// as directories.
		fi, err := a.Stat(path.Join(dirname, m))
		if err != nil {
			log.Debugf("[billyfs] skipping %s in %s: %v", m, dirname, err)
			continue
		}
		result = append(result, fi)
	}
	return result, nil
}

func (a *Adapter) MkdirAll(filename string, perm os.FileMode) error {
	s, name, err := a.resolve(filename)
	if err != nil {
		return pathError("mkdir", filename, err)
	}
	defer s.Release()
	err = s.Make(a.ctx, name, vfs.DirectoryType, vfs.CreateParents, nil)
	if errors.Is(err, common.ErrExists) {
		if fi, serr := a.Stat(filename); serr == nil && fi.IsDir() {
			return nil
		}
	}
	if err != nil {
		return pathError("mkdir", filename, err)
	}
	return nil
}

func (a *Adapter) Symlink(target, link string) error {
	return pathError("symlink", link, common.ErrNotSupported)
}

// Readlink returns the content of a symlink entry, which is its target.
func (a *Adapter) Readlink(link string) (string, error) {
	s, name, err := a.resolve(link)
	if err != nil {
		return "", pathError("readlink", link, err)
	}
	defer s.Release()
	e, err := s.Node(a.ctx, name, 0)
	if err != nil {
		return "", pathError("readlink", link, err)
	}
	if e == nil || e.Type() != vfs.SymlinkType {
		return "", pathError("readlink", link, os.ErrInvalid)
	}
	r, err := s.Input(0, name).Stream(a.ctx, nil)
	if err != nil {
		return "", pathError("readlink", link, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return "", pathError("readlink", link, err)
	}
	return string(b), nil
}

func (a *Adapter) Chroot(p string) (billy.Filesystem, error) {
	return chroot.New(a, p), nil
}

func (a *Adapter) Root() string {
	return "/"
}

// billy.Change interface
func (a *Adapter) Chmod(name string, mode os.FileMode) error {
	if mode&0200 != 0 {
		return nil
	}
	s, en, err := a.resolve(name)
	if err != nil {
		return pathError("chmod", name, err)
	}
	defer s.Release()
	if err := s.SetReadOnly(a.ctx, en); err != nil {
		return pathError("chmod", name, err)
	}
	return nil
}

func (a *Adapter) Lchown(name string, uid, gid int) error { return nil }
func (a *Adapter) Chown(name string, uid, gid int) error  { return nil }

func (a *Adapter) Chtimes(name string, atime, mtime time.Time) error {
	s, en, err := a.resolve(name)
	if err != nil {
		return pathError("chtimes", name, err)
	}
	defer s.Release()
	times := map[vfs.AccessType]time.Time{vfs.ReadAccess: atime, vfs.WriteAccess: mtime}
	if err := s.SetTime(a.ctx, en, times, 0); err != nil {
		return pathError("chtimes", name, err)
	}
	return nil
}

func (a *Adapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability | billy.SeekCapability
}

// pathError maps the errors of the file systems to the errors of package os
// so callers may test them with os.IsNotExist and friends.
func pathError(op, name string, err error) error {
	var mapped error
	switch {
	case errors.Is(err, common.ErrNotFound):
		mapped = os.ErrNotExist
	case errors.Is(err, common.ErrExists):
		mapped = os.ErrExist
	case errors.Is(err, common.ErrReadOnly):
		mapped = os.ErrPermission
	case errors.Is(err, common.ErrClosed):
		mapped = os.ErrClosed
	case errors.Is(err, common.ErrNotSupported):
		mapped = errors.ErrUnsupported
	}
	if mapped != nil {
		log.Debugf("[billyfs] %s %s: %v", op, name, err)
		err = mapped
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}

// file is an open entry. Exactly one of r, rc and w is set. The lease keeps
// the chain registered until the file is closed.
type file struct {
	ctx   context.Context
	name  string
	lease *manager.Lease
	r     io.ReadCloser
	rc    vfs.ReadChannel
	w     io.WriteCloser
}

func (f *file) Name() string {
	return f.name
}

func (f *file) Write(p []byte) (int, error) {
	if f.w == nil {
		return 0, pathError("write", f.name, os.ErrPermission)
	}
	return f.w.Write(p)
}

func (f *file) WriteAt(p []byte, off int64) (int, error) {
	return 0, pathError("write", f.name, common.ErrNotSupported)
}

func (f *file) Read(p []byte) (int, error) {
	switch {
	case f.rc != nil:
		return f.rc.Read(p)
	case f.r != nil:
		return f.r.Read(p)
	default:
		return 0, pathError("read", f.name, os.ErrPermission)
	}
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	if f.rc == nil {
		return 0, pathError("read", f.name, common.ErrNotSupported)
	}
	return f.rc.ReadAt(p, off)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	if f.rc == nil {
		return 0, pathError("seek", f.name, common.ErrNotSupported)
	}
	return f.rc.Seek(offset, whence)
}

func (f *file) Close() error {
	defer f.lease.Release()
	switch {
	case f.rc != nil:
		return f.rc.Close()
	case f.r != nil:
		return f.r.Close()
	default:
		if err := vfs.CloseContext(f.ctx, f.w); err != nil {
			return fmt.Errorf("failed to close %s: %w", f.name, err)
		}
		return nil
	}
}

func (f *file) Lock() error   { return nil }
func (f *file) Unlock() error { return nil }

// Truncate only supports truncating to the current write position, which
// is all that sequential writes allow.
func (f *file) Truncate(size int64) error {
	if f.w != nil && size == 0 {
		return nil
	}
	return pathError("truncate", f.name, common.ErrNotSupported)
}

type fileInfo struct {
	name string
	e    vfs.Entry
}

func (fi *fileInfo) Name() string { return fi.name }

func (fi *fileInfo) Size() int64 {
	if n := fi.e.Size(vfs.DataSize); n != vfs.UnknownSize {
		return n
	}
	return 0
}

func (fi *fileInfo) Mode() os.FileMode {
	switch fi.e.Type() {
	case vfs.DirectoryType:
		return os.ModeDir | 0755
	case vfs.SymlinkType:
		return os.ModeSymlink | 0777
	case vfs.SpecialType:
		return os.ModeIrregular | 0644
	default:
		return 0644
	}
}

func (fi *fileInfo) ModTime() time.Time { return fi.e.Time(vfs.WriteAccess) }
func (fi *fileInfo) IsDir() bool        { return fi.e.Type() == vfs.DirectoryType }

// Sys returns the underlying vfs.Entry.
func (fi *fileInfo) Sys() any { return fi.e }
