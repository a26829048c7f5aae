// Package manager keeps the controller chains of all mounted file systems:
// one host chain per host scheme and one archive chain per archive file,
// each linked to the chain of its parent.
package manager

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/common"
	"fedfs/internal/controller"
	"fedfs/internal/driver"
	"fedfs/internal/hostfs"
	"fedfs/internal/vfs"
)

// DefaultScheme is the host scheme of paths without a scheme.
const DefaultScheme = "file"

// link is a registry entry. Its children are the archive chains whose
// archive file lives in this file system. A link is pinned while it has
// children, unreleased leases or a touched model.
type link struct {
	stack    *controller.Stack
	parent   *link
	children int
	refs     int
	touched  bool
	unlisten func()
}

func (l *link) pinned() bool {
	return l.children > 0 || l.refs > 0 || l.touched
}

// Lease is a reference to a controller chain. The chain stays registered
// until the lease is released, so everything written through it is synced
// by the manager.
type Lease struct {
	*controller.Stack
	m        *Manager
	l        *link
	released atomic.Bool
}

// Release drops the reference. It is safe to call more than once.
func (ls *Lease) Release() {
	if !ls.released.CompareAndSwap(false, true) {
		return
	}
	ls.m.mu.Lock()
	ls.l.refs--
	ls.m.mu.Unlock()
}

// Manager creates controller chains on demand and syncs them all at once.
type Manager struct {
	builder *controller.Builder
	drivers *driver.Registry
	hosts   map[string]billy.Filesystem

	mu    sync.Mutex
	links map[vfs.MountPoint]*link // GUARDED_BY(mu)

	// synced, if set, observes every synced mount point in order.
	synced func(mp vfs.MountPoint)
}

// New returns a manager serving the given host file systems by scheme.
func New(b *controller.Builder, drivers *driver.Registry, hosts map[string]billy.Filesystem) *Manager {
	return &Manager{
		builder: b,
		drivers: drivers,
		hosts:   hosts,
		links:   make(map[vfs.MountPoint]*link),
	}
}

// Len returns the number of live chains.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Controller leases the chain of the file system mounted at mp, creating it
// and the chains of its parents if needed. The caller must release the lease
// when done with the chain.
func (m *Manager) Controller(_ context.Context, mp vfs.MountPoint) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.linkLocked(mp)
	if err != nil {
		return nil, err
	}
	l.refs++
	return &Lease{Stack: l.stack, m: m, l: l}, nil
}

func (m *Manager) linkLocked(mp vfs.MountPoint) (*link, error) {
	if l, ok := m.links[mp]; ok {
		return l, nil
	}

	var l *link
	if !mp.IsOpaque() {
		fs, ok := m.hosts[mp.Scheme()]
		if !ok || mp.String() != mp.Scheme()+":"+vfs.Separator {
			return nil, fmt.Errorf("no host file system at %s: %w", mp, common.ErrNotFound)
		}
		model, err := vfs.NewModel(mp, nil)
		if err != nil {
			return nil, err
		}
		target, err := hostfs.New(model, fs)
		if err != nil {
			return nil, err
		}
		stack, err := m.builder.Host(target, controller.NewLockModel(model))
		if err != nil {
			return nil, err
		}
		l = &link{stack: stack}
	} else {
		d, ok := m.drivers.Lookup(mp.Scheme())
		if !ok {
			return nil, fmt.Errorf("no archive driver for scheme %q of %s: %w", mp.Scheme(), mp, common.ErrNotSupported)
		}
		pmp, _ := mp.Parent()
		parent, err := m.linkLocked(pmp)
		if err != nil {
			return nil, err
		}
		model, err := vfs.NewModel(mp, parent.stack.Model())
		if err != nil {
			return nil, err
		}
		stack, err := m.builder.Archive(controller.NewLockModel(model), parent.stack, d)
		if err != nil {
			return nil, err
		}
		l = &link{stack: stack, parent: parent}
		parent.children++
	}

	// Notifications run outside the model mutex and may race, so the
	// listener reads the current flag. No chain operation runs under mu.
	l.unlisten = l.stack.Model().AddTouchListener(func(model *vfs.Model, _ bool) {
		m.mu.Lock()
		l.touched = model.IsTouched()
		m.mu.Unlock()
	})
	m.links[mp] = l
	m.builder.Metrics.SetControllers(len(m.links))
	log.Debugf("[Manager] created controller chain for %s", mp)
	return l, nil
}

// Resolve maps a slash separated path to the path of its entry in the
// innermost archive file system, e.g. "/a.zip/b.tar.gz/c" to "c" in
// "tar.gz:zip:file:/a.zip!/b.tar.gz!/". A path without a scheme addresses
// the DefaultScheme host. An archive file resolves to the root of its file
// system.
func (m *Manager) Resolve(p string) (vfs.Path, error) {
	scheme := DefaultScheme
	if s, rest, ok := strings.Cut(p, ":"); ok && !strings.Contains(s, vfs.Separator) {
		scheme, p = s, rest
	}
	if _, ok := m.hosts[scheme]; !ok {
		return vfs.Path{}, fmt.Errorf("no host file system for scheme %q: %w", scheme, common.ErrNotFound)
	}
	mp, err := vfs.ParseMountPoint(scheme + ":" + vfs.Separator)
	if err != nil {
		return vfs.Path{}, err
	}

	var segments []string
	for _, seg := range strings.Split(strings.Trim(path.Clean(vfs.Separator+p), vfs.Separator), vfs.Separator) {
		if seg == "" {
			continue
		}
		segments = append(segments, seg)
		suffix, ok := m.drivers.Detect(seg)
		if !ok {
			continue
		}
		name, err := vfs.ParseEntryName(strings.Join(segments, vfs.Separator))
		if err != nil {
			return vfs.Path{}, err
		}
		if mp, err = vfs.NewMountPoint(suffix, vfs.NewPath(mp, name)); err != nil {
			return vfs.Path{}, err
		}
		segments = segments[:0]
	}
	name, err := vfs.ParseEntryName(strings.Join(segments, vfs.Separator))
	if err != nil {
		return vfs.Path{}, err
	}
	return vfs.NewPath(mp, name), nil
}

// Sync syncs every chain, archives before the file systems containing them,
// and aggregates all issues into one *vfs.SyncError. With CLEAR_CACHE, the
// chains which are not pinned are dropped afterwards.
func (m *Manager) Sync(ctx context.Context, opts vfs.SyncOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	start := time.Now()
	ctx, _ = vfs.EnsureOwner(ctx)

	var b vfs.SyncErrorBuilder
	for _, l := range m.ordered() {
		mp := l.stack.Model().MountPoint()
		if m.synced != nil {
			m.synced(mp)
		}
		if err := l.stack.Sync(ctx, opts); err != nil {
			b.Add(mp, err)
		}
	}
	if opts.Has(vfs.ClearCache) {
		m.reclaim()
	}

	err := b.Check()
	m.builder.Metrics.ObserveSync(time.Since(start))
	switch {
	case err == nil:
		m.builder.Metrics.Synced("ok")
	case vfs.IsWarningOnly(err):
		m.builder.Metrics.Synced("warning")
		log.Warnf("[Manager] sync completed with warnings: %v", err)
	default:
		m.builder.Metrics.Synced("failure")
	}
	return err
}

// Shutdown commits all changes and releases all resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.Sync(ctx, vfs.SyncUmount)
}

// ordered returns the links in reverse order of their hierarchical mount
// points, so members come before the file systems containing them.
func (m *Manager) ordered() []*link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].stack.Model().MountPoint().Hierarchical() > out[j].stack.Model().MountPoint().Hierarchical()
	})
	return out
}

// reclaim drops the links which are not pinned, innermost first so a parent
// may follow its last child in the same pass.
func (m *Manager) reclaim() {
	ordered := m.ordered()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range ordered {
		if l.pinned() {
			continue
		}
		mp := l.stack.Model().MountPoint()
		l.unlisten()
		delete(m.links, mp)
		if l.parent != nil {
			l.parent.children--
		}
		m.builder.Metrics.ForgetMountPoint(mp.String())
		log.Debugf("[Manager] dropped controller chain for %s", mp)
	}
	m.builder.Metrics.SetControllers(len(m.links))
}
