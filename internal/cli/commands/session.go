package commands

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/billyfs"
	"fedfs/internal/config"
	"fedfs/internal/controller"
	"fedfs/internal/driver"
	"fedfs/internal/manager"
	"fedfs/internal/metrics"
	"fedfs/internal/util"
	"fedfs/internal/vfs"
)

// lockTimeout bounds the wait for other fedfs processes.
const lockTimeout = 30 * time.Second

// session is one manager over the host directory, held exclusively by this
// process until closed.
type session struct {
	root string
	lock *flock.Flock
	m    *manager.Manager
	fs   *billyfs.Adapter
}

func openSession(ctx context.Context) (*session, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	fl := flock.New(config.LockPath())
	err = util.PollUntil(ctx, util.PollConfig{Timeout: lockTimeout, Interval: 25 * time.Millisecond}, fl.TryLock)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("another fedfs process holds %s: %w", config.LockPath(), err)
	case err != nil:
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	p, err := cfg.NewPool()
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	reg, err := driver.NewRegistry(p, cfg.Suffixes)
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	b := &controller.Builder{Pool: p, Config: cfg.Controller(), Metrics: metrics.New()}
	mgr := manager.New(b, reg, map[string]billy.Filesystem{manager.DefaultScheme: osfs.New(root)})
	log.Debugf("[CLI] session over %s, suffixes %v", root, reg.Suffixes())
	return &session{
		root: root,
		lock: fl,
		m:    mgr,
		fs:   billyfs.New(ctx, mgr),
	}, nil
}

// path maps a host path to a path of the manager.
func (s *session) path(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside of %s", arg, s.root)
	}
	return path.Clean("/" + filepath.ToSlash(rel)), nil
}

// entry resolves a host path to its leased chain and entry name. The lease
// must be released.
func (s *session) entry(ctx context.Context, arg string) (*manager.Lease, vfs.EntryName, error) {
	p, err := s.path(arg)
	if err != nil {
		return nil, vfs.EntryName{}, err
	}
	fp, err := s.m.Resolve(p)
	if err != nil {
		return nil, vfs.EntryName{}, err
	}
	c, err := s.m.Controller(ctx, fp.MountPoint())
	if err != nil {
		return nil, vfs.EntryName{}, err
	}
	return c, fp.EntryName(), nil
}

// close syncs all file systems with opts and releases the lock. A sync
// with warnings only is logged, not returned.
func (s *session) close(ctx context.Context, opts vfs.SyncOptions) error {
	err := s.m.Sync(ctx, opts)
	if err != nil && vfs.IsWarningOnly(err) {
		log.Warnf("[CLI] %v", err)
		err = nil
	}
	if uerr := s.lock.Unlock(); uerr != nil {
		err = errors.Join(err, fmt.Errorf("failed to release lock: %w", uerr))
	}
	return err
}

// withSession runs fn in a fresh session, then commits all changes.
func withSession(ctx context.Context, fn func(s *session) error) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	runErr := fn(s)
	return errors.Join(runErr, s.close(ctx, vfs.SyncUmount))
}
