package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/lock"
	"fedfs/internal/metrics"
	"fedfs/internal/util"
	"fedfs/internal/vfs"
)

// LockController runs every operation of its delegate under the lock of the
// file system. Reads run read-locked and are retried write-locked on
// vfs.ErrNeedsWriteLock, mutations and all stream I/O run write-locked.
//
// An owner which already holds a lock only tries to acquire another one for
// a short time and fails with vfs.ErrNeedsLockRetry otherwise. The outermost
// acquisition catches that signal, backs off and retries the operation once
// every lock has been released.
type LockController struct {
	delegate vfs.Controller
	model    *LockModel
	cfg      Config
	metrics  *metrics.Metrics
}

var _ vfs.Controller = (*LockController)(nil)

// NewLockController decorates delegate with locking.
func NewLockController(delegate vfs.Controller, model *LockModel, cfg Config, m *metrics.Metrics) *LockController {
	return &LockController{delegate: delegate, model: model, cfg: cfg, metrics: m}
}

func (c *LockController) Model() *vfs.Model { return c.delegate.Model() }

func (c *LockController) Node(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) (vfs.Entry, error) {
	var e vfs.Entry
	err := c.locked(ctx, false, func(ctx context.Context) (err error) {
		e, err = c.delegate.Node(ctx, name, opts)
		return err
	})
	return e, err
}

func (c *LockController) CheckAccess(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions, types vfs.AccessType) error {
	return c.locked(ctx, false, func(ctx context.Context) error {
		return c.delegate.CheckAccess(ctx, name, opts, types)
	})
}

func (c *LockController) SetReadOnly(ctx context.Context, name vfs.EntryName) error {
	return c.locked(ctx, true, func(ctx context.Context) error {
		return c.delegate.SetReadOnly(ctx, name)
	})
}

func (c *LockController) SetTime(ctx context.Context, name vfs.EntryName, times map[vfs.AccessType]time.Time, opts vfs.AccessOptions) error {
	return c.locked(ctx, true, func(ctx context.Context) error {
		return c.delegate.SetTime(ctx, name, times, opts)
	})
}

func (c *LockController) Input(opts vfs.AccessOptions, name vfs.EntryName) vfs.InputSocket {
	return &lockedInput{c: c, socket: c.delegate.Input(opts, name)}
}

func (c *LockController) Output(opts vfs.AccessOptions, name vfs.EntryName, template vfs.Entry) vfs.OutputSocket {
	return &lockedOutput{c: c, socket: c.delegate.Output(opts, name, template)}
}

func (c *LockController) Make(ctx context.Context, name vfs.EntryName, typ vfs.EntryType, opts vfs.AccessOptions, template vfs.Entry) error {
	return c.locked(ctx, true, func(ctx context.Context) error {
		return c.delegate.Make(ctx, name, typ, opts, template)
	})
}

func (c *LockController) Unlink(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) error {
	return c.locked(ctx, true, func(ctx context.Context) error {
		return c.delegate.Unlink(ctx, name, opts)
	})
}

func (c *LockController) Sync(ctx context.Context, opts vfs.SyncOptions) error {
	return c.locked(ctx, true, func(ctx context.Context) error {
		return c.delegate.Sync(ctx, opts)
	})
}

// locked runs op holding the read or write lock for the owner carried by
// ctx.
func (c *LockController) locked(ctx context.Context, write bool, op func(context.Context) error) error {
	ctx, o := vfs.EnsureOwner(ctx)
	if o.Held() > 0 {
		return c.nested(ctx, o, write, op)
	}
	return retry.Do(func() error {
		return c.outermost(ctx, o, write, op)
	}, util.LockRetryOptions(ctx, c.cfg.LockRetryMinDelay, c.cfg.LockRetryMaxDelay, c.retryIf)...)
}

func (c *LockController) retryIf(err error) bool {
	if !errors.Is(err, vfs.ErrNeedsLockRetry) {
		return false
	}
	log.Debugf("[LockController] %s: retrying after lock contention", c.model.MountPoint())
	c.metrics.LockRetry()
	return true
}

// outermost blocks until the lock is available. The owner holds no other
// lock, so it cannot be part of a deadlock cycle.
func (c *LockController) outermost(ctx context.Context, o *lock.Owner, write bool, op func(context.Context) error) error {
	l := c.model.Lock()
	if !write {
		if err := l.RLock(ctx, o); err != nil {
			return err
		}
		err := op(ctx)
		l.RUnlock(o)
		if !errors.Is(err, vfs.ErrNeedsWriteLock) {
			return err
		}
	}
	if err := l.Lock(ctx, o); err != nil {
		return err
	}
	defer l.Unlock(o)
	return op(ctx)
}

// nested only tries to acquire the lock because the owner holds another
// lock already.
func (c *LockController) nested(ctx context.Context, o *lock.Owner, write bool, op func(context.Context) error) error {
	l := c.model.Lock()
	if !write {
		ok, err := l.TryRLock(ctx, o, c.cfg.NestedLockTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return vfs.ErrNeedsLockRetry
		}
		err = op(ctx)
		l.RUnlock(o)
		if !errors.Is(err, vfs.ErrNeedsWriteLock) {
			return err
		}
	}
	ok, err := l.TryLock(ctx, o, c.cfg.NestedLockTimeout)
	switch {
	case errors.Is(err, lock.ErrUpgrade):
		return vfs.ErrNeedsLockRetry
	case err != nil:
		return err
	case !ok:
		return vfs.ErrNeedsLockRetry
	}
	defer l.Unlock(o)
	return op(ctx)
}

// io runs one stream or channel call write-locked under a transient owner.
// The owner of ctx is not reused: it is the owner which opened the stream,
// not necessarily the one calling now.
func (c *LockController) io(ctx context.Context, op func(context.Context) error) error {
	return c.locked(vfs.WithOwner(ctx, lock.NewOwner()), true, op)
}

type lockedInput struct {
	c      *LockController
	socket vfs.InputSocket
}

func (s *lockedInput) Target(ctx context.Context) (vfs.Entry, error) {
	var e vfs.Entry
	err := s.c.locked(ctx, false, func(ctx context.Context) (err error) {
		e, err = s.socket.Target(ctx)
		return err
	})
	return e, err
}

func (s *lockedInput) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := s.c.locked(ctx, true, func(ctx context.Context) (err error) {
		r, err = s.socket.Stream(ctx, peer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &lockedReader{lockedCloser{c: s.c, ctx: context.WithoutCancel(ctx), closer: r}, r}, nil
}

func (s *lockedInput) Channel(ctx context.Context, peer vfs.OutputSocket) (vfs.ReadChannel, error) {
	var ch vfs.ReadChannel
	err := s.c.locked(ctx, true, func(ctx context.Context) (err error) {
		ch, err = s.socket.Channel(ctx, peer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &lockedReadChannel{lockedCloser{c: s.c, ctx: context.WithoutCancel(ctx), closer: ch}, ch}, nil
}

type lockedOutput struct {
	c      *LockController
	socket vfs.OutputSocket
}

func (s *lockedOutput) Target(ctx context.Context) (vfs.Entry, error) {
	var e vfs.Entry
	err := s.c.locked(ctx, false, func(ctx context.Context) (err error) {
		e, err = s.socket.Target(ctx)
		return err
	})
	return e, err
}

func (s *lockedOutput) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	var w io.WriteCloser
	err := s.c.locked(ctx, true, func(ctx context.Context) (err error) {
		w, err = s.socket.Stream(ctx, peer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &lockedWriter{lockedCloser{c: s.c, ctx: context.WithoutCancel(ctx), closer: w}, w}, nil
}

func (s *lockedOutput) Channel(ctx context.Context, peer vfs.InputSocket) (vfs.WriteChannel, error) {
	var ch vfs.WriteChannel
	err := s.c.locked(ctx, true, func(ctx context.Context) (err error) {
		ch, err = s.socket.Channel(ctx, peer)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &lockedWriteChannel{lockedCloser{c: s.c, ctx: context.WithoutCancel(ctx), closer: ch}, ch}, nil
}

// lockedCloser closes and aborts a stream under the lock. Closing may run
// file system operations, so it must be safe to retry.
type lockedCloser struct {
	c      *LockController
	ctx    context.Context
	closer io.Closer
}

func (l *lockedCloser) Close() error {
	return l.CloseContext(l.ctx)
}

func (l *lockedCloser) CloseContext(ctx context.Context) error {
	err := l.c.io(ctx, func(ctx context.Context) error {
		return vfs.CloseContext(ctx, l.closer)
	})
	if err != nil && !vfs.IsControlFlow(err) {
		return fmt.Errorf("failed to close %s stream: %w", l.c.model.MountPoint(), err)
	}
	return err
}

func (l *lockedCloser) Abort() error {
	return l.c.io(l.ctx, func(context.Context) error {
		return vfs.Abort(l.closer)
	})
}

type lockedReader struct {
	lockedCloser
	r io.Reader
}

func (l *lockedReader) Read(p []byte) (n int, err error) {
	err = l.c.io(l.ctx, func(context.Context) (err error) {
		n, err = l.r.Read(p)
		return err
	})
	return n, err
}

type lockedWriter struct {
	lockedCloser
	w io.Writer
}

func (l *lockedWriter) Write(p []byte) (n int, err error) {
	err = l.c.io(l.ctx, func(context.Context) (err error) {
		n, err = l.w.Write(p)
		return err
	})
	return n, err
}

type lockedReadChannel struct {
	lockedCloser
	ch vfs.ReadChannel
}

func (l *lockedReadChannel) Read(p []byte) (n int, err error) {
	err = l.c.io(l.ctx, func(context.Context) (err error) {
		n, err = l.ch.Read(p)
		return err
	})
	return n, err
}

func (l *lockedReadChannel) ReadAt(p []byte, off int64) (n int, err error) {
	err = l.c.io(l.ctx, func(context.Context) (err error) {
		n, err = l.ch.ReadAt(p, off)
		return err
	})
	return n, err
}

func (l *lockedReadChannel) Seek(offset int64, whence int) (pos int64, err error) {
	err = l.c.io(l.ctx, func(context.Context) (err error) {
		pos, err = l.ch.Seek(offset, whence)
		return err
	})
	return pos, err
}

func (l *lockedReadChannel) Size() (n int64) {
	if err := l.c.io(l.ctx, func(context.Context) error {
		n = l.ch.Size()
		return nil
	}); err != nil {
		return vfs.UnknownSize
	}
	return n
}

type lockedWriteChannel struct {
	lockedCloser
	ch vfs.WriteChannel
}

func (l *lockedWriteChannel) Write(p []byte) (n int, err error) {
	err = l.c.io(l.ctx, func(context.Context) (err error) {
		n, err = l.ch.Write(p)
		return err
	})
	return n, err
}

func (l *lockedWriteChannel) WriteAt(p []byte, off int64) (n int, err error) {
	err = l.c.io(l.ctx, func(context.Context) (err error) {
		n, err = l.ch.WriteAt(p, off)
		return err
	})
	return n, err
}

func (l *lockedWriteChannel) Seek(offset int64, whence int) (pos int64, err error) {
	err = l.c.io(l.ctx, func(context.Context) (err error) {
		pos, err = l.ch.Seek(offset, whence)
		return err
	})
	return pos, err
}

func (l *lockedWriteChannel) Size() (n int64) {
	if err := l.c.io(l.ctx, func(context.Context) error {
		n = l.ch.Size()
		return nil
	}); err != nil {
		return vfs.UnknownSize
	}
	return n
}
