package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"fedfs/internal/metrics"
	"fedfs/internal/vfs"
)

// SyncController syncs the file system and retries whenever an operation
// signals vfs.ErrNeedsSync. It is the outermost layer of every chain.
type SyncController struct {
	delegate vfs.Controller
	cfg      Config
	metrics  *metrics.Metrics
}

var _ vfs.Controller = (*SyncController)(nil)

// NewSyncController decorates delegate with sync-and-retry.
func NewSyncController(delegate vfs.Controller, cfg Config, m *metrics.Metrics) *SyncController {
	return &SyncController{delegate: delegate, cfg: cfg, metrics: m}
}

func (c *SyncController) Model() *vfs.Model { return c.delegate.Model() }

func (c *SyncController) Node(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) (vfs.Entry, error) {
	var e vfs.Entry
	err := c.call(ctx, func(ctx context.Context) (err error) {
		e, err = c.delegate.Node(ctx, name, opts)
		return err
	})
	return e, err
}

func (c *SyncController) CheckAccess(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions, types vfs.AccessType) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.delegate.CheckAccess(ctx, name, opts, types)
	})
}

func (c *SyncController) SetReadOnly(ctx context.Context, name vfs.EntryName) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.delegate.SetReadOnly(ctx, name)
	})
}

func (c *SyncController) SetTime(ctx context.Context, name vfs.EntryName, times map[vfs.AccessType]time.Time, opts vfs.AccessOptions) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.delegate.SetTime(ctx, name, times, opts)
	})
}

func (c *SyncController) Input(opts vfs.AccessOptions, name vfs.EntryName) vfs.InputSocket {
	return &syncInput{c: c, socket: c.delegate.Input(opts, name)}
}

func (c *SyncController) Output(opts vfs.AccessOptions, name vfs.EntryName, template vfs.Entry) vfs.OutputSocket {
	return &syncOutput{c: c, socket: c.delegate.Output(opts, name, template)}
}

func (c *SyncController) Make(ctx context.Context, name vfs.EntryName, typ vfs.EntryType, opts vfs.AccessOptions, template vfs.Entry) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.delegate.Make(ctx, name, typ, opts, template)
	})
}

func (c *SyncController) Unlink(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) error {
	return c.call(ctx, func(ctx context.Context) error {
		return c.delegate.Unlink(ctx, name, opts)
	})
}

func (c *SyncController) Sync(ctx context.Context, opts vfs.SyncOptions) error {
	ctx, _ = vfs.EnsureOwner(ctx)
	return c.delegate.Sync(ctx, opts)
}

// call runs op, syncing before every retry. The sync waits for the streams
// of other owners to close unless the owner holds a lock already, which
// would make it wait for itself.
func (c *SyncController) call(ctx context.Context, op func(context.Context) error) error {
	ctx, o := vfs.EnsureOwner(ctx)
	mp := c.Model().MountPoint()
	for syncs := 0; ; syncs++ {
		err := op(ctx)
		if !errors.Is(err, vfs.ErrNeedsSync) {
			return err
		}
		if c.cfg.SyncRetryLimit > 0 && syncs >= c.cfg.SyncRetryLimit {
			return fmt.Errorf("%s: still needs sync after %d syncs: %v", mp, syncs, err)
		}

		opts := vfs.SyncWait
		if o.Held() > 0 {
			opts = 0
		}
		log.Debugf("[SyncController] %s: syncing with %v before retry", mp, opts)
		c.metrics.SyncRetry()
		if serr := c.delegate.Sync(ctx, opts); serr != nil {
			if vfs.IsControlFlow(serr) {
				return serr
			}
			if !vfs.IsWarningOnly(serr) {
				return vfs.Suppress(serr, err)
			}
			log.Warnf("[SyncController] %s: %v", mp, serr)
		}
	}
}

type syncInput struct {
	c      *SyncController
	socket vfs.InputSocket
}

func (s *syncInput) Target(ctx context.Context) (vfs.Entry, error) {
	var e vfs.Entry
	err := s.c.call(ctx, func(ctx context.Context) (err error) {
		e, err = s.socket.Target(ctx)
		return err
	})
	return e, err
}

func (s *syncInput) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := s.c.call(ctx, func(ctx context.Context) (err error) {
		r, err = s.socket.Stream(ctx, peer)
		return err
	})
	return r, err
}

func (s *syncInput) Channel(ctx context.Context, peer vfs.OutputSocket) (vfs.ReadChannel, error) {
	var ch vfs.ReadChannel
	err := s.c.call(ctx, func(ctx context.Context) (err error) {
		ch, err = s.socket.Channel(ctx, peer)
		return err
	})
	return ch, err
}

type syncOutput struct {
	c      *SyncController
	socket vfs.OutputSocket
}

func (s *syncOutput) Target(ctx context.Context) (vfs.Entry, error) {
	var e vfs.Entry
	err := s.c.call(ctx, func(ctx context.Context) (err error) {
		e, err = s.socket.Target(ctx)
		return err
	})
	return e, err
}

func (s *syncOutput) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	var w io.WriteCloser
	err := s.c.call(ctx, func(ctx context.Context) (err error) {
		w, err = s.socket.Stream(ctx, peer)
		return err
	})
	return w, err
}

func (s *syncOutput) Channel(ctx context.Context, peer vfs.InputSocket) (vfs.WriteChannel, error) {
	var ch vfs.WriteChannel
	err := s.c.call(ctx, func(ctx context.Context) (err error) {
		ch, err = s.socket.Channel(ctx, peer)
		return err
	})
	return ch, err
}
