package controller

import (
	"context"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fedfs/internal/metrics"
	"fedfs/internal/vfs"
)

// FalsePositiveController falls back to the parent file system whenever its
// delegate signals that the archive file is a false positive. The same entry
// is then addressed in the parent, relative to the archive file. A persistent
// false positive routes every further operation to the parent until the next
// successful sync.
type FalsePositiveController struct {
	delegate vfs.Controller
	parent   vfs.Controller
	name     vfs.EntryName // of the archive file in the parent
	metrics  *metrics.Metrics

	mu        sync.Mutex
	useParent bool // GUARDED_BY(mu)
}

var _ vfs.Controller = (*FalsePositiveController)(nil)

// NewFalsePositiveController decorates delegate, the controller of the
// archive file named name in parent.
func NewFalsePositiveController(delegate, parent vfs.Controller, name vfs.EntryName, m *metrics.Metrics) *FalsePositiveController {
	return &FalsePositiveController{delegate: delegate, parent: parent, name: name, metrics: m}
}

func (c *FalsePositiveController) Model() *vfs.Model { return c.delegate.Model() }

func (c *FalsePositiveController) Node(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) (vfs.Entry, error) {
	var e vfs.Entry
	err := c.call(ctx, name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) (err error) {
		e, err = ctrl.Node(ctx, name, opts)
		return err
	})
	return e, err
}

func (c *FalsePositiveController) CheckAccess(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions, types vfs.AccessType) error {
	return c.call(ctx, name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) error {
		return ctrl.CheckAccess(ctx, name, opts, types)
	})
}

func (c *FalsePositiveController) SetReadOnly(ctx context.Context, name vfs.EntryName) error {
	return c.call(ctx, name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) error {
		return ctrl.SetReadOnly(ctx, name)
	})
}

func (c *FalsePositiveController) SetTime(ctx context.Context, name vfs.EntryName, times map[vfs.AccessType]time.Time, opts vfs.AccessOptions) error {
	return c.call(ctx, name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) error {
		return ctrl.SetTime(ctx, name, times, opts)
	})
}

func (c *FalsePositiveController) Input(opts vfs.AccessOptions, name vfs.EntryName) vfs.InputSocket {
	return &fpInput{c: c, opts: opts, name: name}
}

func (c *FalsePositiveController) Output(opts vfs.AccessOptions, name vfs.EntryName, template vfs.Entry) vfs.OutputSocket {
	return &fpOutput{c: c, opts: opts, name: name, template: template}
}

func (c *FalsePositiveController) Make(ctx context.Context, name vfs.EntryName, typ vfs.EntryType, opts vfs.AccessOptions, template vfs.Entry) error {
	return c.call(ctx, name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) error {
		return ctrl.Make(ctx, name, typ, opts, template)
	})
}

func (c *FalsePositiveController) Unlink(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) error {
	return c.call(ctx, name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) error {
		return ctrl.Unlink(ctx, name, opts)
	})
}

// Sync syncs the delegate only. A sync which commits, possibly with
// warnings, clears the fallback state.
func (c *FalsePositiveController) Sync(ctx context.Context, opts vfs.SyncOptions) error {
	err := c.delegate.Sync(ctx, opts)
	if err == nil || vfs.IsWarningOnly(err) {
		c.mu.Lock()
		c.useParent = false
		c.mu.Unlock()
	}
	return err
}

func (c *FalsePositiveController) usingParent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useParent
}

// call runs op against the delegate and, on a false positive, against the
// parent. If the parent fails too, the cause of the false positive is
// returned with the parent's error attached.
func (c *FalsePositiveController) call(ctx context.Context, name vfs.EntryName, op func(context.Context, vfs.Controller, vfs.EntryName) error) error {
	if c.usingParent() {
		return op(ctx, c.parent, c.name.Resolve(name))
	}
	err := op(ctx, c.delegate, name)
	fp, ok := vfs.AsFalsePositive(err)
	if !ok {
		return err
	}
	c.metrics.FalsePositive(fp.Persistent)
	if fp.Persistent {
		log.Debugf("[FalsePositiveController] %s: using parent until next sync: %v", c.Model().MountPoint(), fp.Cause)
		c.mu.Lock()
		c.useParent = true
		c.mu.Unlock()
	}

	perr := op(ctx, c.parent, c.name.Resolve(name))
	if perr == nil || vfs.IsControlFlow(perr) {
		return perr
	}
	if fp.Cause == nil {
		return perr
	}
	return vfs.Suppress(fp.Cause, perr)
}

type fpInput struct {
	c    *FalsePositiveController
	opts vfs.AccessOptions
	name vfs.EntryName
}

func (s *fpInput) socket(ctrl vfs.Controller, name vfs.EntryName) vfs.InputSocket {
	return ctrl.Input(s.opts, name)
}

func (s *fpInput) Target(ctx context.Context) (vfs.Entry, error) {
	var e vfs.Entry
	err := s.c.call(ctx, s.name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) (err error) {
		e, err = s.socket(ctrl, name).Target(ctx)
		return err
	})
	return e, err
}

func (s *fpInput) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	var r io.ReadCloser
	err := s.c.call(ctx, s.name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) (err error) {
		r, err = s.socket(ctrl, name).Stream(ctx, peer)
		return err
	})
	return r, err
}

func (s *fpInput) Channel(ctx context.Context, peer vfs.OutputSocket) (vfs.ReadChannel, error) {
	var ch vfs.ReadChannel
	err := s.c.call(ctx, s.name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) (err error) {
		ch, err = s.socket(ctrl, name).Channel(ctx, peer)
		return err
	})
	return ch, err
}

type fpOutput struct {
	c        *FalsePositiveController
	opts     vfs.AccessOptions
	name     vfs.EntryName
	template vfs.Entry
}

func (s *fpOutput) socket(ctrl vfs.Controller, name vfs.EntryName) vfs.OutputSocket {
	return ctrl.Output(s.opts, name, s.template)
}

func (s *fpOutput) Target(ctx context.Context) (vfs.Entry, error) {
	var e vfs.Entry
	err := s.c.call(ctx, s.name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) (err error) {
		e, err = s.socket(ctrl, name).Target(ctx)
		return err
	})
	return e, err
}

func (s *fpOutput) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	var w io.WriteCloser
	err := s.c.call(ctx, s.name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) (err error) {
		w, err = s.socket(ctrl, name).Stream(ctx, peer)
		return err
	})
	return w, err
}

func (s *fpOutput) Channel(ctx context.Context, peer vfs.InputSocket) (vfs.WriteChannel, error) {
	var ch vfs.WriteChannel
	err := s.c.call(ctx, s.name, func(ctx context.Context, ctrl vfs.Controller, name vfs.EntryName) (err error) {
		ch, err = s.socket(ctrl, name).Channel(ctx, peer)
		return err
	})
	return ch, err
}
