package controller

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"fedfs/internal/cache"
	"fedfs/internal/common"
	"fedfs/internal/metrics"
	"fedfs/internal/pool"
	"fedfs/internal/vfs"
)

// CacheController buffers the content of entries accessed with the CACHE
// option in pool buffers. Cached reads fill the buffer on first access,
// cached writes reach the delegate when the file system is synced.
type CacheController struct {
	delegate vfs.Controller
	model    *LockModel
	pool     *pool.Pool
	strategy cache.Strategy
	metrics  *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*cache.Entry // GUARDED_BY(mu)
}

var _ vfs.Controller = (*CacheController)(nil)

// NewCacheController decorates delegate with a content cache.
func NewCacheController(delegate vfs.Controller, model *LockModel, p *pool.Pool, cfg Config, m *metrics.Metrics) *CacheController {
	return &CacheController{
		delegate: delegate,
		model:    model,
		pool:     p,
		strategy: cfg.CacheStrategy,
		metrics:  m,
		entries:  make(map[string]*cache.Entry),
	}
}

func (c *CacheController) Model() *vfs.Model { return c.delegate.Model() }

func (c *CacheController) Node(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) (vfs.Entry, error) {
	return c.delegate.Node(ctx, name, opts)
}

func (c *CacheController) CheckAccess(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions, types vfs.AccessType) error {
	return c.delegate.CheckAccess(ctx, name, opts, types)
}

func (c *CacheController) SetReadOnly(ctx context.Context, name vfs.EntryName) error {
	return c.delegate.SetReadOnly(ctx, name)
}

func (c *CacheController) SetTime(ctx context.Context, name vfs.EntryName, times map[vfs.AccessType]time.Time, opts vfs.AccessOptions) error {
	return c.delegate.SetTime(ctx, name, times, opts)
}

func (c *CacheController) Input(opts vfs.AccessOptions, name vfs.EntryName) vfs.InputSocket {
	if !c.caching(opts) {
		return c.delegate.Input(opts, name)
	}
	return &cacheInput{c: c, opts: opts.Clear(vfs.Cache), name: name}
}

func (c *CacheController) Output(opts vfs.AccessOptions, name vfs.EntryName, template vfs.Entry) vfs.OutputSocket {
	if !c.caching(opts) {
		return c.delegate.Output(opts, name, template)
	}
	return &cacheOutput{c: c, opts: opts.Clear(vfs.Cache), name: name, template: template}
}

// Make invalidates the cached content of the entry after delegating.
func (c *CacheController) Make(ctx context.Context, name vfs.EntryName, typ vfs.EntryType, opts vfs.AccessOptions, template vfs.Entry) error {
	if err := c.delegate.Make(ctx, name, typ, opts, template); err != nil {
		return err
	}
	c.invalidate(name)
	return nil
}

// Unlink invalidates the cached content of the entry after delegating.
func (c *CacheController) Unlink(ctx context.Context, name vfs.EntryName, opts vfs.AccessOptions) error {
	if err := c.delegate.Unlink(ctx, name, opts); err != nil {
		return err
	}
	c.invalidate(name)
	return nil
}

// Sync flushes all dirty entries unless changes are aborted, then releases
// every entry which holds no unflushed content and syncs the delegate.
// Flush failures are fatal and keep the entry, release failures are
// warnings.
func (c *CacheController) Sync(ctx context.Context, opts vfs.SyncOptions) error {
	mp := c.model.MountPoint()
	var b vfs.SyncErrorBuilder

	names, entries := c.snapshot()
	if !opts.Has(vfs.AbortChanges) {
		for i, e := range entries {
			dirty := e.Dirty()
			if err := e.Flush(ctx); err != nil {
				if vfs.IsControlFlow(err) {
					return err
				}
				b.Fail(mp, err)
				continue
			}
			if dirty {
				log.Debugf("[CacheController] %s: flushed %s", mp, names[i])
				c.metrics.CacheFlushed()
			}
		}
		if !b.Empty() {
			return b.Check()
		}
	}

	for i, e := range entries {
		if err := e.Release(); err != nil {
			b.Warn(mp, err)
		}
		c.mu.Lock()
		if c.entries[names[i]] == e {
			delete(c.entries, names[i])
		}
		c.mu.Unlock()
	}

	if err := c.delegate.Sync(ctx, opts); err != nil {
		if vfs.IsControlFlow(err) {
			return err
		}
		b.Add(mp, err)
	}
	return b.Check()
}

func (c *CacheController) caching(opts vfs.AccessOptions) bool {
	return opts.Has(vfs.Cache) && !cache.Disabled
}

func (c *CacheController) snapshot() ([]string, []*cache.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]*cache.Entry, len(names))
	for i, name := range names {
		entries[i] = c.entries[name]
	}
	return names, entries
}

func (c *CacheController) lookup(name vfs.EntryName) *cache.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[name.String()]
}

// entry returns the cache entry of name, creating it if needed. opts must not
// contain the CACHE option.
func (c *CacheController) entry(name vfs.EntryName, opts vfs.AccessOptions) *cache.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name.String()]; ok {
		return e
	}
	source := c.delegate.Input(opts, name)
	sinkOpts := opts.Clear(vfs.Append | vfs.Exclusive)
	sink := func(template vfs.Entry) vfs.OutputSocket {
		return c.delegate.Output(sinkOpts, name, template)
	}
	e := cache.NewEntry(name, c.pool, c.strategy, source, sink)
	c.entries[name.String()] = e
	return e
}

func (c *CacheController) invalidate(name vfs.EntryName) {
	c.mu.Lock()
	e, ok := c.entries[name.String()]
	delete(c.entries, name.String())
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := e.Release(); err != nil {
		log.Warnf("[CacheController] %s: %v", c.model.MountPoint(), err)
	}
}

type cacheInput struct {
	c    *CacheController
	opts vfs.AccessOptions
	name vfs.EntryName
}

func (s *cacheInput) Target(ctx context.Context) (vfs.Entry, error) {
	if e := s.c.lookup(s.name); e != nil && e.Buffered() {
		return e.Input().Target(ctx)
	}
	return s.c.delegate.Input(s.opts, s.name).Target(ctx)
}

func (s *cacheInput) Stream(ctx context.Context, peer vfs.OutputSocket) (io.ReadCloser, error) {
	return s.Channel(ctx, peer)
}

func (s *cacheInput) Channel(ctx context.Context, peer vfs.OutputSocket) (vfs.ReadChannel, error) {
	e := s.c.entry(s.name, s.opts)
	if !e.Buffered() {
		s.c.metrics.CacheMissed()
	}
	return e.Input().Channel(ctx, peer)
}

type cacheOutput struct {
	c        *CacheController
	opts     vfs.AccessOptions
	name     vfs.EntryName
	template vfs.Entry
}

func (s *cacheOutput) Target(ctx context.Context) (vfs.Entry, error) {
	if e := s.c.lookup(s.name); e != nil && e.Buffered() {
		return e.Output(s.opts.Has(vfs.Append)).Target(ctx)
	}
	if s.template != nil {
		return vfs.CopyEntry(s.name.String(), s.template), nil
	}
	return s.c.delegate.Output(s.opts, s.name, nil).Target(ctx)
}

// Stream reserves the entry in the delegate before opening the buffer.
func (s *cacheOutput) Stream(ctx context.Context, peer vfs.InputSocket) (io.WriteCloser, error) {
	e := s.c.entry(s.name, s.opts)
	if s.opts.Has(vfs.Append) {
		if err := e.Fill(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.c.delegate.Make(ctx, s.name, vfs.FileType, s.opts.Clear(vfs.Append), s.template); err != nil {
		return nil, err
	}
	ch, err := e.Output(s.opts.Has(vfs.Append)).Channel(ctx, peer)
	if err != nil {
		return nil, err
	}
	return &cacheWriter{WriteChannel: ch, s: s, e: e}, nil
}

// Channel defers making the entry in the delegate until the channel closes.
func (s *cacheOutput) Channel(ctx context.Context, peer vfs.InputSocket) (vfs.WriteChannel, error) {
	if s.opts.Has(vfs.Exclusive) {
		n, err := s.c.delegate.Node(ctx, s.name, s.opts)
		if err != nil {
			return nil, err
		}
		if n != nil {
			return nil, fmt.Errorf("%q: %w", s.name, common.ErrExists)
		}
	}
	e := s.c.entry(s.name, s.opts)
	ch, err := e.Output(s.opts.Has(vfs.Append)).Channel(ctx, peer)
	if err != nil {
		return nil, err
	}
	return &cacheWriter{WriteChannel: ch, s: s, e: e, deferred: true}, nil
}

// cacheWriter commits the metadata of the buffer to the delegate when it
// closes. Closing resumes where a failed close stopped.
type cacheWriter struct {
	vfs.WriteChannel
	s        *cacheOutput
	e        *cache.Entry
	deferred bool

	closed    bool
	committed bool
}

func (w *cacheWriter) Close() error {
	return w.CloseContext(context.Background())
}

func (w *cacheWriter) CloseContext(ctx context.Context) error {
	if !w.closed {
		if err := vfs.CloseContext(ctx, w.WriteChannel); err != nil {
			return err
		}
		w.closed = true
	}
	if w.committed {
		return nil
	}
	// A flushed entry has been written to the delegate already.
	if w.e.Dirty() && (w.deferred || w.s.template == nil) {
		template := w.s.template
		if template == nil {
			t, err := w.e.Input().Target(ctx)
			if err != nil {
				return err
			}
			template = t
		}
		opts := w.s.opts.Clear(vfs.Append)
		if !w.deferred {
			opts = opts.Clear(vfs.Exclusive)
		}
		if err := w.s.c.delegate.Make(ctx, w.s.name, vfs.FileType, opts, template); err != nil {
			return err
		}
	}
	w.committed = true
	return nil
}

func (w *cacheWriter) Abort() error {
	w.closed, w.committed = true, true
	return vfs.Abort(w.WriteChannel)
}
