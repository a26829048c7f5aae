package controller

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedfs/internal/lock"
	"fedfs/internal/metrics"
	"fedfs/internal/vfs"
)

// recorder records how many readers and writers run at the same time.
type recorder struct {
	vfs.Controller // unused methods panic
	model          *LockModel

	readers, writers atomic.Int32
	violations       atomic.Int32
	// needsWrite makes Node signal vfs.ErrNeedsWriteLock unless write
	// locked.
	needsWrite bool
	// make, if set, runs inside Make.
	make func(ctx context.Context) error
}

func (p *recorder) Model() *vfs.Model { return p.model.Model }

func (p *recorder) Node(ctx context.Context, name vfs.EntryName, _ vfs.AccessOptions) (vfs.Entry, error) {
	if p.needsWrite && !p.model.IsWriteLocked(ctx) {
		return nil, vfs.ErrNeedsWriteLock
	}
	p.readers.Add(1)
	if p.writers.Load() != 0 {
		p.violations.Add(1)
	}
	time.Sleep(time.Millisecond)
	p.readers.Add(-1)
	return vfs.NewEntry(name.Path(), vfs.FileType), nil
}

func (p *recorder) Make(ctx context.Context, _ vfs.EntryName, _ vfs.EntryType, _ vfs.AccessOptions, _ vfs.Entry) error {
	if p.writers.Add(1) != 1 || p.readers.Load() != 0 {
		p.violations.Add(1)
	}
	var err error
	if p.make != nil {
		err = p.make(ctx)
	} else {
		time.Sleep(time.Millisecond)
	}
	p.writers.Add(-1)
	return err
}

func newRecorder(t *testing.T, uri string) *recorder {
	t.Helper()
	m, err := vfs.NewModel(vfs.MustMountPoint(uri), nil)
	require.NoError(t, err)
	return &recorder{model: NewLockModel(m)}
}

func TestLockControllerExcludesWriters(t *testing.T) {
	t.Parallel()

	p := newRecorder(t, "file:/")
	c := NewLockController(p, p.model, DefaultConfig(), nil)
	name := vfs.MustEntryName("a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			for j := 0; j < 20; j++ {
				if (i+j)%3 == 0 {
					assert.NoError(t, c.Make(ctx, name, vfs.FileType, 0, nil))
				} else {
					_, err := c.Node(ctx, name, 0)
					assert.NoError(t, err)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, p.violations.Load())
	assert.False(t, p.model.Lock().IsWriteLocked())
}

func TestLockControllerRetriesReadWriteLocked(t *testing.T) {
	t.Parallel()

	p := newRecorder(t, "file:/")
	p.needsWrite = true
	c := NewLockController(p, p.model, DefaultConfig(), nil)

	e, err := c.Node(context.Background(), vfs.MustEntryName("a"), 0)
	require.NoError(t, err)
	assert.Equal(t, "a", e.Name())
}

func TestNestedLockContentionRetriesOutermost(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	m := metrics.New()
	outer := newRecorder(t, "file:/")
	inner := newRecorder(t, "mem:/")
	cfg := DefaultConfig()
	innerCtrl := NewLockController(inner, inner.model, cfg, m)
	outerCtrl := NewLockController(outer, outer.model, cfg, m)

	var attempts atomic.Int32
	outer.make = func(ctx context.Context) error {
		attempts.Add(1)
		o, ok := vfs.OwnerFrom(ctx)
		if assert.True(t, ok) {
			assert.Equal(t, 1, o.Held())
		}
		return innerCtrl.Make(ctx, vfs.MustEntryName("b"), vfs.FileType, 0, nil)
	}

	// Another owner holds the inner lock for a while.
	holder := lock.NewOwner()
	require.NoError(t, inner.model.Lock().Lock(context.Background(), holder))
	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		inner.model.Lock().Unlock(holder)
		close(released)
	}()

	require.NoError(t, outerCtrl.Make(context.Background(), vfs.MustEntryName("a"), vfs.FileType, 0, nil))
	<-released
	g.Expect(attempts.Load()).To(BeNumerically(">", 1))
	g.Expect(testutil.ToFloat64(m.LockRetries)).To(BeNumerically(">=", 1))
	g.Eventually(outer.model.Lock().IsWriteLocked).Should(BeFalse())
}

func TestLockControllerHonorsCancellation(t *testing.T) {
	t.Parallel()

	p := newRecorder(t, "file:/")
	c := NewLockController(p, p.model, DefaultConfig(), nil)
	holder := lock.NewOwner()
	require.NoError(t, p.model.Lock().Lock(context.Background(), holder))
	defer p.model.Lock().Unlock(holder)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Make(ctx, vfs.MustEntryName("a"), vfs.FileType, 0, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamIOWaitsForLockWhileCallerHoldsAnother(t *testing.T) {
	t.Parallel()

	parent := newRecorder(t, "file:/")
	member := newRecorder(t, "zip:file:/a.zip!/")
	c := NewLockController(parent, parent.model, DefaultConfig(), metrics.New())

	// The caller holds the member lock, like an archive writing to its
	// parent during a sync.
	caller := lock.NewOwner()
	require.NoError(t, member.model.Lock().Lock(context.Background(), caller))
	defer member.model.Lock().Unlock(caller)
	ctx := vfs.WithOwner(context.Background(), caller)

	holder := lock.NewOwner()
	require.NoError(t, parent.model.Lock().Lock(context.Background(), holder))
	go func() {
		time.Sleep(50 * time.Millisecond)
		parent.model.Lock().Unlock(holder)
	}()

	var buf bytes.Buffer
	w := &lockedWriter{lockedCloser{c: c, ctx: ctx, closer: io.NopCloser(nil)}, &buf}
	start := time.Now()
	n, err := w.Write([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "data", buf.String())
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(c.metrics.LockRetries))
	assert.Equal(t, 1, caller.Held())
}
