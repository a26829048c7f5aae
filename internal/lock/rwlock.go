// Package lock provides the reader/writer lock guarding a federated file
// system model.
//
// Go has no thread identity, so reentrancy is keyed by an explicit *Owner
// which callers carry through their operation (see vfs.WithOwner). An owner
// may hold the read lock and the write lock reentrantly, but must never ask
// for the write lock while holding only the read lock: that request fails
// with ErrUpgrade instead of deadlocking.
package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrUpgrade is returned when an owner holding only the read lock asks
	// for the write lock.
	ErrUpgrade = errors.New("lock: write lock requested while holding the read lock")

	// ErrNotHeld is returned by Await if the owner does not hold the write lock.
	ErrNotHeld = errors.New("lock: write lock not held")
)

var ownerIDs atomic.Uint64

// Owner identifies the party holding a lock, the role a thread plays in a
// classic reentrant lock. Held counts the locks this owner currently holds
// across all RWLocks.
type Owner struct {
	id   uint64
	held atomic.Int32
}

// NewOwner returns a fresh owner.
func NewOwner() *Owner {
	return &Owner{id: ownerIDs.Add(1)}
}

// ID returns the unique owner number.
func (o *Owner) ID() uint64 { return o.id }

// Held returns the number of lock holds of this owner across all locks.
func (o *Owner) Held() int { return int(o.held.Load()) }

// RWLock is an owner-reentrant reader/writer lock with a condition bound to
// its write lock. Waiting writers block new (non-reentrant) readers.
type RWLock struct {
	mu       sync.Mutex
	writer   *Owner
	writes   int
	readers  map[*Owner]int
	queued   int
	changed  chan struct{}
	signaled chan struct{}
}

// New returns an unlocked RWLock.
func New() *RWLock {
	return &RWLock{
		readers:  make(map[*Owner]int),
		changed:  make(chan struct{}),
		signaled: make(chan struct{}),
	}
}

// Lock acquires the write lock for o, blocking until it is available or ctx
// is done.
func (l *RWLock) Lock(ctx context.Context, o *Owner) error {
	_, err := l.acquireWrite(ctx, o, time.Time{}, true)
	return err
}

// TryLock acquires the write lock for o, waiting at most timeout.
// A zero timeout does not wait at all.
func (l *RWLock) TryLock(ctx context.Context, o *Owner, timeout time.Duration) (bool, error) {
	return l.acquireWrite(ctx, o, time.Now().Add(timeout), false)
}

// Unlock releases one write hold of o.
func (l *RWLock) Unlock(o *Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != o || l.writes == 0 {
		panic("lock: unlock of write lock not held by owner")
	}
	l.writes--
	o.held.Add(-1)
	if l.writes == 0 {
		l.writer = nil
		l.broadcastLocked()
	}
}

// RLock acquires the read lock for o, blocking until it is available or ctx
// is done.
func (l *RWLock) RLock(ctx context.Context, o *Owner) error {
	_, err := l.acquireRead(ctx, o, time.Time{}, true)
	return err
}

// TryRLock acquires the read lock for o, waiting at most timeout.
func (l *RWLock) TryRLock(ctx context.Context, o *Owner, timeout time.Duration) (bool, error) {
	return l.acquireRead(ctx, o, time.Now().Add(timeout), false)
}

// RUnlock releases one read hold of o.
func (l *RWLock) RUnlock(o *Owner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.readers[o]
	if n == 0 {
		panic("lock: unlock of read lock not held by owner")
	}
	o.held.Add(-1)
	if n == 1 {
		delete(l.readers, o)
		l.broadcastLocked()
		return
	}
	l.readers[o] = n - 1
}

// IsWriteLockedBy reports whether o holds the write lock.
func (l *RWLock) IsWriteLockedBy(o *Owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer == o && l.writes > 0
}

// IsReadLockedBy reports whether o holds the read lock.
func (l *RWLock) IsReadLockedBy(o *Owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers[o] > 0
}

// IsWriteLocked reports whether any owner holds the write lock.
func (l *RWLock) IsWriteLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer != nil
}

// Await releases every hold of o, parks until Signal is called, timeout
// elapses (0 waits indefinitely) or ctx is done, then reacquires the write
// lock with the original hold counts. If done is non-nil it is evaluated
// before parking and Await returns immediately when it reports true, which
// closes the window between checking a condition and waiting for it.
// The returned error is ctx.Err() if waiting was cancelled.
func (l *RWLock) Await(ctx context.Context, o *Owner, timeout time.Duration, done func() bool) error {
	l.mu.Lock()
	if l.writer != o || l.writes == 0 {
		l.mu.Unlock()
		return ErrNotHeld
	}
	signaled := l.signaled
	if done != nil && done() {
		l.mu.Unlock()
		return nil
	}
	writes, reads := l.writes, l.readers[o]
	l.writer, l.writes = nil, 0
	delete(l.readers, o)
	o.held.Add(-int32(writes + reads))
	l.broadcastLocked()
	l.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	var err error
	select {
	case <-signaled:
	case <-timer:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Reacquire unconditionally: the caller expects to own the lock again.
	_, _ = l.acquire(context.Background(), time.Time{}, func() bool {
		if l.writer != nil || len(l.readers) > 0 {
			return false
		}
		l.writer, l.writes = o, writes
		if reads > 0 {
			l.readers[o] = reads
		}
		o.held.Add(int32(writes + reads))
		return true
	})
	return err
}

// Signal wakes every owner parked in Await.
func (l *RWLock) Signal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	close(l.signaled)
	l.signaled = make(chan struct{})
}

func (l *RWLock) acquireWrite(ctx context.Context, o *Owner, deadline time.Time, block bool) (bool, error) {
	l.mu.Lock()
	if l.readers[o] > 0 && l.writer != o {
		l.mu.Unlock()
		return false, ErrUpgrade
	}
	l.queued++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.queued--
		l.broadcastLocked()
		l.mu.Unlock()
	}()
	if block {
		deadline = time.Time{}
	}
	return l.acquire(ctx, deadline, func() bool {
		if l.writer == o {
			l.writes++
			o.held.Add(1)
			return true
		}
		if l.writer != nil || len(l.readers) > 0 {
			return false
		}
		l.writer, l.writes = o, 1
		o.held.Add(1)
		return true
	})
}

func (l *RWLock) acquireRead(ctx context.Context, o *Owner, deadline time.Time, block bool) (bool, error) {
	if block {
		deadline = time.Time{}
	}
	return l.acquire(ctx, deadline, func() bool {
		reentrant := l.writer == o || l.readers[o] > 0
		if !reentrant && (l.writer != nil || l.queued > 0) {
			return false
		}
		l.readers[o]++
		o.held.Add(1)
		return true
	})
}

// acquire runs try under l.mu until it succeeds, the deadline passes or ctx
// is done. A zero deadline waits indefinitely.
func (l *RWLock) acquire(ctx context.Context, deadline time.Time, try func() bool) (bool, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		l.mu.Lock()
		if try() {
			l.mu.Unlock()
			return true, nil
		}
		changed := l.changed
		l.mu.Unlock()

		var expired <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return false, nil
			}
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			expired = timer.C
		}
		select {
		case <-changed:
		case <-expired:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (l *RWLock) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}
