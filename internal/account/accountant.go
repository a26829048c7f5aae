// Package account keeps track of the I/O resources which are open on one
// file system so that a sync can wait for them or close them.
package account

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/jacobsa/syncutil"
	log "github.com/sirupsen/logrus"

	"fedfs/internal/lock"
	"fedfs/internal/vfs"
)

// ErrorHandler receives each failure of CloseAll.
type ErrorHandler func(r io.Closer, err error)

// Option configures an Accountant.
type Option func(*Accountant)

// WithLeakTracing records the stack of every Start call so resources which
// are still open can be reported with their origin.
func WithLeakTracing() Option {
	return func(a *Accountant) { a.trace = true }
}

// WithGauge reports the number of open resources to set after every change.
func WithGauge(set func(n int)) Option {
	return func(a *Accountant) { a.gauge = set }
}

type account struct {
	owner *lock.Owner
	stack string
}

// Accountant accounts the resources of one file system. It is tied to the
// lock of that file system: waiting parks on the lock's condition.
type Accountant struct {
	lock  *lock.RWLock
	trace bool
	gauge func(n int)

	mu syncutil.InvariantMutex

	// INVARIANT: for all r, accounts[r].owner != nil
	// INVARIANT: perOwner[o] == number of accounts with owner o, and > 0
	//
	// GUARDED_BY(mu)
	accounts map[io.Closer]account

	// GUARDED_BY(mu)
	perOwner map[*lock.Owner]int
}

// New returns an accountant bound to l.
func New(l *lock.RWLock, opts ...Option) *Accountant {
	a := &Accountant{
		lock:     l,
		accounts: make(map[io.Closer]account),
		perOwner: make(map[*lock.Owner]int),
	}
	a.mu = syncutil.NewInvariantMutex(a.checkInvariants)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Accountant) checkInvariants() {
	counts := make(map[*lock.Owner]int)
	for r, acc := range a.accounts {
		if acc.owner == nil {
			panic(fmt.Sprintf("resource %T without owner", r))
		}
		counts[acc.owner]++
	}
	if len(counts) != len(a.perOwner) {
		panic(fmt.Sprintf("owner counts out of sync: %d != %d", len(counts), len(a.perOwner)))
	}
	for o, n := range counts {
		if a.perOwner[o] != n {
			panic(fmt.Sprintf("owner %d: count %d != %d", o.ID(), a.perOwner[o], n))
		}
	}
}

// Start accounts r as opened by o. Starting an accounted resource again is a
// no-op.
func (a *Accountant) Start(r io.Closer, o *lock.Owner) {
	a.mu.Lock()
	if _, ok := a.accounts[r]; ok {
		a.mu.Unlock()
		return
	}
	acc := account{owner: o}
	if a.trace {
		acc.stack = string(debug.Stack())
	}
	a.accounts[r] = acc
	a.perOwner[o]++
	n := len(a.accounts)
	a.mu.Unlock()

	a.report(n)
}

// Stop removes r from the account and wakes up owners waiting for it.
// Stopping an unaccounted resource is a no-op.
func (a *Accountant) Stop(r io.Closer) {
	a.mu.Lock()
	acc, ok := a.accounts[r]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.accounts, r)
	if a.perOwner[acc.owner]--; a.perOwner[acc.owner] == 0 {
		delete(a.perOwner, acc.owner)
	}
	n := len(a.accounts)
	a.mu.Unlock()

	a.report(n)
	a.lock.Signal()
}

// Local returns the number of resources opened by o.
func (a *Accountant) Local(o *lock.Owner) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perOwner[o]
}

// Total returns the number of open resources.
func (a *Accountant) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.accounts)
}

func (a *Accountant) others(o *lock.Owner) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.accounts) - a.perOwner[o]
}

// WaitOtherOwners waits until all resources opened by owners other than o are
// closed and returns the total number of open resources. o must hold the
// write lock, which is released while waiting. A zero timeout waits
// indefinitely, a negative timeout does not wait at all. Cancelling ctx ends
// waiting like an elapsed timeout.
func (a *Accountant) WaitOtherOwners(ctx context.Context, o *lock.Owner, timeout time.Duration) int {
	if timeout < 0 {
		return a.Total()
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	done := func() bool { return a.others(o) == 0 }
	for !done() {
		var remaining time.Duration
		if !deadline.IsZero() {
			if remaining = time.Until(deadline); remaining <= 0 {
				break
			}
		}
		if err := a.lock.Await(ctx, o, remaining, done); err != nil {
			log.Debugf("[ResourceAccountant] stopped waiting: %v", err)
			break
		}
	}
	return a.Total()
}

// CloseAll closes every accounted resource and reports each failure to
// handler. Resources are closed with ctx so that closing may commit content.
func (a *Accountant) CloseAll(ctx context.Context, handler ErrorHandler) {
	a.mu.Lock()
	snapshot := make(map[io.Closer]account, len(a.accounts))
	for r, acc := range a.accounts {
		snapshot[r] = acc
	}
	a.mu.Unlock()

	for r, acc := range snapshot {
		if acc.stack != "" {
			log.Warnf("[ResourceAccountant] force closing %T opened at:\n%s", r, acc.stack)
		}
		if err := vfs.CloseContext(ctx, r); err != nil && handler != nil {
			handler(r, err)
		}
		a.Stop(r)
	}
}

// Leaks returns the recorded stacks of all open resources. It is empty unless
// leak tracing is enabled.
func (a *Accountant) Leaks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var stacks []string
	for _, acc := range a.accounts {
		if acc.stack != "" {
			stacks = append(stacks, acc.stack)
		}
	}
	return stacks
}

func (a *Accountant) report(n int) {
	if a.gauge != nil {
		a.gauge(n)
	}
}
