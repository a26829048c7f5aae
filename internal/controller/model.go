// Package controller implements the controller decorator chain of a
// federated file system:
//
//	SyncController -> FalsePositiveController -> LockController
//	  -> ResourceController -> CacheController -> ArchiveController
//
// Each layer implements vfs.Controller and reacts to the control-flow
// signals meant for it, passing all others up unchanged.
//
// Locks are ordered from members to parents: an archive chain may acquire
// the lock of its parent while holding its own, a parent never acquires the
// lock of a member. The manager syncs members before parents in separate
// calls. Stream and channel I/O has no context of its own, so every call
// runs under a transient owner and blocks on the lock of its file system.
// Given the order above, this cannot close a cycle.
package controller

import (
	"context"
	"time"

	"fedfs/internal/cache"
	"fedfs/internal/lock"
	"fedfs/internal/vfs"
)

// Config tunes the controller chain.
type Config struct {
	// WaitTimeout bounds how long a sync without WAIT options waits for
	// streams of other owners to close.
	WaitTimeout time.Duration
	// LockRetryMinDelay and LockRetryMaxDelay bound the random pause before
	// an operation is retried after lock contention.
	LockRetryMinDelay time.Duration
	LockRetryMaxDelay time.Duration
	// NestedLockTimeout bounds lock acquisition by owners which already
	// hold another lock.
	NestedLockTimeout time.Duration
	// SyncRetryLimit bounds the syncs run for a single operation, 0 means
	// unbounded.
	SyncRetryLimit int
	// LeakTracing records where streams were opened.
	LeakTracing bool
	// CacheStrategy decides when cached writes reach the delegate.
	CacheStrategy cache.Strategy
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:       100 * time.Millisecond,
		LockRetryMinDelay: 1 * time.Millisecond,
		LockRetryMaxDelay: 20 * time.Millisecond,
		NestedLockTimeout: 10 * time.Millisecond,
	}
}

// LockModel is a model plus the lock guarding it.
type LockModel struct {
	*vfs.Model
	lock *lock.RWLock
}

// NewLockModel returns m with a fresh lock.
func NewLockModel(m *vfs.Model) *LockModel {
	return &LockModel{Model: m, lock: lock.New()}
}

// Lock returns the lock of the file system.
func (m *LockModel) Lock() *lock.RWLock { return m.lock }

// IsWriteLocked reports whether the owner carried by ctx holds the write
// lock.
func (m *LockModel) IsWriteLocked(ctx context.Context) bool {
	o, ok := vfs.OwnerFrom(ctx)
	return ok && m.lock.IsWriteLockedBy(o)
}

// CheckWriteLocked returns vfs.ErrNeedsWriteLock unless the owner carried by
// ctx holds the write lock.
func (m *LockModel) CheckWriteLocked(ctx context.Context) error {
	if !m.IsWriteLocked(ctx) {
		return vfs.ErrNeedsWriteLock
	}
	return nil
}
