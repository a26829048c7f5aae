package vfs

import (
	"fmt"
	"sync"

	"fedfs/internal/common"
)

// TouchListener is notified after the touched flag of a model changed.
type TouchListener func(m *Model, touched bool)

// Model holds the state shared by all controllers of one file system.
type Model struct {
	mp     MountPoint
	parent *Model

	mu        sync.Mutex
	touched   bool
	listeners map[int]TouchListener
	nextID    int
}

// NewModel creates the model of the file system mounted at mp. The parent of
// mp must be the mount point of parent.
func NewModel(mp MountPoint, parent *Model) (*Model, error) {
	want, opaque := mp.Parent()
	switch {
	case opaque && parent == nil:
		return nil, fmt.Errorf("model %s: missing parent model: %w", mp, common.ErrInvalidPath)
	case !opaque && parent != nil:
		return nil, fmt.Errorf("model %s: unexpected parent model %s: %w", mp, parent.mp, common.ErrInvalidPath)
	case opaque && parent.mp != want:
		return nil, fmt.Errorf("model %s: parent mount point %s does not match %s: %w", mp, parent.mp, want, common.ErrInvalidPath)
	}
	return &Model{mp: mp, parent: parent, listeners: make(map[int]TouchListener)}, nil
}

func (m *Model) MountPoint() MountPoint { return m.mp }

// Parent returns the parent model or nil.
func (m *Model) Parent() *Model { return m.parent }

// IsTouched reports whether the file system has changes which are not yet
// synced.
func (m *Model) IsTouched() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched
}

// SetTouched updates the touched flag and notifies the listeners on
// transitions only.
func (m *Model) SetTouched(touched bool) {
	m.mu.Lock()
	if m.touched == touched {
		m.mu.Unlock()
		return
	}
	m.touched = touched
	listeners := make([]TouchListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(m, touched)
	}
}

// AddTouchListener registers l and returns a function removing it.
func (m *Model) AddTouchListener(l TouchListener) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Model) String() string {
	return fmt.Sprintf("model[%s touched=%t]", m.mp, m.IsTouched())
}
