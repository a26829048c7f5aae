package controller

import (
	"fmt"

	"github.com/jacobsa/timeutil"

	"fedfs/internal/archive"
	"fedfs/internal/common"
	"fedfs/internal/metrics"
	"fedfs/internal/pool"
	"fedfs/internal/vfs"
)

// Stack is a composed controller chain. The embedded controller is its
// outermost layer.
type Stack struct {
	vfs.Controller

	LockModel *LockModel
	Resources *ResourceController
	// Archive is nil for the chain of a host file system.
	Archive *ArchiveController
}

// Builder composes controller chains sharing one configuration.
type Builder struct {
	Pool    *pool.Pool
	Clock   timeutil.Clock
	Config  Config
	Metrics *metrics.Metrics
}

// Host composes the chain of a host file system:
//
//	Sync -> Lock -> Resource -> Cache -> target
func (b *Builder) Host(target vfs.Controller, model *LockModel) (*Stack, error) {
	if model.Parent() != nil {
		return nil, fmt.Errorf("host file system %s has a parent: %w", model.MountPoint(), common.ErrInvalidPath)
	}
	if target.Model() != model.Model {
		return nil, fmt.Errorf("host file system %s: target model mismatch: %w", model.MountPoint(), common.ErrInvalidPath)
	}
	return b.compose(target, model, nil, nil), nil
}

// Archive composes the chain of an archive file system whose archive file is
// read and written through parent:
//
//	Sync -> FalsePositive -> Lock -> Resource -> Cache -> Archive
func (b *Builder) Archive(model *LockModel, parent vfs.Controller, driver archive.Driver) (*Stack, error) {
	ac, err := NewArchiveController(model, parent, driver, b.clock(), b.Metrics)
	if err != nil {
		return nil, err
	}
	return b.compose(ac, model, parent, ac), nil
}

func (b *Builder) compose(target vfs.Controller, model *LockModel, parent vfs.Controller, ac *ArchiveController) *Stack {
	var c vfs.Controller = NewCacheController(target, model, b.Pool, b.Config, b.Metrics)
	rc := NewResourceController(c, model, b.Config, b.Metrics)
	c = NewLockController(rc, model, b.Config, b.Metrics)
	if parent != nil {
		pp, _ := model.MountPoint().ParentPath()
		c = NewFalsePositiveController(c, parent, pp.EntryName(), b.Metrics)
	}
	c = NewSyncController(c, b.Config, b.Metrics)
	return &Stack{Controller: c, LockModel: model, Resources: rc, Archive: ac}
}

func (b *Builder) clock() timeutil.Clock {
	if b.Clock == nil {
		return timeutil.RealClock()
	}
	return b.Clock
}
