package vfs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedfs/internal/common"
)

func TestIsControlFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"needs write lock", ErrNeedsWriteLock, true},
		{"needs sync", ErrNeedsSync, true},
		{"needs lock retry", ErrNeedsLockRetry, true},
		{"false positive", NewFalsePositive(common.ErrNotFound, false), true},
		{"persistent false positive", NewFalsePositive(errors.New("bad header"), true), true},
		{"plain", common.ErrNotFound, false},
		{"wrapped plain", fmt.Errorf("failed to read: %w", common.ErrIO), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsControlFlow(tt.err))
		})
	}
}

func TestFalsePositiveUnwrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad header")
	err := fmt.Errorf("mount: %w", NewFalsePositive(cause, true))
	fp, ok := AsFalsePositive(err)
	require.True(t, ok)
	assert.True(t, fp.Persistent)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "persistent false positive")
}

func TestSuppressKeepsPrimary(t *testing.T) {
	t.Parallel()

	primary := errors.New("bad header")
	secondary := fmt.Errorf("parent: %w", common.ErrNotFound)
	err := Suppress(primary, secondary)

	assert.Equal(t, "bad header", err.Error())
	assert.ErrorIs(t, err, primary)
	assert.NotErrorIs(t, err, common.ErrNotFound)
	assert.Equal(t, []error{secondary}, Suppressed(err))

	assert.Equal(t, primary, Suppress(primary, nil))
	assert.Equal(t, secondary, Suppress(nil, secondary))
	assert.Empty(t, Suppressed(primary))
}

func TestBusyError(t *testing.T) {
	t.Parallel()

	err := NewSyncFailure(MustMountPoint("file:/"), &BusyError{Local: 1, Total: 3})
	assert.ErrorIs(t, err, common.ErrBusy)

	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, 3, busy.Total)
	assert.Contains(t, busy.Error(), "3 open I/O resource(s), 2 of them by other owners")
}

func TestSyncErrorBuilder(t *testing.T) {
	t.Parallel()

	root := MustMountPoint("file:/")
	zip := MustMountPoint("zip:file:/a.zip!/")

	var b SyncErrorBuilder
	assert.True(t, b.Empty())
	require.NoError(t, b.Check())

	b.Warn(zip, common.ErrBusy)
	err := b.Check()
	require.Error(t, err)
	assert.True(t, IsWarningOnly(err))

	b.Add(root, nil)
	b.Add(root, NewSyncFailure(root, common.ErrIO))
	b.Add(zip, errors.New("disk full"))

	err = b.Check()
	se, ok := AsSyncError(err)
	require.True(t, ok)
	assert.True(t, se.IsFatal())
	assert.False(t, IsWarningOnly(err))
	assert.Len(t, se.Issues(), 3)
	assert.Len(t, se.Warnings(), 1)
	assert.Len(t, se.Failures(), 2)
	assert.Equal(t, root, se.Failures()[0].MountPoint)
	assert.ErrorIs(t, err, common.ErrIO)
	assert.ErrorIs(t, err, common.ErrBusy)
	assert.Contains(t, err.Error(), "3 issues")
}

func TestSyncOptionsValidate(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ForceCloseOutput.Validate(), ErrIllegalOptions)
	assert.NoError(t, (ForceCloseInput | ForceCloseOutput).Validate())
	assert.NoError(t, SyncWait.Validate())
	assert.NoError(t, SyncUmount.Validate())
	assert.NoError(t, SyncReset.Validate())
	assert.Equal(t, "[FORCE_CLOSE_INPUT|FORCE_CLOSE_OUTPUT|CLEAR_CACHE]", SyncUmount.String())
	assert.Equal(t, "[CACHE|GROW]", (Cache | Grow).String())
}
