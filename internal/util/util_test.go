package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/stretchr/testify/assert"
)

var errBusy = errors.New("busy")

func TestPollUntil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fast := PollConfig{Timeout: time.Second, Interval: time.Millisecond}

	t.Run("done after a few checks", func(t *testing.T) {
		n := 0
		err := PollUntil(ctx, fast, func() (bool, error) {
			n++
			return n == 3, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("check error stops polling", func(t *testing.T) {
		n := 0
		err := PollUntil(ctx, fast, func() (bool, error) {
			n++
			return false, errBusy
		})
		assert.ErrorIs(t, err, errBusy)
		assert.Equal(t, 1, n)
	})

	t.Run("timeout", func(t *testing.T) {
		err := PollUntil(ctx, PollConfig{Timeout: 10 * time.Millisecond, Interval: time.Millisecond}, func() (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		err := PollUntil(ctx, fast, func() (bool, error) { return false, nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLockRetryOptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	retryIf := func(err error) bool { return errors.Is(err, errBusy) }

	n := 0
	err := retry.Do(func() error {
		n++
		if n < 4 {
			return errBusy
		}
		return nil
	}, LockRetryOptions(ctx, time.Millisecond, 2*time.Millisecond, retryIf)...)
	assert.NoError(t, err)
	assert.Equal(t, 4, n)

	other := errors.New("other")
	err = retry.Do(func() error { return other }, LockRetryOptions(ctx, time.Millisecond, time.Millisecond, retryIf)...)
	assert.ErrorIs(t, err, other)
}
