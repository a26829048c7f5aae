// Package util provides shared utility functions for fedfs.
package util

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// LockRetryOptions returns retry options for operations which failed because
// a lock could not be acquired in time. It retries while retryIf holds and
// ctx is not done, sleeping minDelay plus a random jitter of up to
// maxDelay-minDelay between attempts, so that competing owners get out of
// each other's way.
func LockRetryOptions(ctx context.Context, minDelay, maxDelay time.Duration, retryIf retry.RetryIfFunc) []retry.Option {
	jitter := maxDelay - minDelay
	if jitter <= 0 {
		jitter = time.Millisecond
	}
	return []retry.Option{
		retry.Attempts(0),
		retry.Delay(minDelay),
		retry.MaxJitter(jitter),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}
