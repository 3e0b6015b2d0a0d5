package consumer

import (
	"context"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/backoff"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/errclass"
)

// immediateBaseDelay is the wait before the first in-process retry.
var immediateBaseDelay = 100 * time.Millisecond

// ProcessWithImmediateRetries calls fn and retries it up to retries times
// while classify marks the error retryable. Retry n waits
// 100ms*2^(n-1). The last error is returned.
func ProcessWithImmediateRetries(ctx context.Context, retries int, classify errclass.Classifier, fn func(context.Context) error) error {
	if classify == nil {
		classify = errclass.Classify
	}

	err := fn(ctx)

	for attempt := 1; err != nil && attempt <= retries; attempt++ {
		if !classify(err).Retryable() {
			return err
		}

		if sleepErr := backoff.SleepWithContext(ctx, backoff.Exponential(immediateBaseDelay, attempt-1)); sleepErr != nil {
			return err
		}

		err = fn(ctx)
	}

	return err
}
