package outbox

import (
	"context"
	"time"
)

// Repository persists outbox records. Every state change out of pending,
// processing or failed is a conditional update: implementations must apply
// it only when the stored record still matches the expected status (and
// retry count where one is given), and report whether it matched.
type Repository interface {
	// Insert stores a new pending record.
	Insert(ctx context.Context, record *Record) error
	// FindPending returns up to limit pending records with
	// RetryCount < maxRetries, oldest first.
	FindPending(ctx context.Context, limit, maxRetries int) ([]*Record, error)
	// Claim moves a record from pending to processing when its retry count
	// still equals expectedRetryCount. It reports false when nothing matched.
	Claim(ctx context.Context, id string, expectedRetryCount int, now time.Time) (bool, error)
	// MarkPublished moves a processing record to published.
	MarkPublished(ctx context.Context, id string, now time.Time) (bool, error)
	// MarkFailed moves a processing record to failed, increments its retry
	// count and records errMsg and the attempt time.
	MarkFailed(ctx context.Context, id string, expectedRetryCount int, errMsg string, now time.Time) (bool, error)
	// ResetStuck returns processing records claimed before processingBefore
	// to pending.
	ResetStuck(ctx context.Context, processingBefore time.Time) (int64, error)
	// ResetFailedForRetry returns up to limit failed records with
	// RetryCount < maxRetries whose last attempt is before failedBefore to
	// pending.
	ResetFailedForRetry(ctx context.Context, failedBefore time.Time, maxRetries, limit int) (int64, error)
	// CountFailed counts failed records that reached maxRetries.
	CountFailed(ctx context.Context, maxRetries int) (int64, error)
}
