package deadletter

import (
	"context"
	"time"
)

// Repository persists dead-letter records. Claim, MarkCompleted and
// MarkRetry are conditional updates that report whether the record was in
// the expected state.
type Repository interface {
	Insert(ctx context.Context, record *Record) error
	// FindEligible returns pending records with NextRetryAt <= now and
	// RetryCount < MaxRetries, oldest NextRetryAt first.
	FindEligible(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	// Claim moves a record that is still eligible at now to processing owned
	// by processorID.
	Claim(ctx context.Context, id, processorID string, now time.Time) (bool, error)
	// MarkCompleted applies only while processorID owns the record.
	MarkCompleted(ctx context.Context, id, processorID string, now time.Time) (bool, error)
	// MarkRetry applies only while processorID owns the record.
	MarkRetry(ctx context.Context, id, processorID string, update RetryUpdate) (bool, error)
	// ResetStuck returns processing records started before processingBefore
	// to pending and clears their processor.
	ResetStuck(ctx context.Context, processingBefore time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
