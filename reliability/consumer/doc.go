// Package consumer wraps a bus subscription handler with per-event locking,
// classified retries and dead-letter escalation.
//
// Every delivery is settled exactly once. Success and duplicates are acked.
// A conflict means the effect already happened, so it is acked without a
// retry. Retryable failures are naked for broker redelivery until the Redis
// retry counter reaches MaxRetries. Exhausted and non-retryable failures are
// persisted as dead-letter records, or dropped when dead-lettering is off.
package consumer
