// Package deadletter stores events that exhausted their consumer retries and
// reprocesses them on a backoff schedule.
//
// A Relay claims eligible pending records with a conditional update, so many
// service instances can share one store. A failed republish pushes
// NextRetryAt out by min(BaseDelay*2^retryCount, MaxDelay). The record turns
// failed when RetryCount reaches MaxRetries. A second sweep returns records
// left in processing by a crashed instance to pending.
package deadletter
