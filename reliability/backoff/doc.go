// Package backoff computes retry delays.
//
// Multiplicative covers every schedule of the reliability core: the
// executor retry loop (initial·factor^(n-1) capped at a maximum), the
// retry counter TTL and the dead-letter nextRetryAt. SleepWithContext waits
// while honouring cancellation.
package backoff
