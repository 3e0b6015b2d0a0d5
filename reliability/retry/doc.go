// Package retry keeps per-event retry counters in the key-value store.
//
// A counter lives at retry:<eventType>:<eventId>. Every increment rewrites
// it with a TTL that doubles (by BackoffFactor) with the count, capped at
// 24 times the base TTL, so abandoned counters expire on their own. A
// separate scheduled marker records that a redelivery is already pending.
package retry
