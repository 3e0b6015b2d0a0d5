// Package outbox implements the transactional outbox: the write path
// enqueues events next to its state change and a Relay publishes them.
//
// Each record is moved out of pending by a conditional update on its id,
// status and retry count, so several relay instances can poll the same
// store and only one of them publishes a given record. Repository adapters
// live in the mongo and postgres subpackages; outboxtest provides an
// in-memory store for tests.
package outbox
