// Package executor runs outbound calls to a remote dependency under a rate
// limit, a bounded FIFO queue, a circuit breaker and a bounded retry loop,
// in that order.
//
// One Executor serves one integration. Registry holds the executors of a
// process, keyed by integration kind, and is owned by the composition root.
package executor
