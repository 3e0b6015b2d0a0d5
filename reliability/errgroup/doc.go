// Package errgroup runs bounded sets of worker goroutines that share a
// cancellation context. It wraps golang.org/x/sync/errgroup and turns a
// panicking worker into an error instead of crashing the process.
package errgroup
