// Package redis holds the key-value layer of the reliability core.
//
// Client wraps a go-redis UniversalClient (standalone, sentinel or cluster,
// optional TLS) with lazy reconnection. ConnectionPool manages single-socket
// connections with FIFO waiters, idle eviction and health checks. Store
// implements the key-value operations used by the retry counters and the
// per-event DistributedLock. RedisLockManager (redsync) provides sweep
// leadership for the relays.
package redis
