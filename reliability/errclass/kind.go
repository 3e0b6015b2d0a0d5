package errclass

// Kind is the retry class of an error.
type Kind int

const (
	// Unclassified errors are treated as non-retryable.
	Unclassified Kind = iota
	// Transient errors are expected to succeed on retry.
	Transient
	// Permanent errors never succeed on retry.
	Permanent
	// Conflict means the operation already happened (idempotency).
	Conflict
	// LockContention means another worker holds the processing lock.
	LockContention
	// CircuitOpen means a breaker rejected the call.
	CircuitOpen
	// RateLimited means the caller exceeded a rate limit.
	RateLimited
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Conflict:
		return "conflict"
	case LockContention:
		return "lock_contention"
	case CircuitOpen:
		return "circuit_open"
	case RateLimited:
		return "rate_limited"
	default:
		return "unclassified"
	}
}

// Retryable reports whether errors of this kind should be retried.
func (k Kind) Retryable() bool {
	return k == Transient || k == RateLimited
}
