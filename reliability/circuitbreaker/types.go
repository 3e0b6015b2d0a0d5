package circuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
	StateUnknown  State = "UNKNOWN"
)

// gaugeValue encodes the state for the circuit_breaker_state gauge.
func (s State) gaugeValue() float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// Metrics is a snapshot of one breaker. FailureCount and SuccessCount are
// consecutive counts within the current state.
type Metrics struct {
	State             State
	FailureCount      uint32
	SuccessCount      uint32
	TotalFailures     uint32
	TotalSuccesses    uint32
	HalfOpenCallCount uint32
	LastFailureTime   time.Time
	LastSuccessTime   time.Time
}

// HealthCheckFunc probes a dependency.
type HealthCheckFunc func(ctx context.Context) error

// StateChangeListener is notified of breaker transitions.
type StateChangeListener interface {
	OnStateChange(dependency string, from State, to State)
}

// StateChangeFunc adapts a function to StateChangeListener.
type StateChangeFunc func(dependency string, from State, to State)

// OnStateChange calls f.
func (f StateChangeFunc) OnStateChange(dependency string, from State, to State) {
	f(dependency, from, to)
}
