package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a kind is registered twice.
	ErrAlreadyRegistered = errors.New("executor: kind already registered")
	// ErrNotRegistered is returned for an unknown kind.
	ErrNotRegistered = errors.New("executor: kind not registered")
	// ErrRegistryClosed is returned by Register after Close.
	ErrRegistryClosed = errors.New("executor: registry closed")
)

// Registry holds one Executor per integration kind. Options passed to
// NewRegistry apply to every executor it builds.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*Executor
	opts      []Option
	closed    bool
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{executors: make(map[string]*Executor), opts: opts}
}

// Register builds and stores the executor for kind.
func (r *Registry) Register(kind string, cfg Config, opts ...Option) (*Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if _, ok := r.executors[kind]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, kind)
	}

	e, err := New(kind, cfg, append(append([]Option{}, r.opts...), opts...)...)
	if err != nil {
		return nil, err
	}

	r.executors[kind] = e

	return e, nil
}

// Get returns the executor for kind.
func (r *Registry) Get(kind string) (*Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, kind)
	}

	return e, nil
}

// Kinds lists registered kinds in order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.executors))
	for kind := range r.executors {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)

	return kinds
}

// Close closes every executor and rejects later registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true

	for _, e := range r.executors {
		e.Close()
	}
}
