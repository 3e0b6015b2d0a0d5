// Package deadlettertest provides an in-memory deadletter.Repository with
// the same conditional-update semantics as the document store.
package deadlettertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/deadletter"
)

var _ deadletter.Repository = (*Store)(nil)

// Store is a mutex-guarded map of records, copied on the way in and out.
type Store struct {
	mu      sync.Mutex
	records map[string]*deadletter.Record

	// Err, when set, is returned by every method.
	Err error
}

func NewStore() *Store {
	return &Store{records: make(map[string]*deadletter.Record)}
}

func (s *Store) Insert(_ context.Context, record *deadletter.Record) error {
	if record == nil {
		return deadletter.ErrRecordRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("deadlettertest: duplicate id %s", record.ID)
	}

	s.records[record.ID] = record.Clone()

	return nil
}

func (s *Store) FindEligible(_ context.Context, now time.Time, limit int) ([]*deadletter.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}

	var found []*deadletter.Record

	for _, r := range s.records {
		if r.Eligible(now) {
			found = append(found, r.Clone())
		}
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].NextRetryAt.Before(found[j].NextRetryAt) })

	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	return found, nil
}

func (s *Store) Claim(_ context.Context, id, processorID string, now time.Time) (bool, error) {
	return s.update(id, func(r *deadletter.Record) bool {
		if !r.Eligible(now) {
			return false
		}

		r.Status = deadletter.StatusProcessing
		r.ProcessorID = processorID
		r.ProcessingStartedAt = &now

		return true
	})
}

func (s *Store) MarkCompleted(_ context.Context, id, processorID string, now time.Time) (bool, error) {
	return s.update(id, func(r *deadletter.Record) bool {
		if r.Status != deadletter.StatusProcessing || r.ProcessorID != processorID {
			return false
		}

		r.Status = deadletter.StatusCompleted
		r.CompletedAt = &now
		r.ProcessingStartedAt = nil

		return true
	})
}

func (s *Store) MarkRetry(_ context.Context, id, processorID string, update deadletter.RetryUpdate) (bool, error) {
	return s.update(id, func(r *deadletter.Record) bool {
		if r.Status != deadletter.StatusProcessing || r.ProcessorID != processorID {
			return false
		}

		r.Status = update.Status
		r.RetryCount = update.RetryCount
		r.NextRetryAt = update.NextRetryAt
		r.Error = update.Error
		r.ProcessorID = ""
		r.ProcessingStartedAt = nil

		return true
	})
}

func (s *Store) ResetStuck(_ context.Context, processingBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return 0, s.Err
	}

	var n int64

	for _, r := range s.records {
		if r.Status != deadletter.StatusProcessing || r.ProcessingStartedAt == nil || !r.ProcessingStartedAt.Before(processingBefore) {
			continue
		}

		r.Status = deadletter.StatusPending
		r.ProcessorID = ""
		r.ProcessingStartedAt = nil
		n++
	}

	return n, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[deadletter.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}

	counts := make(map[deadletter.Status]int64, len(deadletter.Statuses))
	for _, r := range s.records {
		counts[r.Status]++
	}

	return counts, nil
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (*deadletter.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]

	return r.Clone(), ok
}

// Put stores record as is, bypassing validation.
func (s *Store) Put(record *deadletter.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ID] = record.Clone()
}

// All returns copies of every record, oldest Timestamp first.
func (s *Store) All() []*deadletter.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*deadletter.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	return out
}

func (s *Store) update(id string, apply func(*deadletter.Record) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return false, s.Err
	}

	r, ok := s.records[id]
	if !ok {
		return false, nil
	}

	return apply(r), nil
}
