// Package outboxtest provides an in-memory outbox.Repository that honours
// the conditional-update contract, for tests in this module and in host
// services.
package outboxtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/outbox"
)

var _ outbox.Repository = (*Store)(nil)

// Store is a mutex-guarded map of records. Records are copied on the way in
// and out so callers cannot mutate stored state.
type Store struct {
	mu      sync.Mutex
	records map[string]*outbox.Record

	// Err, when set, is returned by every method.
	Err error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*outbox.Record)}
}

func (s *Store) Insert(_ context.Context, record *outbox.Record) error {
	if record == nil {
		return outbox.ErrRecordRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("outboxtest: duplicate id %s", record.ID)
	}

	s.records[record.ID] = record.Clone()

	return nil
}

func (s *Store) FindPending(_ context.Context, limit, maxRetries int) ([]*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}

	var found []*outbox.Record

	for _, r := range s.records {
		if r.Status == outbox.StatusPending && r.RetryCount < maxRetries {
			found = append(found, r.Clone())
		}
	}

	sortByCreatedAt(found)

	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}

	return found, nil
}

func (s *Store) Claim(_ context.Context, id string, expectedRetryCount int, now time.Time) (bool, error) {
	return s.update(id, func(r *outbox.Record) bool {
		if r.Status != outbox.StatusPending || r.RetryCount != expectedRetryCount {
			return false
		}

		r.Status = outbox.StatusProcessing
		r.ProcessingStartedAt = &now
		r.LastAttempt = &now
		r.UpdatedAt = now

		return true
	})
}

func (s *Store) MarkPublished(_ context.Context, id string, now time.Time) (bool, error) {
	return s.update(id, func(r *outbox.Record) bool {
		if r.Status != outbox.StatusProcessing {
			return false
		}

		r.Status = outbox.StatusPublished
		r.PublishedAt = &now
		r.ProcessingStartedAt = nil
		r.Error = ""
		r.UpdatedAt = now

		return true
	})
}

func (s *Store) MarkFailed(_ context.Context, id string, expectedRetryCount int, errMsg string, now time.Time) (bool, error) {
	return s.update(id, func(r *outbox.Record) bool {
		if r.Status != outbox.StatusProcessing || r.RetryCount != expectedRetryCount {
			return false
		}

		r.Status = outbox.StatusFailed
		r.RetryCount++
		r.Error = errMsg
		r.LastAttempt = &now
		r.ProcessingStartedAt = nil
		r.UpdatedAt = now

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
		if r.Status != outbox.StatusProcessing || r.ProcessingStartedAt == nil || !r.ProcessingStartedAt.Before(processingBefore) {
			continue
		}

		r.Status = outbox.StatusPending
		r.ProcessingStartedAt = nil
		n++
	}

	return n, nil
}

func (s *Store) ResetFailedForRetry(_ context.Context, failedBefore time.Time, maxRetries, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return 0, s.Err
	}

	var eligible []*outbox.Record

	for _, r := range s.records {
		if r.Status == outbox.StatusFailed && r.RetryCount < maxRetries &&
			r.LastAttempt != nil && r.LastAttempt.Before(failedBefore) {
			eligible = append(eligible, r)
		}
	}

	sortByCreatedAt(eligible)

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	for _, r := range eligible {
		r.Status = outbox.StatusPending
	}

	return int64(len(eligible)), nil
}

func (s *Store) CountFailed(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return 0, s.Err
	}

	var n int64

	for _, r := range s.records {
		if r.Status == outbox.StatusFailed && r.RetryCount >= maxRetries {
			n++
		}
	}

	return n, nil
}

// Get returns a copy of the record with id.
func (s *Store) Get(id string) (*outbox.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]

	return r.Clone(), ok
}

// Put stores record as is, bypassing validation. Tests use it to seed
// records in any state.
func (s *Store) Put(record *outbox.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ID] = record.Clone()
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

func (s *Store) update(id string, apply func(*outbox.Record) bool) (bool, error) {
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

func sortByCreatedAt(records []*outbox.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
