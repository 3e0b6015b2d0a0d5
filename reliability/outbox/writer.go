package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
)

// Writer is the write-path entry point. Services call Enqueue after their
// state change commits; the relay takes it from there.
type Writer struct {
	repo   Repository
	logger log.Logger
	now    func() time.Time
}

// NewWriter returns a Writer storing records in repo.
func NewWriter(repo Repository, logger log.Logger) (*Writer, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	return &Writer{repo: repo, logger: log.OrNop(logger), now: time.Now}, nil
}

// Enqueue stores a pending record for eventType and returns it.
func (w *Writer) Enqueue(ctx context.Context, eventType string, payload []byte) (*Record, error) {
	record, err := NewRecord(eventType, payload, w.now())
	if err != nil {
		return nil, err
	}

	if err := w.repo.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("outbox: enqueue %s: %w", record.EventType, err)
	}

	w.logger.Log(ctx, log.LevelDebug, "outbox event enqueued",
		log.String("event_id", record.ID), log.String("event_type", record.EventType))

	return record, nil
}
