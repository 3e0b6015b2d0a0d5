package outbox

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds a single record payload.
const DefaultMaxPayloadBytes = 1 << 20

// Status is a record lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// ParseStatus validates raw and converts it to a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return status, nil
}

// IsValid reports whether status is part of the lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the relay may move a record from status
// to next. Failed records go back to pending through the retry sweep and
// processing records go back to pending through the stuck sweep.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPublished || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition when from cannot move to to.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() || !to.IsValid() || !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

func (status Status) String() string { return string(status) }

// Record is one outbox entry. RetryCount doubles as the optimistic version
// token for conditional updates.
type Record struct {
	ID                  string     `bson:"_id" json:"id"`
	EventType           string     `bson:"eventType" json:"eventType"`
	Payload             []byte     `bson:"payload" json:"payload"`
	Status              Status     `bson:"status" json:"status"`
	RetryCount          int        `bson:"retryCount" json:"retryCount"`
	LastAttempt         *time.Time `bson:"lastAttempt,omitempty" json:"lastAttempt,omitempty"`
	ProcessingStartedAt *time.Time `bson:"processingStartedAt,omitempty" json:"processingStartedAt,omitempty"`
	Error               string     `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt           time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt           time.Time  `bson:"updatedAt" json:"updatedAt"`
	PublishedAt         *time.Time `bson:"publishedAt,omitempty" json:"publishedAt,omitempty"`
}

// NewRecord returns a pending record with a fresh id.
func NewRecord(eventType string, payload []byte, now time.Time) (*Record, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	now = now.UTC()

	return &Record{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   append([]byte(nil), payload...),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.LastAttempt = cloneTime(r.LastAttempt)
	c.ProcessingStartedAt = cloneTime(r.ProcessingStartedAt)
	c.PublishedAt = cloneTime(r.PublishedAt)

	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
