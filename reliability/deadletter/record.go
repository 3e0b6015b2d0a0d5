package deadletter

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a dead-letter record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus validates and normalizes s.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}

	return status, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the relay never picks the record up again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is a message that exhausted its consumer retries.
type Record struct {
	ID                  string     `bson:"_id" json:"id"`
	Subject             string     `bson:"subject" json:"subject"`
	EventID             string     `bson:"eventId" json:"eventId"`
	Data                []byte     `bson:"data" json:"data"`
	Error               string     `bson:"error,omitempty" json:"error,omitempty"`
	RetryCount          int        `bson:"retryCount" json:"retryCount"`
	MaxRetries          int        `bson:"maxRetries" json:"maxRetries"`
	Service             string     `bson:"service,omitempty" json:"service,omitempty"`
	Environment         string     `bson:"environment,omitempty" json:"environment,omitempty"`
	NextRetryAt         time.Time  `bson:"nextRetryAt" json:"nextRetryAt"`
	Timestamp           time.Time  `bson:"timestamp" json:"timestamp"`
	Status              Status     `bson:"status" json:"status"`
	ProcessorID         string     `bson:"processorId,omitempty" json:"processorId,omitempty"`
	ProcessingStartedAt *time.Time `bson:"processingStartedAt,omitempty" json:"processingStartedAt,omitempty"`
	CompletedAt         *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// NewRecord returns a pending record for subject and eventID, eligible at
// nextRetryAt. A non-positive maxRetries takes the relay default.
func NewRecord(subject, eventID string, data []byte, maxRetries int, nextRetryAt, now time.Time) (*Record, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrSubjectRequired
	}

	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, ErrEventIDRequired
	}

	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Record{
		ID:          uuid.NewString(),
		Subject:     subject,
		EventID:     eventID,
		Data:        append([]byte(nil), data...),
		MaxRetries:  maxRetries,
		NextRetryAt: nextRetryAt.UTC(),
		Timestamp:   now.UTC(),
		Status:      StatusPending,
	}, nil
}

// Eligible reports whether the relay may claim r at now.
func (r *Record) Eligible(now time.Time) bool {
	return r.Status == StatusPending && !r.NextRetryAt.After(now) && r.RetryCount < r.MaxRetries
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r
	c.Data = append([]byte(nil), r.Data...)

	if r.ProcessingStartedAt != nil {
		t := *r.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}

	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}

	return &c
}

// RetryUpdate is the state written after a failed republish.
type RetryUpdate struct {
	RetryCount  int
	NextRetryAt time.Time
	Status      Status
	Error       string
}
