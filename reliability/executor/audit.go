package executor

import (
	"context"
	"time"
)

// Request describes one logical outbound call for auditing and tracing.
type Request struct {
	Operation  string
	Target     string
	Payload    []byte
	Attributes map[string]string
}

// Outcome is the terminal result of a Request.
type Outcome struct {
	Success  bool
	Err      error
	Attempts int
	Duration time.Duration
}

// AuditLogger records request/response pairs in an external log store.
// LogResponse receives the id returned by LogRequest.
type AuditLogger interface {
	LogRequest(ctx context.Context, req Request) (logID string, err error)
	LogResponse(ctx context.Context, logID string, outcome Outcome) error
}
