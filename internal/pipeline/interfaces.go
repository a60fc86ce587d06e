// Package pipeline holds the domain types and collaborator interfaces shared by
// the admission, queueing and worker packages.
package pipeline

import (
	"context"
	"time"
)

// Generator produces content for a job. It is an external collaborator; the
// pipeline only sees success with a Result or failure with an error.
type Generator interface {
	Generate(ctx context.Context, job Job) (Result, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Outcome is the completion report handed to the webhook notifier.
type Outcome struct {
	Success bool
	Result  *Result
	Error   string
}

// Notifier delivers completion outcomes to caller-supplied webhooks.
type Notifier interface {
	Deliver(ctx context.Context, hook Webhook, jobID string, outcome Outcome) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and ledger IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
