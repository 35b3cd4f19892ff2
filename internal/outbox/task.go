// Package outbox runs background side effects (provider submission, IP
// registration) off the request path with at-least-once delivery.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type TaskType string

const (
	TaskSubmitJob          TaskType = "submit_job"
	TaskRehostOutput       TaskType = "rehost_output"
	TaskRegisterDerivative TaskType = "register_derivative"
	TaskRegisterAsset      TaskType = "register_asset"
)

// ErrEmpty is returned by Claim when no task arrived before the timeout.
var ErrEmpty = errors.New("outbox empty")

// Task is one unit of background work about a single job or asset.
type Task struct {
	ID        uuid.UUID `json:"id"`
	Type      TaskType  `json:"type"`
	SubjectID uuid.UUID `json:"subject_id"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before,omitempty"`

	// raw is the encoded form as claimed, needed to ack a Redis task.
	raw string
}

// NewTask builds a first-attempt task for subject.
func NewTask(typ TaskType, subject uuid.UUID) Task {
	return Task{ID: uuid.New(), Type: typ, SubjectID: subject}
}

// Queue is a reliable task queue. A claimed task stays owned by the claimer
// until acked.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Claim(ctx context.Context, timeout time.Duration) (Task, error)
	Ack(ctx context.Context, task Task) error
}

// Enqueuer is the producer side of a Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
