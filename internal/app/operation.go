package app

import (
	"errors"
	"time"

	"amber-go/internal/amber"
)

// Operation statuses.
const (
	OpRunning   = "running"
	OpSuccess   = "success"
	OpError     = "error"
	OpCancelled = "cancelled"
)

// Operation tracks one CLI invocation. Its ID tags every log line the
// invocation writes, so a run can be followed through amber.log.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Kind       amber.ErrorKind
}

// NewOperation creates an operation started at now.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         now.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		StartedAt:  now,
		Status:     OpRunning,
	}
}

// Finish records the outcome of the operation. Only the first call counts.
func (op *Operation) Finish(err error, now time.Time) {
	if op.Finished() {
		return
	}
	op.FinishedAt = now
	op.Kind = amber.KindOf(err)
	switch {
	case err == nil:
		op.Status = OpSuccess
	case errors.Is(err, amber.ErrCancelled), op.Kind == amber.KindCancelled:
		op.Status = OpCancelled
	default:
		op.Status = OpError
	}
}

// Finished reports whether Finish has been called.
func (op *Operation) Finished() bool {
	return op.Status != OpRunning
}

// Duration is how long the operation ran, or 0 while it is running.
func (op *Operation) Duration() time.Duration {
	if !op.Finished() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
