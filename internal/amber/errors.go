package amber

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed set of error classes recorded on snapshots and
// surfaced to collaborators. Use KindOf to classify an error.
type ErrorKind string

const (
	KindNone                   ErrorKind = ""
	KindDestinationUnavailable ErrorKind = "destination_unavailable"
	KindTransfer               ErrorKind = "transfer"
	KindPartialTransfer        ErrorKind = "partial_transfer"
	KindCancelled              ErrorKind = "cancelled"
	KindMetadataCorruption     ErrorKind = "metadata_corruption"
	KindScheduleConflict       ErrorKind = "schedule_conflict"
	KindClockAnomaly           ErrorKind = "clock_anomaly"
	KindInterrupted            ErrorKind = "interrupted"
	KindGeneric                ErrorKind = "error"
)

// Destination guard failure reasons. Always wrapped in a *DestinationError.
var (
	ErrMissingMarker = errors.New("destination marker missing")
	ErrNotMounted    = errors.New("destination not mounted")
	ErrWrongIdentity = errors.New("destination marker belongs to another job")
)

var (
	ErrCancelled              = errors.New("run cancelled")
	ErrScheduleConflict       = errors.New("a run for this job is already in flight")
	ErrMetadataCorruption     = errors.New("metadata store is corrupt or inconsistent")
	ErrClockAnomaly           = errors.New("system clock is behind the newest snapshot")
	ErrAlreadyFinalized       = errors.New("snapshot already finalized")
	ErrNotFound               = errors.New("not found")
	ErrSnapshotNotComplete    = errors.New("snapshot is not complete")
	ErrInvalidPath            = errors.New("path escapes the snapshot")
	ErrRestoreIntoDestination = errors.New("restore target is inside a managed destination")
	ErrTargetExists           = errors.New("restore target already exists")
	ErrJobBusy                = errors.New("job has a run in flight")
	ErrJobExists              = errors.New("job already exists")
)

// DestinationError reports a failed destination guard check.
type DestinationError struct {
	Root   string
	Reason error // ErrMissingMarker, ErrNotMounted or ErrWrongIdentity
	Detail string
}

func (e *DestinationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("destination %s unavailable: %v: %s", e.Root, e.Reason, e.Detail)
	}
	return fmt.Sprintf("destination %s unavailable: %v", e.Root, e.Reason)
}

func (e *DestinationError) Unwrap() error { return e.Reason }

// TransferError is a sync tool failure that is not a partial transfer.
type TransferError struct {
	ExitCode    int
	Transient   bool
	Attempts    int
	Diagnostics string
	Err         error
}

func (e *TransferError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transfer failed (exit code %d", e.ExitCode)
	if e.Attempts > 1 {
		fmt.Fprintf(&b, ", %d attempts", e.Attempts)
	}
	b.WriteString(")")
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else if e.Diagnostics != "" {
		fmt.Fprintf(&b, ": %s", firstLine(e.Diagnostics))
	}
	return b.String()
}

func (e *TransferError) Unwrap() error { return e.Err }

// PartialTransferError lists files the sync tool could not transfer. The
// snapshot itself is complete; callers treat this as a warning.
type PartialTransferError struct {
	FailedPaths []string
}

func (e *PartialTransferError) Error() string {
	return fmt.Sprintf("partial transfer: %d path(s) failed", len(e.FailedPaths))
}

// KindOf classifies err into the closed taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var destErr *DestinationError
	var transferErr *TransferError
	var partialErr *PartialTransferError
	switch {
	case errors.As(err, &destErr):
		return KindDestinationUnavailable
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &partialErr):
		return KindPartialTransfer
	case errors.As(err, &transferErr):
		return KindTransfer
	case errors.Is(err, ErrMetadataCorruption):
		return KindMetadataCorruption
	case errors.Is(err, ErrScheduleConflict):
		return KindScheduleConflict
	case errors.Is(err, ErrClockAnomaly):
		return KindClockAnomaly
	default:
		return KindGeneric
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
