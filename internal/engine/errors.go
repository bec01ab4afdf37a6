package engine

import "fmt"

// ErrorKind classifies a failed or degraded synchronization cycle.
type ErrorKind string

const (
	// ConnectionError: the head block could not be fetched. Nothing advances.
	ConnectionError ErrorKind = "ConnectionError"
	// QueryError: one or more ranged queries failed. The checkpoint still
	// advances unless every kind failed.
	QueryError ErrorKind = "QueryError"
	// NormalizationError: every raw event of a non-empty batch was dropped.
	NormalizationError ErrorKind = "NormalizationError"
)

// SyncError is the error recorded in Status after a cycle.
type SyncError struct {
	Kind ErrorKind
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
