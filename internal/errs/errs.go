// Package errs defines the small error taxonomy described in spec.md §7.
// These are checked with errors.Is/errors.As at component boundaries; they
// are not exception classes, just enough structure to let callers decide
// whether a failure is fatal for a table/URL or merely skippable.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", ErrX) to attach
// context while keeping errors.Is matching intact.
var (
	// ErrSchemaConflict: an existing CDC column's type or primary-key
	// position changed. Fatal for the folder/table that observed it.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrSchemaCSVUnknownColumns: a DMAP result's CSV has columns the
	// warehouse table doesn't. Fatal for that URL.
	ErrSchemaCSVUnknownColumns = errors.New("csv has columns unknown to warehouse table")

	// ErrAuthRejected: HTTP 403 downloading a DMAP result. Skip the result,
	// continue with the next one.
	ErrAuthRejected = errors.New("auth rejected")

	// ErrParallelInstance: the orchestrator guard found more than one
	// matching task already running. Fatal at startup.
	ErrParallelInstance = errors.New("another instance is already running")

	// ErrObjectStoreUnavailable: a List/Get/Put/Delete call failed after
	// retries. Propagates and ends the current table/URL.
	ErrObjectStoreUnavailable = errors.New("object store unavailable")
)

// TableError wraps an error with the upstream table it occurred on, so the
// pipeline can log "table=S.T" without every component threading that
// through manually.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %s: %v", e.Table, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// URLError wraps an error with the DMAP URL it occurred on.
type URLError struct {
	URL string
	Err error
}

func (e *URLError) Error() string {
	return fmt.Sprintf("url %s: %v", e.URL, e.Err)
}

func (e *URLError) Unwrap() error { return e.Err }
