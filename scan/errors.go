package scan

import (
	"errors"
	"fmt"

	"github.com/hupe1980/tabletscan/model"
)

var (
	// ErrCancelled is latched when a scan is cancelled by the caller.
	ErrCancelled = errors.New("scan cancelled")

	// ErrClosed is returned by operations on a closed scan node.
	ErrClosed = errors.New("scan node closed")
)

// OpenError indicates that storage iterator initialization failed.
//
// The underlying error can be accessed via errors.Unwrap.
type OpenError struct {
	Range model.ScanRange
	cause error
}

// NewOpenError wraps cause as an OpenError for the given range.
func NewOpenError(r model.ScanRange, cause error) *OpenError {
	return &OpenError{Range: r, cause: cause}
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Range, e.cause)
}

func (e *OpenError) Unwrap() error { return e.cause }

// ReadError indicates an I/O or corruption error while filling a chunk.
//
// The underlying error can be accessed via errors.Unwrap.
type ReadError struct {
	Range model.ScanRange
	cause error
}

// NewReadError wraps cause as a ReadError for the given range.
func NewReadError(r model.ScanRange, cause error) *ReadError {
	return &ReadError{Range: r, cause: cause}
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Range, e.cause)
}

func (e *ReadError) Unwrap() error { return e.cause }

// PredicateError indicates a malformed or schema-incompatible pushdown
// predicate.
type PredicateError struct {
	Column string
	cause  error
}

// NewPredicateError wraps cause as a PredicateError on the column.
func NewPredicateError(column string, cause error) *PredicateError {
	return &PredicateError{Column: column, cause: cause}
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("predicate on column %q: %v", e.Column, e.cause)
}

func (e *PredicateError) Unwrap() error { return e.cause }
