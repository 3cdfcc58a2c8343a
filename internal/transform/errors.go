package transform

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a record could not be transformed.
type ErrorKind int

const (
	// KindValidation marks a record that is structurally unusable, such as a
	// missing or unparsable identifier.
	KindValidation ErrorKind = iota + 1
	// KindTransformation marks a value that could not be mapped into the
	// destination schema and has no documented default.
	KindTransformation
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransformation:
		return "transformation"
	default:
		return "unknown"
	}
}

var (
	// ErrMissingIdentifier indicates the record carries no Source identifier.
	ErrMissingIdentifier = errors.New("transform: missing identifier")
	// ErrInvalidIdentifier indicates the Source identifier is not a positive integer.
	ErrInvalidIdentifier = errors.New("transform: invalid identifier")
)

// Error reports a record-level transformation failure.
type Error struct {
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind carried by err, or zero when err is not a
// transformation error.
func KindOf(err error) ErrorKind {
	var transformErr *Error
	if errors.As(err, &transformErr) {
		return transformErr.Kind
	}
	return 0
}

// AdjustmentKind names a self-healing change applied to a single field.
type AdjustmentKind string

const (
	AdjustTruncated AdjustmentKind = "truncated"
	AdjustDefaulted AdjustmentKind = "defaulted"
	AdjustDropped   AdjustmentKind = "dropped"
)

// Adjustment records a field that was truncated, defaulted or dropped while
// the rest of the record was transformed normally.
type Adjustment struct {
	Field  string
	Kind   AdjustmentKind
	Limit  int
	Length int
	Detail string
}
