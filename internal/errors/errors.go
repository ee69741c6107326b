// Package errors provides error handling for reportsched.
//
// It re-exports github.com/cockroachdb/errors so every package wraps, marks
// and inspects errors the same way, and defines the sentinel errors the
// scheduling engine uses to classify failures:
//
//	if err := store.Claim(ctx, req); errors.Is(err, errors.ErrClaimConflict) {
//	    // another worker owns this due window
//	}
package errors

import (
	"fmt"
	"sort"
	"strings"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	Mark          = crdb.Mark
	WithHint      = crdb.WithHint
	CombineErrors = crdb.CombineErrors
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

var (
	// ErrNotFound indicates the schedule does not exist or was soft-deleted.
	ErrNotFound = New("schedule not found")

	// ErrClaimConflict indicates another executor already claimed the due
	// window, or the schedule changed between read and claim.
	ErrClaimConflict = New("schedule claim conflict")

	// ErrStorageUnavailable marks failures of the persistence layer.
	ErrStorageUnavailable = New("schedule storage unavailable")
)

// Storage wraps err with the failed operation and marks it as
// ErrStorageUnavailable. It returns nil for a nil err.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, op), ErrStorageUnavailable)
}

// FieldError is a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every problem found in a schedule configuration.
// It is returned before any state is mutated.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Add records a problem for field.
func (v *ValidationError) Add(field, format string, args ...interface{}) {
	v.Fields = append(v.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Has reports whether a problem was recorded for field.
func (v *ValidationError) Has(field string) bool {
	for _, f := range v.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// OrNil returns v when it holds at least one problem, nil otherwise.
func (v *ValidationError) OrNil() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	sort.Strings(parts)
	return "invalid schedule: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return As(err, &v)
}
