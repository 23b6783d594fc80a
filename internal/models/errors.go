package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned for lookups of ids the registry does not hold.
	ErrNotFound = errors.New("job not found")
	// ErrPersistence marks snapshot I/O failures. They never affect the live registry.
	ErrPersistence = errors.New("persistence failure")
)

// Messages recorded on terminal jobs.
const (
	MsgNoOutput          = "no output produced"
	MsgTerminatedTimeout = "job terminated: timeout"
	MsgTerminatedStop    = "job terminated: shutdown"
)

// ValidationError reports enqueue input that was missing or malformed.
// No job is created when it is returned.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
