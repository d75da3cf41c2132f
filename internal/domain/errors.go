package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCategory classifies failures so callers can pick a retry policy and a response code.
type ErrorCategory string

const (
	CategoryNotFound   ErrorCategory = "not-found"
	CategoryValidation ErrorCategory = "validation"
	CategoryProcessing ErrorCategory = "processing"
	CategoryIO         ErrorCategory = "io"
)

// Category sentinels. Every typed error below matches exactly one of them via errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrProcessing = errors.New("processing failed")
	ErrIO         = errors.New("storage io failed")
)

// NotFoundError reports ids that did not resolve to an entity.
type NotFoundError struct {
	Resource string
	IDs      []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, strings.Join(e.IDs, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ErrorCategory returns CategoryNotFound.
func (e *NotFoundError) ErrorCategory() ErrorCategory { return CategoryNotFound }

// NewNotFound builds a NotFoundError for one or more ids.
func NewNotFound(resource string, ids ...string) *NotFoundError {
	return &NotFoundError{Resource: resource, IDs: ids}
}

// ValidationError describes a rejected request. The id lists name the offending images.
type ValidationError struct {
	Reason     string   `json:"reason"`
	IDs        []string `json:"ids,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	Extraneous []string `json:"extraneous,omitempty"`
	Duplicated []string `json:"duplicated,omitempty"`
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason)
	appendIDs := func(name string, ids []string) {
		if len(ids) > 0 {
			fmt.Fprintf(&b, "; %s: %s", name, strings.Join(ids, ", "))
		}
	}
	appendIDs("ids", e.IDs)
	appendIDs("missing", e.Missing)
	appendIDs("extraneous", e.Extraneous)
	appendIDs("duplicated", e.Duplicated)
	return b.String()
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ErrorCategory returns CategoryValidation.
func (e *ValidationError) ErrorCategory() ErrorCategory { return CategoryValidation }

// NewValidation builds a ValidationError with sorted offending ids.
func NewValidation(reason string, ids ...string) *ValidationError {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return &ValidationError{Reason: reason, IDs: sorted}
}

// ProcessingError wraps a failed stage, scoring or clustering invocation.
type ProcessingError struct {
	Op  string
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }

// ErrorCategory returns CategoryProcessing.
func (e *ProcessingError) ErrorCategory() ErrorCategory { return CategoryProcessing }

// NewProcessing wraps err as a ProcessingError for op.
func NewProcessing(op string, err error) *ProcessingError {
	return &ProcessingError{Op: op, Err: err}
}

// IOError wraps a byte-store failure on key.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// ErrorCategory returns CategoryIO.
func (e *IOError) ErrorCategory() ErrorCategory { return CategoryIO }

// NewIO wraps err as an IOError.
func NewIO(op, key string, err error) *IOError {
	return &IOError{Op: op, Key: key, Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation)
}

// CategoryOf returns the category of err, or "" for uncategorised errors.
func CategoryOf(err error) ErrorCategory {
	switch {
	case errors.Is(err, ErrNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrValidation):
		return CategoryValidation
	case errors.Is(err, ErrIO):
		return CategoryIO
	case errors.Is(err, ErrProcessing):
		return CategoryProcessing
	}
	return ""
}
