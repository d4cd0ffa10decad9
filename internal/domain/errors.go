package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeConfig           ErrorType = "configuration"
	ErrorTypeTransientService ErrorType = "transient_service"
	ErrorTypeFatalService     ErrorType = "fatal_service"
	ErrorTypeTableShape       ErrorType = "table_shape"
	ErrorTypePersistence      ErrorType = "persistence"
	ErrorTypeResumeState      ErrorType = "resume_state"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeIO               ErrorType = "io"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func TransientServiceError(message string, err error) *DomainError {
	return NewError(ErrorTypeTransientService, message, err)
}

func FatalServiceError(message string, err error) *DomainError {
	return NewError(ErrorTypeFatalService, message, err)
}

func PersistenceError(message string, err error) *DomainError {
	return NewError(ErrorTypePersistence, message, err)
}

func ResumeStateError(message string, err error) *DomainError {
	return NewError(ErrorTypeResumeState, message, err)
}

func NotFoundError(message string, err error) *DomainError {
	return NewError(ErrorTypeNotFound, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

// TableShapeError is raised by the reshaper when the columns of one table
// report different row counts.
type TableShapeError struct {
	TableID string
	Lengths map[string]int
	Order   []string
}

func (e *TableShapeError) Error() string {
	parts := make([]string, 0, len(e.Order))
	for _, col := range e.Order {
		parts = append(parts, fmt.Sprintf("%q=%d", col, e.Lengths[col]))
	}
	return fmt.Sprintf("table %q has mismatched column lengths: %s", e.TableID, strings.Join(parts, ", "))
}

// TableShapeMismatchError wraps a TableShapeError in the domain taxonomy.
func TableShapeMismatchError(tableID string, order []string, lengths map[string]int) *DomainError {
	shape := &TableShapeError{TableID: tableID, Lengths: lengths, Order: order}
	return NewError(ErrorTypeTableShape, "reshape aborted", shape)
}

// KindOf returns the ErrorType of the first DomainError in err's chain.
// Context cancellation is reported as transient; anything else unknown is fatal.
func KindOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTransientService
	}
	return ErrorTypeFatalService
}

// IsKind reports whether err carries the given ErrorType.
func IsKind(err error, kind ErrorType) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return de.Type == kind
}

// IsTransient reports whether err may succeed on a later attempt.
func IsTransient(err error) bool {
	return IsKind(err, ErrorTypeTransientService)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return IsKind(err, ErrorTypeFatalService)
}
