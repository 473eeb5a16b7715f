// Package errors provides structured error types for the lakehouse pipeline.
// All errors include a category, code, message, and retryable flag so every
// stage can decide between retry, fallback and abort the same way.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryTable      ErrorCategory = "TABLE"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeSchemaConflict  = "SCHEMA_CONFLICT"
	CodeSchemaViolation = "SCHEMA_VIOLATION"
	CodeRowValidation   = "ROW_VALIDATION"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeStoreTimeout   = "STORE_TIMEOUT"

	// Table codes
	CodeWriteConflict      = "WRITE_CONFLICT"
	CodeTrackingDisabled   = "TRACKING_DISABLED"
	CodeHistoryUnavailable = "HISTORY_UNAVAILABLE"
	CodeTableNotFound      = "TABLE_NOT_FOUND"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is matching on category and code.
var (
	ErrSchemaConflict     = New(ErrCategoryValidation, CodeSchemaConflict, "schema conflict")
	ErrSchemaViolation    = New(ErrCategoryValidation, CodeSchemaViolation, "schema violation")
	ErrRowValidation      = New(ErrCategoryValidation, CodeRowValidation, "row validation failed")
	ErrStoreTimeout       = New(ErrCategoryStorage, CodeStoreTimeout, "store operation timed out")
	ErrWriteConflict      = New(ErrCategoryTable, CodeWriteConflict, "write conflict")
	ErrTrackingDisabled   = New(ErrCategoryTable, CodeTrackingDisabled, "change tracking disabled")
	ErrHistoryUnavailable = New(ErrCategoryTable, CodeHistoryUnavailable, "history unavailable")
	ErrTableNotFound      = New(ErrCategoryTable, CodeTableNotFound, "table not found")
	ErrInvalidConfig      = New(ErrCategoryConfig, CodeInvalidConfig, "invalid configuration")
)

// PipelineError is the structured error type used throughout the system.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeStoreTimeout:
		return true
	case category == ErrCategoryTable && code == CodeWriteConflict:
		return true
	default:
		return false
	}
}

// Convenience constructors for the pipeline's error taxonomy.

func NewSchemaConflict(table, message string) *PipelineError {
	return New(ErrCategoryValidation, CodeSchemaConflict, message).
		WithDetails(map[string]interface{}{"table": table})
}

func NewSchemaViolation(table string, cause error) *PipelineError {
	return Wrap(ErrCategoryValidation, CodeSchemaViolation, "rows do not match table schema", cause).
		WithDetails(map[string]interface{}{"table": table})
}

func NewTrackingDisabled(table, reason string) *PipelineError {
	return New(ErrCategoryTable, CodeTrackingDisabled, fmt.Sprintf("table %s: %s", table, reason))
}

func NewWriteConflict(table string, version int64, cause error) *PipelineError {
	return Wrap(ErrCategoryTable, CodeWriteConflict,
		fmt.Sprintf("version %d of %s was committed concurrently", version, table), cause)
}

func NewHistoryUnavailable(table string, since, until int64) *PipelineError {
	return New(ErrCategoryTable, CodeHistoryUnavailable,
		fmt.Sprintf("changes of %s in (%d, %d] are no longer retained", table, since, until))
}

func NewTableNotFound(table string) *PipelineError {
	return New(ErrCategoryTable, CodeTableNotFound, fmt.Sprintf("table %s does not exist", table))
}

func NewStoreTimeout(op string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, CodeStoreTimeout, op+" exceeded its deadline", cause)
}

func NewStorageError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewConfigError(message string) *PipelineError {
	return New(ErrCategoryConfig, CodeInvalidConfig, message)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// RowError is a recoverable validation failure of a single row.
type RowError struct {
	Row    int
	Field  string
	Reason string
}

func (e *RowError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
	}
	return fmt.Sprintf("row %d, field %q: %s", e.Row, e.Field, e.Reason)
}

// Is matches ErrRowValidation.
func (e *RowError) Is(target error) bool {
	return errors.Is(ErrRowValidation, target)
}

// RowErrors collects row-level failures. It keeps the total count and at
// most MaxSamples individual errors.
type RowErrors struct {
	MaxSamples int
	Count      int
	Samples    []*RowError
}

// DefaultMaxSamples bounds the row errors kept for reporting.
const DefaultMaxSamples = 10

// Add records one row failure.
func (e *RowErrors) Add(row int, field, reason string) {
	e.Count++
	max := e.MaxSamples
	if max == 0 {
		max = DefaultMaxSamples
	}
	if len(e.Samples) < max {
		e.Samples = append(e.Samples, &RowError{Row: row, Field: field, Reason: reason})
	}
}

// Remap rewrites sampled row positions through origins, where origins[i]
// is the position row i had before an earlier stage filtered the batch.
func (e *RowErrors) Remap(origins []int) {
	for _, s := range e.Samples {
		if s.Row >= 0 && s.Row < len(origins) {
			s.Row = origins[s.Row]
		}
	}
}

// Reasons returns the sampled failures as strings.
func (e *RowErrors) Reasons() []string {
	out := make([]string, len(e.Samples))
	for i, s := range e.Samples {
		out[i] = s.Error()
	}
	return out
}

// Err returns nil when no rows failed, otherwise a ROW_VALIDATION error
// summarising the failures.
func (e *RowErrors) Err() error {
	if e.Count == 0 {
		return nil
	}
	return New(ErrCategoryValidation, CodeRowValidation, e.Error()).
		WithDetails(map[string]interface{}{"count": e.Count, "samples": e.Reasons()})
}

func (e *RowErrors) Error() string {
	if e.Count == 0 {
		return "no row errors"
	}
	if e.Count == 1 && len(e.Samples) == 1 {
		return e.Samples[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d row errors", e.Count))
	for _, s := range e.Samples {
		sb.WriteString("\n  - ")
		sb.WriteString(s.Error())
	}
	return sb.String()
}
