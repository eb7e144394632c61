package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents internal error codes for lookup operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument      ErrorCode = 1000
	ErrCodeNotFoundInStore      ErrorCode = 1001
	ErrCodeVersionNotPublished  ErrorCode = 1002
	ErrCodeUnknownInputCategory ErrorCode = 1003
	ErrCodeRecreationInProgress ErrorCode = 1004

	// Server errors (5xx equivalent)
	ErrCodeInternal            ErrorCode = 2000
	ErrCodeCacheUnavailable    ErrorCode = 2001
	ErrCodePayloadTypeMismatch ErrorCode = 2002
	ErrCodeBatchWriteFailure   ErrorCode = 2003
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                   "OK",
	ErrCodeInvalidArgument:      "INVALID_ARGUMENT",
	ErrCodeNotFoundInStore:      "NOT_FOUND_IN_STORE",
	ErrCodeVersionNotPublished:  "VERSION_NOT_PUBLISHED",
	ErrCodeUnknownInputCategory: "UNKNOWN_INPUT_CATEGORY",
	ErrCodeRecreationInProgress: "RECREATION_IN_PROGRESS",
	ErrCodeInternal:             "INTERNAL",
	ErrCodeCacheUnavailable:     "CACHE_UNAVAILABLE",
	ErrCodePayloadTypeMismatch:  "PAYLOAD_TYPE_MISMATCH",
	ErrCodeBatchWriteFailure:    "BATCH_WRITE_FAILURE",
}

// String returns the wire name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// LookupError represents a structured error with code and context
type LookupError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *LookupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *LookupError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps internal error codes to HTTP status codes
func (e *LookupError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeUnknownInputCategory:
		return http.StatusBadRequest
	case ErrCodeNotFoundInStore, ErrCodeVersionNotPublished:
		return http.StatusNotFound
	case ErrCodeRecreationInProgress:
		return http.StatusConflict
	case ErrCodeCacheUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeBatchWriteFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewLookupError creates a new LookupError
func NewLookupError(code ErrorCode, message string, cause error) *LookupError {
	return &LookupError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *LookupError) WithDetail(key string, value interface{}) *LookupError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *LookupError {
	return NewLookupError(ErrCodeInvalidArgument, message, cause)
}

func NotFoundInStore(dataset, version, partitionKey, rowKey string) *LookupError {
	return NewLookupError(ErrCodeNotFoundInStore,
		fmt.Sprintf("no entry %s/%s in %s version %s", partitionKey, rowKey, dataset, version), nil).
		WithDetail("dataset", dataset).
		WithDetail("version", version).
		WithDetail("partition_key", partitionKey).
		WithDetail("row_key", rowKey)
}

func VersionNotPublished(dataset, version string) *LookupError {
	return NewLookupError(ErrCodeVersionNotPublished,
		fmt.Sprintf("no table published for %s version %s", dataset, version), nil).
		WithDetail("dataset", dataset).
		WithDetail("version", version)
}

func CacheUnavailable(dataset, version string, cause error) *LookupError {
	return NewLookupError(ErrCodeCacheUnavailable,
		fmt.Sprintf("lookup cache unavailable for %s version %s", dataset, version), cause).
		WithDetail("dataset", dataset).
		WithDetail("version", version)
}

func PayloadTypeMismatch(stored string, expected []string) *LookupError {
	return NewLookupError(ErrCodePayloadTypeMismatch,
		fmt.Sprintf("stored payload type %q, expected one of %v", stored, expected), nil).
		WithDetail("stored", stored).
		WithDetail("expected", expected)
}

func UnknownInputCategory(name, category, payloadType string) *LookupError {
	return NewLookupError(ErrCodeUnknownInputCategory,
		fmt.Sprintf("record %q has unknown category %q / payload type %q", name, category, payloadType), nil).
		WithDetail("name", name).
		WithDetail("category", category).
		WithDetail("payload_type", payloadType)
}

func BatchWriteFailure(table, partitionKey string, batch, rows int, cause error) *LookupError {
	return NewLookupError(ErrCodeBatchWriteFailure,
		fmt.Sprintf("batch %d (%d rows) of partition %s in table %s failed", batch, rows, partitionKey, table), cause).
		WithDetail("table", table).
		WithDetail("partition_key", partitionKey).
		WithDetail("batch", batch).
		WithDetail("rows", rows)
}

func RecreationInProgress(dataset string) *LookupError {
	return NewLookupError(ErrCodeRecreationInProgress,
		fmt.Sprintf("a recreation of %s is already running", dataset), nil).
		WithDetail("dataset", dataset)
}

func InternalError(message string, cause error) *LookupError {
	return NewLookupError(ErrCodeInternal, message, cause)
}

// IsLookupError checks if an error chain contains a LookupError
func IsLookupError(err error) bool {
	var le *LookupError
	return stderrors.As(err, &le)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var le *LookupError
	if stderrors.As(err, &le) {
		return le.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether the first LookupError in the chain carries code
func IsCode(err error, code ErrorCode) bool {
	var le *LookupError
	return stderrors.As(err, &le) && le.Code == code
}
