package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
)

// ErrorType represents the kind of failure seen while resolving or streaming
type ErrorType int

const (
	ErrInvalidInput ErrorType = iota
	ErrUpstreamTimeout
	ErrUpstreamHTTPStatus
	ErrInvalidMetadata
	ErrNoDownloadLink
	ErrClientDisconnect
	ErrStreamStalled
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// UpstreamError is the normalized form of every resolver and proxy failure
type UpstreamError struct {
	Code       int                    `json:"code"`
	Message    string                 `json:"message"`
	Kind       ErrorType              `json:"kind"`
	Severity   ErrorSeverity          `json:"severity"`
	URL        string                 `json:"url,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
	cause      error
}

// Error implements the error interface
func (e *UpstreamError) Error() string {
	var parts []string

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("upstream error (code: %d, kind: %s)", e.Code, e.Kind.String()))
	} else {
		parts = append(parts, fmt.Sprintf("upstream error (kind: %s)", e.Kind.String()))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying transport error, if any
func (e *UpstreamError) Unwrap() error {
	return e.cause
}

// DetailedError returns a detailed error message with all available information
func (e *UpstreamError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Kind.String()))

	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}

	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", RedactURL(e.URL)))
	}
	if e.cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %s", (&QueryRedactor{}).Redact(e.cause.Error())))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrInvalidInput:
		return "InvalidInput"
	case ErrUpstreamTimeout:
		return "UpstreamTimeout"
	case ErrUpstreamHTTPStatus:
		return "UpstreamHttpStatus"
	case ErrInvalidMetadata:
		return "UpstreamInvalidMetadata"
	case ErrNoDownloadLink:
		return "UpstreamNoDownloadLink"
	case ErrClientDisconnect:
		return "ClientDisconnect"
	case ErrStreamStalled:
		return "StreamStalled"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewUpstreamError creates a new UpstreamError with a default suggestion and severity
func NewUpstreamError(code int, message string, kind ErrorType) *UpstreamError {
	return &UpstreamError{
		Code:       code,
		Message:    message,
		Kind:       kind,
		Severity:   getDefaultSeverity(kind),
		Suggestion: getDefaultSuggestion(kind, code),
		Context:    make(map[string]interface{}),
	}
}

// WithSuggestion replaces the default suggestion
func (e *UpstreamError) WithSuggestion(suggestion string) *UpstreamError {
	e.Suggestion = suggestion
	return e
}

// WithURL adds URL context to the error (redacted when printed)
func (e *UpstreamError) WithURL(url string) *UpstreamError {
	e.URL = url
	return e
}

// WithContext adds context information to the error
func (e *UpstreamError) WithContext(key string, value interface{}) *UpstreamError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause records the underlying error for errors.Is / errors.As
func (e *UpstreamError) WithCause(err error) *UpstreamError {
	e.cause = err
	return e
}

// IsRetryable returns true if repeating the same request may succeed
func (e *UpstreamError) IsRetryable() bool {
	switch e.Kind {
	case ErrUpstreamTimeout:
		return true
	case ErrUpstreamHTTPStatus:
		return e.Code >= 500 || e.Code == http.StatusTooManyRequests
	default:
		return false
	}
}

// IsClientError reports whether the file host rejected the request with a 4xx.
// A signed link that expired server-side surfaces this way.
func (e *UpstreamError) IsClientError() bool {
	return e.Kind == ErrUpstreamHTTPStatus && e.Code >= 400 && e.Code < 500
}

// HTTPStatus maps the error kind to the status returned to our own clients
func (e *UpstreamError) HTTPStatus() int {
	if e.Kind == ErrInvalidInput {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Validation Error for field '%s'", e.Field))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
		Context: make(map[string]interface{}),
	}
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func getDefaultSuggestion(kind ErrorType, code int) string {
	switch kind {
	case ErrInvalidInput:
		return "Provide a share id of at least 6 characters from [A-Za-z0-9_-]"
	case ErrUpstreamTimeout:
		return "The helper API did not answer in time. Try again in a moment"
	case ErrUpstreamHTTPStatus:
		if code >= 500 {
			return "The upstream service is failing. Try again later"
		}
		return "The link may have expired. Resolve the share again"
	case ErrInvalidMetadata:
		return "The share may be empty, private or removed"
	case ErrNoDownloadLink:
		return "The helper API could not sign a link for this file. Try again later"
	case ErrStreamStalled:
		return "The file host stopped sending data. Resume the download"
	default:
		return ""
	}
}

func getDefaultSeverity(kind ErrorType) ErrorSeverity {
	switch kind {
	case ErrClientDisconnect:
		return SeverityInfo
	case ErrUpstreamTimeout, ErrStreamStalled, ErrInvalidInput:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// RedactURL strips the query string, which for signed links carries the signature
func RedactURL(url string) string {
	if i := strings.Index(url, "?"); i >= 0 {
		return url[:i] + "?[REDACTED]"
	}
	return url
}

// AsUpstreamError extracts an *UpstreamError from an error chain
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsTimeout reports whether err is a deadline or network timeout
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Common error constructors

// NewInvalidInputError creates an error for a malformed share id or URL
func NewInvalidInputError(message string) *UpstreamError {
	return NewUpstreamError(http.StatusBadRequest, message, ErrInvalidInput)
}

// NewTimeoutError creates an error for an upstream call that exceeded its deadline
func NewTimeoutError(operation string, cause error) *UpstreamError {
	return NewUpstreamError(0, fmt.Sprintf("request timed out during %s", operation), ErrUpstreamTimeout).
		WithContext("operation", operation).
		WithCause(cause)
}

// NewHTTPStatusError creates an error for an unexpected upstream status
func NewHTTPStatusError(operation string, status int) *UpstreamError {
	return NewUpstreamError(status, fmt.Sprintf("%s returned status %d", operation, status), ErrUpstreamHTTPStatus).
		WithContext("operation", operation)
}

// NewClientDisconnectError marks a stream that ended because the client went away
func NewClientDisconnectError(written int64, cause error) *UpstreamError {
	return NewUpstreamError(0, "client disconnected", ErrClientDisconnect).
		WithContext("bytes_written", written).
		WithCause(cause)
}
