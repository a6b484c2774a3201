package internal

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) charm() log.Level {
	switch l {
	case LogLevelError:
		return log.ErrorLevel
	case LogLevelWarn:
		return log.WarnLevel
	case LogLevelDebug:
		return log.DebugLevel
	default:
		return log.InfoLevel
	}
}

// SecureLogger provides secure logging with sensitive data redaction
type SecureLogger struct {
	logger    *log.Logger
	level     LogLevel
	quiet     bool
	redactors []Redactor
}

// Redactor defines an interface for redacting sensitive information
type Redactor interface {
	Redact(input string) string
}

// HeaderRedactor redacts credential-bearing header values
type HeaderRedactor struct{}

func (r *HeaderRedactor) Redact(input string) string {
	// whole header values are masked up to the end of the line
	patterns := []string{
		"set-cookie:",
		"cookie:",
		"authorization:",
	}

	result := input
	for _, pattern := range patterns {
		result = redactAfter(result, pattern, func(c byte) bool { return c == '\n' || c == '\r' })
	}
	return redactAfter(result, "bearer ", func(c byte) bool { return c == ' ' || c == '\n' || c == '\r' })
}

func redactAfter(input, pattern string, stop func(byte) bool) string {
	lower := strings.ToLower(input)
	index := strings.Index(lower, pattern)
	if index == -1 {
		return input
	}
	start := index + len(pattern)
	for start < len(input) && input[start] == ' ' {
		start++
	}
	if strings.HasPrefix(input[start:], "[REDACTED]") {
		return input
	}
	end := start
	for end < len(input) && !stop(input[end]) {
		end++
	}
	if end == start {
		return input
	}
	return input[:start] + "[REDACTED]" + input[end:]
}

// QueryRedactor masks signing material carried in URL query parameters
type QueryRedactor struct{}

var sensitiveParams = []string{
	"sign=",
	"signature=",
	"token=",
	"access_token=",
	"uk=",
	"timestamp=",
	"pwd=",
	"key=",
}

func (r *QueryRedactor) Redact(input string) string {
	result := input
	for _, param := range sensitiveParams {
		offset := 0
		for {
			lower := strings.ToLower(result[offset:])
			index := strings.Index(lower, param)
			if index == -1 {
				break
			}
			index += offset
			// only match whole parameter names
			if index > 0 && result[index-1] != '?' && result[index-1] != '&' && result[index-1] != ' ' {
				offset = index + len(param)
				continue
			}
			start := index + len(param)
			end := start
			for end < len(result) && result[end] != '&' && result[end] != ' ' && result[end] != '\n' && result[end] != '"' {
				end++
			}
			if end > start {
				result = result[:start] + "[REDACTED]" + result[end:]
			}
			offset = start + len("[REDACTED]")
			if offset >= len(result) {
				break
			}
		}
	}
	return result
}

// NewSecureLogger creates a new secure logger
func NewSecureLogger(output io.Writer, level LogLevel, debug, quiet bool) *SecureLogger {
	if quiet {
		level = LogLevelError
	}

	logger := log.NewWithOptions(output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		ReportCaller:    debug,
		Level:           level.charm(),
		Prefix:          "terastream",
	})

	return &SecureLogger{
		logger: logger,
		level:  level,
		quiet:  quiet,
		redactors: []Redactor{
			&HeaderRedactor{},
			&QueryRedactor{},
		},
	}
}

// NewDefaultLogger creates a logger with default settings
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}
	return NewSecureLogger(os.Stderr, level, debug, quiet)
}

// Level returns the effective log level
func (sl *SecureLogger) Level() LogLevel {
	return sl.level
}

// redactSensitiveData applies all redactors to the input string
func (sl *SecureLogger) redactSensitiveData(input string) string {
	result := input
	for _, redactor := range sl.redactors {
		result = redactor.Redact(result)
	}
	return result
}

// shouldLog determines if a message should be logged based on level
func (sl *SecureLogger) shouldLog(level LogLevel) bool {
	if sl.quiet && level > LogLevelError {
		return false
	}
	return level <= sl.level
}

func (sl *SecureLogger) emit(level LogLevel, format string, args ...interface{}) {
	if !sl.shouldLog(level) {
		return
	}
	message := sl.redactSensitiveData(fmt.Sprintf(format, args...))

	switch level {
	case LogLevelError:
		sl.logger.Error(message)
	case LogLevelWarn:
		sl.logger.Warn(message)
	case LogLevelDebug:
		sl.logger.Debug(message)
	default:
		sl.logger.Info(message)
	}
}

// Error logs an error message
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.logger.Helper()
	sl.emit(LogLevelError, format, args...)
}

// Warn logs a warning message
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.logger.Helper()
	sl.emit(LogLevelWarn, format, args...)
}

// Info logs an info message
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.logger.Helper()
	sl.emit(LogLevelInfo, format, args...)
}

// Debug logs a debug message
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.logger.Helper()
	sl.emit(LogLevelDebug, format, args...)
}

// InfoFields logs msg with structured key/value pairs at info level after
// redacting string values
func (sl *SecureLogger) InfoFields(msg string, keyvals ...interface{}) {
	if !sl.shouldLog(LogLevelInfo) {
		return
	}
	sl.logger.Helper()
	for i := 1; i < len(keyvals); i += 2 {
		if s, ok := keyvals[i].(string); ok {
			keyvals[i] = sl.redactSensitiveData(s)
		}
	}
	sl.logger.Info(msg, keyvals...)
}

// LogHTTPRequest logs an HTTP request with sensitive data redacted
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}

	sl.Debug("HTTP Request: %s %s Headers: %v", req.Method, RedactURL(req.URL.String()), sl.sanitizeHeaders(req.Header))
}

// LogHTTPResponse logs an HTTP response with sensitive data redacted
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}

	sl.Debug("HTTP Response: %s Headers: %v", resp.Status, sl.sanitizeHeaders(resp.Header))
}

func (sl *SecureLogger) sanitizeHeaders(header http.Header) map[string]string {
	sanitized := make(map[string]string, len(header))
	for name, values := range header {
		if sl.isSensitiveHeader(name) {
			sanitized[name] = "[REDACTED]"
		} else {
			sanitized[name] = strings.Join(values, ", ")
		}
	}
	return sanitized
}

// isSensitiveHeader checks if a header contains sensitive information
func (sl *SecureLogger) isSensitiveHeader(name string) bool {
	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"x-auth-token",
		"x-api-key",
		"token",
	}

	lowerName := strings.ToLower(name)
	for _, sensitive := range sensitiveHeaders {
		if strings.Contains(lowerName, sensitive) {
			return true
		}
	}
	return false
}
