package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrNetwork          = errors.New("network error")                     // Transient, retried inside the fetcher
	ErrNotFound         = errors.New("resource not found (404)")          // Terminal, never retried
	ErrRetryFailed      = errors.New("request failed after all attempts") // Wraps the last underlying error
	ErrHTTPStatus       = errors.New("unexpected HTTP status")            // Non-200, non-404 responses
	ErrMalformedPage    = errors.New("no extractable structure on page")
	ErrIdentityMismatch = errors.New("retried record identity mismatch")
	ErrLogFormat        = errors.New("malformed crawl log line")
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")
	ErrParsing          = errors.New("parsing error")    // Wraps specific parsing error (HTML, URL, CSV, date)
	ErrFilesystem       = errors.New("filesystem error") // Wraps os errors
	ErrDatabase         = errors.New("database error")   // Wraps badger errors
	ErrRequestCreation  = errors.New("failed to create HTTP request")
	ErrResponseBodyRead = errors.New("failed to read response body")
	ErrConfigValidation = errors.New("configuration validation error")
)

// LogFormatError reports a crawl log line that does not split into the expected number of fields.
type LogFormatError struct {
	Line   int    // 1-based line number in the log
	Fields int    // Number of fields actually found
	Raw    string // The offending line
}

func (e *LogFormatError) Error() string {
	return fmt.Sprintf("%v: line %d has %d fields, want 8: %q", ErrLogFormat, e.Line, e.Fields, e.Raw)
}

func (e *LogFormatError) Unwrap() error { return ErrLogFormat }

// IdentityMismatchError reports a retried record whose title differs from the stub it should complete.
type IdentityMismatchError struct {
	Key      string
	Expected string
	Got      string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("%v: key %s expected title %q, got %q", ErrIdentityMismatch, e.Key, e.Expected, e.Got)
}

func (e *IdentityMismatchError) Unwrap() error { return ErrIdentityMismatch }

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Check against sentinel errors first
	switch {
	case errors.Is(err, ErrNotFound):
		return "HTTP_404"
	case errors.Is(err, ErrRetryFailed):
		// Fetcher joins the sentinel and the last cause with two %w verbs, so inspect err itself
		if err == ErrRetryFailed {
			return "RetryFailed_Unknown"
		}
		if errors.Is(err, ErrHTTPStatus) {
			return "RetryFailed_HTTPStatus"
		}
		errMsg := err.Error()
		if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "Timeout") || strings.Contains(errMsg, "deadline exceeded") {
			return "RetryFailed_NetworkTimeout"
		}
		if strings.Contains(errMsg, "connection refused") {
			return "RetryFailed_ConnectionRefused"
		}
		if strings.Contains(errMsg, "no such host") {
			return "RetryFailed_DNSLookup"
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "RetryFailed_NetworkTimeout"
		}
		return "RetryFailed_NetworkOther"
	case errors.Is(err, ErrHTTPStatus):
		return "HTTP_OtherStatus"
	case errors.Is(err, ErrNetwork):
		return "Network_Other"
	case errors.Is(err, ErrMalformedPage):
		return "Content_Malformed"
	case errors.Is(err, ErrIdentityMismatch):
		return "Retry_IdentityMismatch"
	case errors.Is(err, ErrLogFormat):
		return "Log_Format"
	case errors.Is(err, ErrRobotsDisallowed):
		return "Policy_Robots"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		if strings.Contains(errMsg, "CSV") {
			return "Content_ParsingCSV"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for common underlying error types/strings ---
	if errors.Is(err, context.Canceled) {
		return "System_ContextCanceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "System_ContextDeadlineExceeded"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "timeout") {
		return "Network_TimeoutGeneric"
	}
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}

	return "Unknown"
}

// WrapErrorf wraps err with a formatted context message. Returns nil if err is nil.
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
