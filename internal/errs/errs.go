// Package errs defines common error variables used across the application.
package errs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrServiceClosed indicates that the service is shutting down and cannot accept new tasks.
	ErrServiceClosed = errors.New("service is closed")
	// ErrInvalidRequestBody indicates that the request body is invalid or cannot be parsed.
	ErrInvalidRequestBody = errors.New("invalid request body")
)

// Task and storage errors.
var (
	// ErrValidation indicates that a task spec failed validation. See ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates that the task is not found in storage.
	ErrNotFound = errors.New("task not found")
	// ErrConflict indicates that the operation conflicts with the current state of the task.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState indicates that the task status does not allow the requested transition.
	ErrInvalidState = fmt.Errorf("%w: invalid task state", ErrConflict)
	// ErrAlreadyExists indicates that an active task with the same URL already exists.
	ErrAlreadyExists = fmt.Errorf("%w: active task for url already exists", ErrConflict)
	// ErrQueueFull indicates that the execution queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
	// ErrBatchTooLarge indicates that a batch request exceeds the allowed size.
	ErrBatchTooLarge = errors.New("batch too large")
)

// Collaborator errors.
var (
	// ErrExtractionFailed indicates that metadata extraction failed or timed out.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrUnsupportedSite indicates that the extractor does not support the source url.
	ErrUnsupportedSite = errors.New("unsupported site")
	// ErrDownloadFailed indicates that the download failed.
	ErrDownloadFailed = errors.New("download failed")
	// ErrProcessingFailed indicates that post-processing failed.
	ErrProcessingFailed = errors.New("post-processing failed")
	// ErrBinaryNotFound indicates that the required binary was not found.
	ErrBinaryNotFound = errors.New("binary not found")
	// ErrUnsupportedPlatform indicates that the current platform is not supported.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Proxy errors.
var (
	// ErrNoProxiesAvailable indicates that no proxies are available.
	ErrNoProxiesAvailable = errors.New("no proxies available")
)

// ValidationError describes which input field was rejected and why.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// NewValidation returns a ValidationError for field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

var reCookieHeader = regexp.MustCompile(`(?i)(cookie:?\s*)[^\s"']+`)

// Redact removes every occurrence of secret from msg and masks cookie headers.
func Redact(msg, secret string) string {
	if secret != "" {
		msg = strings.ReplaceAll(msg, secret, "[redacted]")
	}

	return reCookieHeader.ReplaceAllString(msg, "${1}[redacted]")
}
