// Package errors provides standardized error handling patterns for dbstream.
// It includes error classification, the bridge error taxonomy, standard error
// variables, and helper functions for consistent error wrapping across the
// native call boundary.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Alparse/dbstream/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Handle lifecycle errors
	ErrHandleClosed   = errors.New("handle closed")
	ErrCallInFlight   = errors.New("a streaming call is already in flight on this handle")
	ErrAlreadyStarted = errors.New("component already started")
	ErrAlreadyStopped = errors.New("component already stopped")

	// Stream terminal conditions
	ErrEndOfStream    = errors.New("end of stream")
	ErrStreamCanceled = errors.New("stream canceled")

	// Completion channel errors
	ErrBackpressureTimeout = errors.New("backpressure timeout: consumer did not drain the channel in time")

	// Connection and configuration errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrMissingConfig     = errors.New("missing required configuration")

	// Data errors
	ErrDataCorrupted = errors.New("data corrupted")
)

// InitError reports that the external library rejected the client
// configuration before any streaming began. Always recoverable: the caller
// may retry with corrected configuration. A failed Open never returns a
// usable handle.
type InitError struct {
	Reason string
	Err    error
}

// Error implements the error interface
func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("initialization failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("initialization failed: %s", e.Reason)
}

// Unwrap returns the underlying error
func (e *InitError) Unwrap() error { return e.Err }

// NewInitError creates an InitError wrapping err
func NewInitError(reason string, err error) *InitError {
	return &InitError{Reason: reason, Err: err}
}

// IsInitError reports whether err is an InitError
func IsInitError(err error) bool {
	var ie *InitError
	return errors.As(err, &ie)
}

// RemoteError is a structured failure reported by the external library for a
// specific call (invalid query parameters, rejection by the remote endpoint).
// Recoverable: the handle remains usable for subsequent calls.
type RemoteError struct {
	Code    int
	Message string
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote operation failed (code %d): %s", e.Code, e.Message)
}

// NewRemoteError creates a RemoteError with a machine-readable code and a
// human-readable message
func NewRemoteError(code int, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// IsRemoteError reports whether err is a RemoteError
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// CorruptRecordError reports a record whose self-declared length failed
// validation. The stream ends early with this error; the handle is not
// corrupted and remains reusable.
type CorruptRecordError struct {
	Declared int
	Max      int
	RType    uint8
}

// Error implements the error interface
func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt record: declared length %d outside (0, %d] for rtype %#x",
		e.Declared, e.Max, e.RType)
}

// IsCorruptRecord reports whether err is a CorruptRecordError
func IsCorruptRecord(err error) bool {
	var cre *CorruptRecordError
	return errors.As(err, &cre)
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for classified error
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	// Remote and corrupt-record errors are call-level outcomes, not retry fodder
	if IsRemoteError(err) || IsCorruptRecord(err) {
		return false
	}

	// Check for known transient errors
	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check error message for common transient patterns
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary",
		"unavailable",
		"busy",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDataCorrupted)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return IsRemoteError(err) || IsCorruptRecord(err)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient // Default for nil
	}

	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error
// This is an internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// RetryConfig defines configuration for retry operations
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns a sensible default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ToRetryConfig converts the errors package RetryConfig to the retry
// framework's Config type. The conversion adds 1 to MaxRetries (converting
// "additional attempts" to "total attempts") and enables jitter by default.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
