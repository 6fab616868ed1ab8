// Package errors provides standardized error handling for bridge components.
// It includes error classification, standard error variables, stable wire
// codes, and helper functions for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
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
	// Device lifecycle errors
	ErrUnknownDevice      = errors.New("unknown device")
	ErrAlreadyConnected   = errors.New("device already connected")
	ErrNotConnected       = errors.New("device not connected")
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrDeviceBusy         = errors.New("device command queue full")

	// Connection and transport errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrCommunication    = errors.New("communication failure")
	ErrTimeout          = errors.New("operation timed out")

	// Protocol errors
	ErrProtocol    = errors.New("protocol violation")
	ErrInvalidData = errors.New("invalid data format")
	ErrDuplicateID = errors.New("duplicate correlation id")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")
)

// Wire error codes, stable across releases. Clients branch on these.
const (
	CodeUnknownDevice        = "UNKNOWN_DEVICE"
	CodeAlreadyConnected     = "ALREADY_CONNECTED"
	CodeNotConnected         = "NOT_CONNECTED"
	CodeDeviceDisconnected   = "DEVICE_DISCONNECTED"
	CodeDeviceBusy           = "DEVICE_BUSY"
	CodeConnectionFailed     = "CONNECTION_FAILED"
	CodeCommunicationFailure = "COMMUNICATION_FAILURE"
	CodeTimeout              = "TIMEOUT"
	CodeProtocolError        = "PROTOCOL_ERROR"
	CodeConfigInvalid        = "CONFIG_INVALID"
	CodeInternal             = "INTERNAL_ERROR"
)

// Code maps an error to its stable wire code. Unknown errors map to
// CodeInternal rather than leaking internals onto the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownDevice):
		return CodeUnknownDevice
	case errors.Is(err, ErrAlreadyConnected):
		return CodeAlreadyConnected
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrDeviceDisconnected):
		return CodeDeviceDisconnected
	case errors.Is(err, ErrDeviceBusy):
		return CodeDeviceBusy
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrConnectionFailed):
		return CodeConnectionFailed
	case errors.Is(err, ErrCommunication):
		return CodeCommunicationFailure
	case errors.Is(err, ErrProtocol), errors.Is(err, ErrInvalidData), errors.Is(err, ErrDuplicateID):
		return CodeProtocolError
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrMissingConfig):
		return CodeConfigInvalid
	default:
		return CodeInternal
	}
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

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrCommunication) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrDeviceBusy) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Fall back to common transient patterns in the message
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporar", "unavailable", "busy"} {
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

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
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

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, ErrDuplicateID)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
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

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
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
