package errors

import (
	"errors"
	"fmt"
)

// Common application error types
var (
	// ErrNotFound indicates a device or job was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyActive indicates a device already has a job in progress
	ErrAlreadyActive = errors.New("job already active")

	// ErrInvalidTarget indicates a requested target or calibration value is out of range
	ErrInvalidTarget = errors.New("invalid target")

	// ErrUnresponsive indicates a device did not answer after all retries
	ErrUnresponsive = errors.New("device unresponsive")

	// ErrInvalidResponse indicates a device answered with an empty or malformed frame
	ErrInvalidResponse = errors.New("invalid device response")

	// ErrBusBusy indicates the bus or device stayed busy for the whole attempt
	ErrBusBusy = errors.New("bus busy")

	// ErrPersistence indicates the state store could not read or write
	ErrPersistence = errors.New("persistence failure")
)

// TransportKind classifies a failed bus transaction
type TransportKind string

const (
	Unresponsive    TransportKind = "unresponsive"
	InvalidResponse TransportKind = "invalid_response"
	BusBusy         TransportKind = "bus_busy"
)

// TransportError represents a single failed hardware transaction on the I2C bus
type TransportError struct {
	Kind     TransportKind
	Address  int
	Command  string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("i2c 0x%02x %q %s", e.Address, e.Command, e.Kind)
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match a TransportError against the kind sentinels
func (e *TransportError) Is(target error) bool {
	switch e.Kind {
	case Unresponsive:
		return target == ErrUnresponsive
	case InvalidResponse:
		return target == ErrInvalidResponse
	case BusBusy:
		return target == ErrBusBusy
	}
	return false
}

// NewTransportError creates a new transport error
func NewTransportError(kind TransportKind, address int, command string, err error) *TransportError {
	return &TransportError{
		Kind:    kind,
		Address: address,
		Command: command,
		Err:     err,
	}
}

// JobKind classifies a rejected job request
type JobKind string

const (
	AlreadyActive JobKind = "already_active"
	InvalidTarget JobKind = "invalid_target"
	NotFound      JobKind = "not_found"
)

// JobError represents a caller-input or state-precondition violation.
// It is always raised before any hardware I/O.
type JobError struct {
	Kind    JobKind
	Device  string
	ID      int
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %d: %s: %s", e.Device, e.ID, e.Kind, e.Message)
}

// Is lets errors.Is match a JobError against the kind sentinels
func (e *JobError) Is(target error) bool {
	switch e.Kind {
	case AlreadyActive:
		return target == ErrAlreadyActive
	case InvalidTarget:
		return target == ErrInvalidTarget
	case NotFound:
		return target == ErrNotFound
	}
	return false
}

// NewJobError creates a new job error
func NewJobError(kind JobKind, device string, id int, format string, args ...interface{}) *JobError {
	return &JobError{
		Kind:    kind,
		Device:  device,
		ID:      id,
		Message: fmt.Sprintf(format, args...),
	}
}

// PersistenceError represents a state store failure
type PersistenceError struct {
	Operation string
	Key       string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("state store %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("state store %s %q failed: %v", e.Operation, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// NewPersistenceError creates a new persistence error
func NewPersistenceError(operation, key string, err error) *PersistenceError {
	return &PersistenceError{
		Operation: operation,
		Key:       key,
		Err:       err,
	}
}

// ValidationError represents validation-specific errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s' with value '%v': %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// GPIOError represents GPIO-specific errors
type GPIOError struct {
	Pin       int
	Operation string
	Err       error
}

func (e *GPIOError) Error() string {
	return fmt.Sprintf("GPIO pin %d %s failed: %v", e.Pin, e.Operation, e.Err)
}

func (e *GPIOError) Unwrap() error {
	return e.Err
}

// NewGPIOError creates a new GPIO error
func NewGPIOError(pin int, operation string, err error) *GPIOError {
	return &GPIOError{
		Pin:       pin,
		Operation: operation,
		Err:       err,
	}
}

// IsTransport reports whether err came from a failed bus transaction
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsPersistence reports whether err came from the state store
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted additional context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is checks if an error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As checks if an error can be assigned to target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
