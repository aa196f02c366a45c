package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for provisioning. Everything the stack returns wraps one of these
// so callers can classify with errors.Is.
var (
	// ErrConfiguration is returned before any resource is touched when the
	// configuration cannot produce a valid stack.
	ErrConfiguration = errors.New("configuration error")

	// ErrOrdering means a resource was referenced before it exists.
	ErrOrdering = errors.New("ordering error")

	// ErrCycle is an ordering error caused by a dependency cycle.
	ErrCycle = fmt.Errorf("%w: dependency cycle", ErrOrdering)

	// ErrSecretNotFound is an ordering error: the credential was resolved before it was created.
	ErrSecretNotFound = fmt.Errorf("%w: secret not found", ErrOrdering)

	// ErrAccessDenied is not retriable until permissions are fixed.
	ErrAccessDenied = errors.New("access denied")

	// ErrTransient marks provider failures that are safe to retry by re-running the deployment.
	ErrTransient = errors.New("transient provisioning failure")

	// ErrInvalidTransition is returned by the initialization state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// FieldError describes one invalid configuration field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ConfigError collects every invalid field found during validation.
type ConfigError struct {
	Fields []FieldError `json:"fields"`
}

// Add records an invalid field.
func (e *ConfigError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// OrNil returns nil when no field was recorded.
func (e *ConfigError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrConfiguration, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrConfiguration.
func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// Configf builds a single-field configuration error.
func Configf(field, format string, args ...interface{}) error {
	return &ConfigError{Fields: []FieldError{{Field: field, Reason: fmt.Sprintf(format, args...)}}}
}

// ResourceError reports which resource failed and why. Deployment tooling
// prints it as-is so operators see the failing resource first.
type ResourceError struct {
	Resource string
	Op       string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Retriable reports whether re-running the deployment may succeed without changes.
func Retriable(err error) bool {
	return errors.Is(err, ErrTransient)
}
