package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownBackend is returned when no plugin is registered under a name.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrBackendUnreachable wraps failures to query a backend control plane.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrInvalidTransition is returned when a state change breaks the lifecycle table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCallbackUnsupported is returned when a callback targets a polling backend.
	ErrCallbackUnsupported = errors.New("backend does not accept callbacks")
)

// ValidationError reports a malformed submission. It is raised before any
// record exists and before any backend call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %q %s", e.Field, e.Reason)
}

// ConfigurationError reports a derived provisioning parameter that could not
// be computed, such as a cluster size when the optimizer has no answer.
type ConfigurationError struct {
	Parameter string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Parameter, e.Reason)
}

// ProvisioningError reports that a backend refused to create a resource.
type ProvisioningError struct {
	Resource string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to provision %s: %v", e.Resource, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
