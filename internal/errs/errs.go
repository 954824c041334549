// Package errs defines the closed error taxonomy shared by the rule engine,
// the platform enforcers, and the store. Callers branch on errors.Is against
// the sentinels below, or on errors.As against EnforcerError when the failing
// step matters.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument means a malformed app name or target was supplied.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrResolutionFailed means a name yielded neither v4 nor v6 addresses
	// within the resolver timeout.
	ErrResolutionFailed = errors.New("resolution failed")
	// ErrStoreUnavailable means the durable store could not be opened or
	// could not commit a write.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound means the rule id is absent or already inactive.
	ErrNotFound = errors.New("not found")
	// ErrPartial means a removal succeeded for some addresses and failed for
	// others; the caller may retry safely.
	ErrPartial = errors.New("partial")
	// ErrUnsupportedPlatform means no enforcer implementation matches the
	// running kernel.
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// EnforcerError wraps a failed interaction with the kernel packet filter or
// its supporting subprocess/syscall. Step identifies which install/remove
// step failed so callers can branch without parsing Detail.
type EnforcerError struct {
	Step   string
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *EnforcerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("enforcer failed at %s: %s: %v", e.Step, e.Detail, e.Err)
	}
	return fmt.Sprintf("enforcer failed at %s: %s", e.Step, e.Detail)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *EnforcerError) Unwrap() error { return e.Err }

// NewEnforcerError builds an EnforcerError for the given step.
func NewEnforcerError(step, detail string, cause error) *EnforcerError {
	return &EnforcerError{Step: step, Detail: detail, Err: cause}
}
