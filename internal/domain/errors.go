package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (spec.md §7). Names are conceptual, matched against with
// errors.Is; wrapping with fmt.Errorf("...: %w", err) preserves the sentinel.
var (
	// Configuration
	ErrMissingToken       = errors.New("domain: missing token")
	ErrNoCRNs             = errors.New("domain: no CRNs configured")
	ErrInvalidTargetTime  = errors.New("domain: invalid target time")
	ErrRetryTooAggressive = errors.New("domain: retry interval below debounce floor")
	ErrTooManyECRNs       = errors.New("domain: too many ECRNs")

	// Credential
	ErrTokenInvalid = errors.New("domain: token invalid")
	ErrTokenExpired = errors.New("domain: token expired")

	// Transport
	ErrUnreachable = errors.New("domain: SIS unreachable")
	ErrTimeout     = errors.New("domain: request timed out")
	ErrRateLimited = errors.New("domain: rate limited")
	ErrTLSFailure  = errors.New("domain: TLS handshake failed")

	// Calibration
	ErrNoSecondBoundary = errors.New("domain: no second boundary detected")
	ErrClockRegression  = errors.New("domain: calibration sample showed clock regression")

	// Attempt
	ErrWindowClosedTransient = errors.New("domain: registration window not yet open")
	ErrDebounce              = errors.New("domain: request was debounced")
	ErrWholesaleReject       = errors.New("domain: request rejected wholesale")

	// Lifecycle
	ErrAlreadyRunning = errors.New("domain: engine already running")
	ErrNotRunning     = errors.New("domain: engine not running")
	ErrStillRunning   = errors.New("domain: engine still running")
	ErrCancelled      = errors.New("domain: run cancelled")
)

// ValidationError captures field level validation issues that callers can
// surface to users. Configuration errors are accumulated, not fail-fast, so a
// caller sees every problem at once.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %d field(s) invalid", len(v.FieldErrors))
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// ErrorKind maps sentinel and validation errors to a stable logging label,
// so log lines never depend on matching error text.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrNoCRNs),
		errors.Is(err, ErrInvalidTargetTime), errors.Is(err, ErrRetryTooAggressive),
		errors.Is(err, ErrTooManyECRNs):
		return "configuration"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTLSFailure):
		return "tls_failure"
	case errors.Is(err, ErrNoSecondBoundary):
		return "no_second_boundary"
	case errors.Is(err, ErrClockRegression):
		return "clock_regression"
	case errors.Is(err, ErrWindowClosedTransient):
		return "window_closed"
	case errors.Is(err, ErrDebounce):
		return "debounce"
	case errors.Is(err, ErrWholesaleReject):
		return "wholesale_reject"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrNotRunning):
		return "not_running"
	case errors.Is(err, ErrStillRunning):
		return "still_running"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}

	return "unexpected"
}

// Validate checks the configuration fields in isolation (it does not contact
// the SIS — that is TokenInvalid, surfaced later from the token check). It
// accumulates every problem before returning, matching the accumulate-then-
// report style used elsewhere in this codebase.
func (c Config) Validate() error {
	verr := &ValidationError{}

	if c.Token == "" {
		verr.add("token", ErrMissingToken.Error())
	}
	if len(c.ECRNs) == 0 && len(c.SCRNs) == 0 {
		verr.add("ecrns", ErrNoCRNs.Error())
	}
	if len(c.ECRNs) > MaxECRNs {
		verr.add("ecrns", ErrTooManyECRNs.Error())
	}
	if c.TargetWallTime.IsZero() {
		verr.add("target_wall_time", ErrInvalidTargetTime.Error())
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 300 {
		verr.add("max_attempts", "must be in [1, 300]")
	}
	if c.RetryInterval < MinRetryInterval {
		verr.add("retry_interval", ErrRetryTooAggressive.Error())
	}
	if c.SafetyBuffer < 0 || c.SafetyBuffer > MaxSafetyBuffer {
		verr.add("safety_buffer", "must be in [0, 100ms]")
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

// WithDefaults returns a copy of c with zero-valued optional fields filled
// in (RetryIntervalMax). It does not fill required fields; call Validate
// after WithDefaults to catch missing required input.
func (c Config) WithDefaults() Config {
	if c.RetryIntervalMax <= 0 {
		c.RetryIntervalMax = DefaultRetryIntervalMax
	}
	return c
}
