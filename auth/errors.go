package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStateMismatch is returned when a callback's state is absent, unknown
	// or already used.
	ErrStateMismatch = errors.New("auth: state mismatch")

	// ErrMissingVerifier is returned when the state matched but no PKCE
	// verifier was stored with it.
	ErrMissingVerifier = errors.New("auth: missing code verifier")

	// ErrMissingCode is returned when the callback carries no authorization
	// code.
	ErrMissingCode = errors.New("auth: missing authorization code")

	// ErrNetwork marks failures to reach or understand the backend.
	ErrNetwork = errors.New("auth: network failure")

	// ErrCallbackFailed is the catch-all for callbacks that failed after the
	// state was accepted.
	ErrCallbackFailed = errors.New("auth: callback failed")

	// ErrAppDataTooLarge is returned by Login when OAuthContext.AppData
	// exceeds MaxAppDataBytes.
	ErrAppDataTooLarge = fmt.Errorf("auth: app data exceeds %d bytes", MaxAppDataBytes)
)

// GenericFailureMessage is shown to users for every security-relevant
// callback failure.
const GenericFailureMessage = "Authentication failed, please try again."

// ConfigurationError lists required settings that are missing or invalid.
type ConfigurationError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid "+strings.Join(e.Invalid, ", "))
	}
	return "auth: configuration error: " + strings.Join(parts, "; ")
}

// ExchangeError is a rejection of the authorization code by the backend.
type ExchangeError struct {
	Status  int
	Message string
}

func (e *ExchangeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth: code exchange rejected (status %d)", e.Status)
	}
	return "auth: code exchange rejected: " + e.Message
}

// ProviderError represents an error returned by the identity provider on the
// callback URL.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// PublicMessage returns the text that may be shown to the user for err.
//
// Configuration errors and backend exchange messages are shown as they
// are. Everything else, including state and verifier failures, gets
// GenericFailureMessage so the response does not reveal which check failed.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return "Sign-in is not configured: " + strings.TrimPrefix(ce.Error(), "auth: configuration error: ")
	}
	var ee *ExchangeError
	if errors.As(err, &ee) && ee.Message != "" {
		return ee.Message
	}
	return GenericFailureMessage
}

// outcome labels a callback result for metrics and logs.
func outcome(err error) string {
	var (
		ee *ExchangeError
		pe *ProviderError
	)
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrMissingVerifier):
		return "missing_verifier"
	case errors.Is(err, ErrMissingCode):
		return "missing_code"
	case errors.As(err, &ee):
		return "exchange_rejected"
	case errors.As(err, &pe):
		return "provider_error"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "failed"
	}
}
