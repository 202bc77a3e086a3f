package outreach

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Configuration errors are an operator problem and are never retried.
	ErrConfigurationMissing = errors.New("gmail integration is not configured")

	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrAlreadyInProgress = errors.New("connection attempt already in progress")

	// Authorization-flow errors: restart the connect flow.
	ErrExpiredState       = errors.New("authorization state expired")
	ErrInvalidState       = errors.New("authorization state invalid")
	ErrExchangeFailed     = errors.New("authorization code exchange failed")
	ErrVerificationFailed = errors.New("stored grant could not be verified")

	// Token errors.
	ErrNotConnected    = errors.New("gmail account not connected")
	ErrTokenExpired    = errors.New("access token expired")
	ErrRefreshRejected = errors.New("refresh token rejected")

	// Send errors.
	ErrRateLimited       = errors.New("rate limited")
	ErrSendFailed        = errors.New("send failed")
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrTimeout           = errors.New("operation timed out")

	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrMalformedBinding    = errors.New("malformed thread binding")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("record not found")
)

// ProviderError carries the provider's diagnostics for a failed call and
// unwraps to one of the sentinels above.
type ProviderError struct {
	Op      string
	Status  int
	Code    string
	Payload string
	Err     error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Action tells the user-facing layer how to recover.
type Action string

const (
	ActionNone      Action = ""
	ActionReconnect Action = "reconnect"
	ActionRetry     Action = "retry"
	ActionWait      Action = "wait"
	ActionAdmin     Action = "contact_admin"
	ActionFixInput  Action = "fix_input"
	ActionSignIn    Action = "sign_in"
)

// RecoveryAction classifies err. Order matters: a failed refresh after an
// expired token must read as "reconnect", not "retry".
func RecoveryAction(err error) Action {
	switch {
	case err == nil:
		return ActionNone
	case errors.Is(err, ErrConfigurationMissing):
		return ActionAdmin
	case errors.Is(err, ErrNotAuthenticated):
		return ActionSignIn
	case errors.Is(err, ErrRefreshRejected), errors.Is(err, ErrNotConnected):
		return ActionReconnect
	case errors.Is(err, ErrExpiredState), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrExchangeFailed), errors.Is(err, ErrVerificationFailed):
		return ActionReconnect
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrAlreadyInProgress):
		return ActionWait
	case errors.Is(err, ErrInvalidInput):
		return ActionFixInput
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ActionRetry
	default:
		return ActionRetry
	}
}

// Code is a stable machine-readable name for err.
func Code(err error) string {
	codes := []struct {
		err  error
		code string
	}{
		{ErrConfigurationMissing, "configuration_missing"},
		{ErrNotAuthenticated, "not_authenticated"},
		{ErrAlreadyInProgress, "already_in_progress"},
		{ErrExpiredState, "expired_state"},
		{ErrInvalidState, "invalid_state"},
		{ErrExchangeFailed, "exchange_failed"},
		{ErrVerificationFailed, "verification_failed"},
		{ErrRefreshRejected, "refresh_rejected"},
		{ErrNotConnected, "not_connected"},
		{ErrTokenExpired, "token_expired"},
		{ErrRateLimited, "rate_limited"},
		{ErrMalformedResponse, "malformed_response"},
		{ErrSendFailed, "send_failed"},
		{ErrTimeout, "timeout"},
		{ErrInvalidInput, "invalid_input"},
		{ErrNotFound, "not_found"},
		{ErrProviderUnavailable, "provider_unavailable"},
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
