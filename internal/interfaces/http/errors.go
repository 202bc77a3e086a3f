package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	domain "outreach/internal/domain/outreach"
)

type errorBody struct {
	Error   string        `json:"error"`
	Message string        `json:"message"`
	Action  domain.Action `json:"action,omitempty"`
	Detail  string        `json:"detail,omitempty"`
}

var messages = map[string]string{
	"configuration_missing": "Gmail integration is not configured. Contact your administrator.",
	"not_authenticated":     "Sign in to continue.",
	"already_in_progress":   "A Gmail connection is already in progress. Finish it or wait a moment.",
	"expired_state":         "The Gmail authorization took too long. Please connect again.",
	"invalid_state":         "The Gmail authorization could not be verified. Please connect again.",
	"exchange_failed":       "Gmail did not accept the authorization. Please connect again.",
	"verification_failed":   "The Gmail connection could not be saved. Please connect again.",
	"refresh_rejected":      "Your Gmail connection has expired. Reconnect Gmail to keep sending.",
	"not_connected":         "Connect your Gmail account to send messages.",
	"token_expired":         "Your Gmail session expired. Please try again.",
	"rate_limited":          "Too many messages in a short time. Wait a minute and try again.",
	"malformed_response":    "Gmail returned an unexpected response. The message may not have been sent.",
	"send_failed":           "Gmail could not send the message.",
	"timeout":               "Sending took too long. Please try again.",
	"invalid_input":         "Check the message fields and try again.",
	"not_found":             "Not found.",
	"provider_unavailable":  "Google is not responding right now. Please try again shortly.",
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrConfigurationMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrAlreadyInProgress),
		errors.Is(err, domain.ErrRefreshRejected),
		errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrSendFailed),
		errors.Is(err, domain.ErrMalformedResponse),
		errors.Is(err, domain.ErrProviderUnavailable),
		errors.Is(err, domain.ErrTokenExpired):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the only place an error turns into something the user sees.
// The raw provider payload stays in the log; only its message is passed on.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	code := domain.Code(err)
	msg, ok := messages[code]
	if !ok {
		code, msg = "internal", "Something went wrong. Please try again."
	}

	attrs := []any{
		"request_id", middleware.GetReqID(r.Context()),
		"status", status,
		"code", code,
		"error", err,
	}
	body := errorBody{Error: code, Message: msg, Action: domain.RecoveryAction(err)}
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		body.Detail = providerMessage(pe)
		if pe.Payload != "" {
			attrs = append(attrs, "provider_payload", pe.Payload)
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", attrs...)
	} else {
		logger.Info("request rejected", attrs...)
	}

	writeJSON(w, status, body)
}

// providerMessage pulls the human-readable part out of a Google API error
// body ({"error":{"message":...}}) or an OAuth error body
// ({"error_description":...}), falling back to the provider's error code.
func providerMessage(pe *domain.ProviderError) string {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(pe.Payload), &apiErr) == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	var oauthErr struct {
		Description string `json:"error_description"`
	}
	if json.Unmarshal([]byte(pe.Payload), &oauthErr) == nil && oauthErr.Description != "" {
		return oauthErr.Description
	}
	return pe.Code
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
