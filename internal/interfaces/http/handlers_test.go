package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/application/outreach"
	domain "outreach/internal/domain/outreach"
)

type fakeConnections struct {
	connected    map[string]bool
	checks       []string
	connectErr   error
	completeErr  error
	gotCode      string
	gotState     string
	refreshed    bool
	disconnected []string
	tornDown     []string
}

func (f *fakeConnections) CheckConnection(_ context.Context, userID string) bool {
	f.checks = append(f.checks, userID)
	return f.connected[userID]
}

func (f *fakeConnections) Connect(_ context.Context, userID string) (string, error) {
	if userID == "" {
		return "", domain.ErrNotAuthenticated
	}
	if f.connectErr != nil {
		return "", f.connectErr
	}
	return "https://accounts.google.com/o/oauth2/auth?state=s-" + userID, nil
}

func (f *fakeConnections) CompleteAuthorization(_ context.Context, code, state string) (*domain.Grant, error) {
	f.gotCode, f.gotState = code, state
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &domain.Grant{UserID: "u1"}, nil
}

func (f *fakeConnections) Refresh(context.Context, string) bool { return f.refreshed }

func (f *fakeConnections) Disconnect(_ context.Context, userID string) bool {
	f.disconnected = append(f.disconnected, userID)
	return true
}

func (f *fakeConnections) Teardown(_ context.Context, userID string) {
	f.tornDown = append(f.tornDown, userID)
}

type fakeSender struct {
	got  []outreach.SendRequest
	resp outreach.SendResponse
	err  error
}

func (f *fakeSender) SendThreadedMessage(_ context.Context, req outreach.SendRequest) (outreach.SendResponse, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type apiHarness struct {
	conn   *fakeConnections
	sender *fakeSender
	store  *fakePinger
	router http.Handler
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	a := &apiHarness{
		conn:   &fakeConnections{connected: map[string]bool{}},
		sender: &fakeSender{},
		store:  &fakePinger{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(a.conn, a.sender, a.store, "https://dash.example.com/settings?tab=email", logger)
	a.router = NewRouter(h, RouterOptions{Auth: HeaderAuthenticator{Header: "X-User-ID"}, Logger: logger})
	return a
}

func (a *apiHarness) do(method, target, user, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	a := newAPI(t)
	a.conn.connected["u1"] = true

	rec := a.do(http.MethodGet, "/api/gmail/status", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected":true}`, rec.Body.String())

	rec = a.do(http.MethodGet, "/api/gmail/status", "u2", "")
	assert.JSONEq(t, `{"connected":false}`, rec.Body.String())
}

func TestStatusAnonymousMakesNoLookup(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/api/gmail/status", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected":false}`, rec.Body.String())
	assert.Empty(t, a.conn.checks)
}

func TestAPIRequiresUser(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/gmail/refresh", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"not_authenticated","message":"Sign in to continue.","action":"sign_in"}`, rec.Body.String())
}

func TestConnect(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodPost, "/api/gmail/connect", "u1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"https://accounts.google.com/o/oauth2/auth?state=s-u1"}`, rec.Body.String())

	rec = a.do(http.MethodGet, "/api/gmail/connect", "u1", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://accounts.google.com/o/oauth2/auth?state=s-u1", rec.Header().Get("Location"))
}

func TestConnectErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		action string
	}{
		{"not configured", domain.ErrConfigurationMissing, http.StatusServiceUnavailable, "configuration_missing", "contact_admin"},
		{"in progress", domain.ErrAlreadyInProgress, http.StatusConflict, "already_in_progress", "wait"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal", "retry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAPI(t)
			a.conn.connectErr = tt.err

			rec := a.do(http.MethodPost, "/api/gmail/connect", "u1", "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error":"`+tt.code+`"`)
			assert.Contains(t, rec.Body.String(), `"action":"`+tt.action+`"`)
		})
	}
}

func TestCallbackSuccess(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/oauth/google/callback?code=c-1&state=st", "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "c-1", a.conn.gotCode)
	assert.Equal(t, "st", a.conn.gotState)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "dash.example.com", loc.Host)
	assert.Equal(t, "/settings", loc.Path)
	assert.Equal(t, "connected", loc.Query().Get("gmail"))
	assert.Equal(t, "email", loc.Query().Get("tab"))
}

func TestCallbackFailures(t *testing.T) {
	a := newAPI(t)
	a.conn.completeErr = fmt.Errorf("parse state: %w", domain.ErrExpiredState)

	rec := a.do(http.MethodGet, "/oauth/google/callback?code=c-1&state=old", "", "")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "expired_state", loc.Query().Get("gmail_error"))

	a.conn.gotCode = ""
	rec = a.do(http.MethodGet, "/oauth/google/callback?error=access_denied&state=st", "", "")
	loc, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("gmail_error"))
	assert.Empty(t, a.conn.gotCode)
}

func TestRefreshDisconnectLogout(t *testing.T) {
	a := newAPI(t)
	a.conn.refreshed = true

	rec := a.do(http.MethodPost, "/api/gmail/refresh", "u1", "")
	assert.JSONEq(t, `{"refreshed":true}`, rec.Body.String())

	rec = a.do(http.MethodDelete, "/api/gmail/connection", "u1", "")
	assert.JSONEq(t, `{"disconnected":true}`, rec.Body.String())
	assert.Equal(t, []string{"u1"}, a.conn.disconnected)

	rec = a.do(http.MethodPost, "/api/session/logout", "u1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"u1"}, a.conn.tornDown)
}

func TestSend(t *testing.T) {
	a := newAPI(t)
	a.sender.resp = outreach.SendResponse{SendResult: domain.SendResult{MessageID: "m2", ThreadID: "t1"}}

	body := `{"candidateId":{"id":"c1","name":"Ada"},"jobId":"j1","to":"ada@example.com","subject":"Hi","body":"<p>Hello</p>"}`
	req := httptest.NewRequest(http.MethodPost, "/api/outreach/send", strings.NewReader(body))
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messageId":"m2","threadId":"t1","deduplicated":false}`, rec.Body.String())

	require.Len(t, a.sender.got, 1)
	got := a.sender.got[0]
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "https://dash.example.com", got.Origin)
	assert.Equal(t, domain.Ref{ID: "c1", Name: "Ada"}, got.CandidateID)
	assert.Equal(t, domain.Ref{ID: "j1"}, got.JobID)
	assert.Equal(t, "ada@example.com", got.To)
}

func TestSendOriginFallsBackToClientIP(t *testing.T) {
	a := newAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/outreach/send", strings.NewReader(`{"candidateId":"c1","jobId":"j1","to":"a@b.c","body":"x"}`))
	req.Header.Set("X-User-ID", "u1")
	req.RemoteAddr = "198.51.100.4:5555"
	a.router.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, a.sender.got, 1)
	assert.Equal(t, "198.51.100.4", a.sender.got[0].Origin)
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"bad json", `{"to":`, nil, http.StatusBadRequest, "invalid_input"},
		{"reconnect", `{}`, fmt.Errorf("refresh after expired token: %w", domain.ErrRefreshRejected), http.StatusConflict, "refresh_rejected"},
		{"rate limited", `{}`, domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{"timeout", `{}`, domain.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{"provider", `{}`, &domain.ProviderError{Op: "send", Status: 400, Code: "invalidArgument", Payload: `{"error":{"code":400,"message":"Invalid To header"}}`, Err: domain.ErrSendFailed}, http.StatusBadGateway, "send_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAPI(t)
			a.sender.err = tt.err

			rec := a.do(http.MethodPost, "/api/outreach/send", "u1", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error":"`+tt.code+`"`)
		})
	}
}

func TestSendErrorCarriesProviderMessage(t *testing.T) {
	a := newAPI(t)
	a.sender.err = &domain.ProviderError{
		Op:      "send message",
		Status:  400,
		Code:    "invalidArgument",
		Payload: `{"error":{"code":400,"message":"Invalid To header","errors":[{"reason":"invalidArgument"}]}}`,
		Err:     domain.ErrSendFailed,
	}

	rec := a.do(http.MethodPost, "/api/outreach/send", "u1", `{}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{
		"error": "send_failed",
		"message": "Gmail could not send the message.",
		"action": "retry",
		"detail": "Invalid To header"
	}`, rec.Body.String())
}

func TestProviderMessage(t *testing.T) {
	assert.Equal(t, "Bad Request", providerMessage(&domain.ProviderError{Payload: `{"error":"invalid_grant","error_description":"Bad Request"}`}))
	assert.Equal(t, "quotaExceeded", providerMessage(&domain.ProviderError{Payload: "<html>", Code: "quotaExceeded"}))
}

func TestReadyz(t *testing.T) {
	a := newAPI(t)

	rec := a.do(http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	a.store.err = errors.New("database is closed")
	rec = a.do(http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = a.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCallbackIsRateLimited(t *testing.T) {
	a := newAPI(t)

	var last int
	for i := 0; i < 20; i++ {
		last = a.do(http.MethodGet, "/oauth/google/callback?code=c&state=s", "", "").Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestOIDCAuthenticator(t *testing.T) {
	verifier := oidc.NewVerifier("https://issuer.example.com", &oidc.StaticKeySet{}, &oidc.Config{ClientID: "dash"})
	auth := NewOIDCAuthenticatorWithVerifier(verifier)

	req := httptest.NewRequest(http.MethodGet, "/api/gmail/status", nil)
	id, err := auth.Authenticate(req)
	assert.NoError(t, err)
	assert.Empty(t, id)

	req.Header.Set("Authorization", "Bearer not-a-jwt")
	id, err = auth.Authenticate(req)
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.Empty(t, id)

	req.Header.Set("Authorization", "Basic dTpw")
	_, ok := bearerToken(req)
	assert.False(t, ok)
}

func TestInvalidTokenIsAnonymous(t *testing.T) {
	conn := &fakeConnections{connected: map[string]bool{}}
	verifier := oidc.NewVerifier("https://issuer.example.com", &oidc.StaticKeySet{}, &oidc.Config{ClientID: "dash"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(NewHandler(conn, &fakeSender{}, nil, "/", logger), RouterOptions{
		Auth:   NewOIDCAuthenticatorWithVerifier(verifier),
		Logger: logger,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/gmail/status", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.JSONEq(t, `{"connected":false}`, rec.Body.String())
	assert.Empty(t, conn.checks)
}
