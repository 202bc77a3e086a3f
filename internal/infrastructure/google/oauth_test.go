package google

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/domain/outreach"
)

type tokenServer struct {
	*httptest.Server
	status   int
	body     string
	calls     atomic.Int32
	lastForm  atomic.Value
	lastQuery atomic.Value
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{status: http.StatusOK}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		_ = r.ParseForm()
		ts.lastForm.Store(r.PostForm)
		ts.lastQuery.Store(r.URL.Query())

		switch r.URL.Path {
		case "/revoke":
			if r.URL.Query().Get("token") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(ts.status)
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ts.status)
			fmt.Fprint(w, ts.body)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) form() url.Values {
	v, _ := ts.lastForm.Load().(url.Values)
	return v
}

func (ts *tokenServer) query() url.Values {
	v, _ := ts.lastQuery.Load().(url.Values)
	return v
}

func (ts *tokenServer) provider() *Provider {
	return NewProvider("client-id", "client-secret", "https://app.example.com/oauth/google/callback",
		WithEndpoint(ts.URL+"/auth", ts.URL+"/token"),
		WithRevokeURL(ts.URL+"/revoke"),
		WithHTTPClient(ts.Client()),
	)
}

func TestAuthCodeURL(t *testing.T) {
	p := NewProvider("client-id", "secret", "https://app.example.com/oauth/google/callback")

	u, err := url.Parse(p.AuthCodeURL("signed-state"))
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "accounts.google.com", u.Host)
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/oauth/google/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://www.googleapis.com/auth/gmail.send", q.Get("scope"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "signed-state", q.Get("state"))
}

func TestExchange(t *testing.T) {
	ts := newTokenServer(t)
	ts.body = `{"access_token":"ya29.a","refresh_token":"1//r","token_type":"Bearer","expires_in":3599,"scope":"https://www.googleapis.com/auth/gmail.send"}`

	before := time.Now()
	tokens, err := ts.provider().Exchange(context.Background(), "abc")
	require.NoError(t, err)

	assert.Equal(t, "ya29.a", tokens.AccessToken)
	assert.Equal(t, "1//r", tokens.RefreshToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, "https://www.googleapis.com/auth/gmail.send", tokens.Scope)
	assert.WithinDuration(t, before.Add(time.Hour), tokens.ExpiresAt, 5*time.Second)

	form := ts.form()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "abc", form.Get("code"))
	assert.Equal(t, "https://app.example.com/oauth/google/callback", form.Get("redirect_uri"))
}

func TestExchangeErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		code    string
	}{
		{"rejected code", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Bad Request"}`, outreach.ErrExchangeFailed, "invalid_grant"},
		{"server error", http.StatusServiceUnavailable, `{"error":"backend_error"}`, outreach.ErrProviderUnavailable, "backend_error"},
		{"throttled", http.StatusTooManyRequests, `{"error":"rate_limit_exceeded"}`, outreach.ErrProviderUnavailable, "rate_limit_exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTokenServer(t)
			ts.status = tt.status
			ts.body = tt.body

			_, err := ts.provider().Exchange(context.Background(), "abc")
			require.ErrorIs(t, err, tt.wantErr)

			var pe *outreach.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.Status)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.body, pe.Payload)
		})
	}
}

func TestExchangeNetworkFailureIsTransient(t *testing.T) {
	ts := newTokenServer(t)
	p := ts.provider()
	ts.Close()

	_, err := p.Exchange(context.Background(), "abc")
	assert.ErrorIs(t, err, outreach.ErrProviderUnavailable)
}

func TestRefresh(t *testing.T) {
	ts := newTokenServer(t)
	ts.body = `{"access_token":"ya29.b","token_type":"Bearer","expires_in":3599}`

	tokens, err := ts.provider().Refresh(context.Background(), "1//r")
	require.NoError(t, err)
	assert.Equal(t, "ya29.b", tokens.AccessToken)
	assert.Empty(t, tokens.RefreshToken)

	form := ts.form()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "1//r", form.Get("refresh_token"))
}

func TestRefreshRotatedToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.body = `{"access_token":"ya29.b","refresh_token":"1//rotated","token_type":"Bearer","expires_in":3599}`

	tokens, err := ts.provider().Refresh(context.Background(), "1//r")
	require.NoError(t, err)
	assert.Equal(t, "1//rotated", tokens.RefreshToken)
}

func TestRefreshRejected(t *testing.T) {
	ts := newTokenServer(t)
	ts.status = http.StatusBadRequest
	ts.body = `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`

	_, err := ts.provider().Refresh(context.Background(), "1//r")
	assert.ErrorIs(t, err, outreach.ErrRefreshRejected)
	assert.Equal(t, "refresh_rejected", outreach.Code(err))
}

func TestRevoke(t *testing.T) {
	ts := newTokenServer(t)
	p := ts.provider()

	before := providerSamples(t, "token_revoke")
	require.NoError(t, p.Revoke(context.Background(), "ya29.a/b+c"))
	assert.Equal(t, "ya29.a/b+c", ts.query().Get("token"))
	assert.Empty(t, ts.form())
	assert.Equal(t, before+1, providerSamples(t, "token_revoke"))

	ts.status = http.StatusBadRequest
	err := p.Revoke(context.Background(), "ya29.a")
	var pe *outreach.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
}

func TestNewProviderFromJSON(t *testing.T) {
	creds := `{"web":{"client_id":"cid","client_secret":"cs","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost:8080/oauth/google/callback"]}}`

	p, err := NewProviderFromJSON([]byte(creds), "https://app.example.com/cb")
	require.NoError(t, err)

	u, err := url.Parse(p.AuthCodeURL("s"))
	require.NoError(t, err)
	assert.Equal(t, "cid", u.Query().Get("client_id"))
	assert.Equal(t, "https://app.example.com/cb", u.Query().Get("redirect_uri"))

	_, err = NewProviderFromJSON([]byte(`{}`), "")
	assert.Error(t, err)
}

func TestRevokeKeepsExistingQuery(t *testing.T) {
	ts := newTokenServer(t)
	p := NewProvider("client-id", "client-secret", "https://app.example.com/oauth/google/callback",
		WithRevokeURL(ts.URL+"/revoke?prompt=none"),
		WithHTTPClient(ts.Client()),
	)

	require.NoError(t, p.Revoke(context.Background(), "ya29.a"))
	assert.Equal(t, "ya29.a", ts.query().Get("token"))
	assert.Equal(t, "none", ts.query().Get("prompt"))
}

func TestExchangeObservedOnce(t *testing.T) {
	ts := newTokenServer(t)
	ts.body = `{"access_token":"ya29.a","refresh_token":"1//r","token_type":"Bearer","expires_in":3599}`

	before := providerSamples(t, "token_exchange")
	_, err := ts.provider().Exchange(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, before+1, providerSamples(t, "token_exchange"))
}

func providerSamples(t *testing.T, operation string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "outreach_provider_latency_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "operation" && l.GetValue() == operation {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}
