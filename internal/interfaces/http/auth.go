package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	domain "outreach/internal/domain/outreach"
)

type contextKey string

const contextKeyUser contextKey = "user_id"

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUser, userID)
}

func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(contextKeyUser).(string)
	return u, ok && u != ""
}

// Authenticator resolves the dashboard user behind a request. An empty id
// with a nil error means the request carries no identity.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts a header set by the fronting proxy.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	return strings.TrimSpace(r.Header.Get(a.Header)), nil
}

// OIDCAuthenticator accepts a bearer ID token and uses its subject as the
// user id.
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc issuer: %w", err)
	}
	return NewOIDCAuthenticatorWithVerifier(provider.Verifier(&oidc.Config{ClientID: clientID})), nil
}

func NewOIDCAuthenticatorWithVerifier(v *oidc.IDTokenVerifier) *OIDCAuthenticator {
	return &OIDCAuthenticator{verifier: v}
}

func (a *OIDCAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw, ok := bearerToken(r)
	if !ok {
		return "", nil
	}
	tok, err := a.verifier.Verify(r.Context(), raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	}
	return tok.Subject, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// identify attaches the caller's user id to the context when one is present.
// Requests without a usable identity continue anonymously; handlers decide
// what that means.
func identify(auth Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := auth.Authenticate(r)
			if err != nil {
				logger.Debug("caller authentication failed", "error", err)
			}
			if err == nil && userID != "" {
				r = r.WithContext(WithUser(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireUser rejects anonymous callers with the standard error body.
func requireUser(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := UserFromContext(r.Context()); !ok {
				writeError(w, r, logger, domain.ErrNotAuthenticated)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
