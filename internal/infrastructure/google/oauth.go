package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"outreach/internal/domain/outreach"
	"outreach/internal/metrics"
)

const DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"

// Provider is the Google authorization server as seen by the connection
// manager. Only the send scope is requested.
type Provider struct {
	cfg       *oauth2.Config
	revokeURL string
	client    *http.Client
}

type Option func(*Provider)

// WithEndpoint points the provider at a different authorization server.
func WithEndpoint(authURL, tokenURL string) Option {
	return func(p *Provider) {
		p.cfg.Endpoint = oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
}

func WithRevokeURL(u string) Option {
	return func(p *Provider) { p.revokeURL = u }
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func NewProvider(clientID, clientSecret, redirectURL string, opts ...Option) *Provider {
	return newProvider(&oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       []string{gmail.GmailSendScope},
	}, opts...)
}

// NewProviderFromJSON reads a client secrets file as downloaded from the
// Google Cloud console. redirectURL overrides the file's first redirect URI
// when set.
func NewProviderFromJSON(data []byte, redirectURL string, opts ...Option) (*Provider, error) {
	cfg, err := googleoauth.ConfigFromJSON(data, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("cannot parse credentials: %w", err)
	}
	if redirectURL != "" {
		cfg.RedirectURL = redirectURL
	}
	return newProvider(cfg, opts...), nil
}

func newProvider(cfg *oauth2.Config, opts ...Option) *Provider {
	p := &Provider{
		cfg:       cfg,
		revokeURL: DefaultRevokeURL,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AuthCodeURL asks for offline access with a forced consent screen so Google
// always returns a refresh token.
func (p *Provider) AuthCodeURL(state string) string {
	return p.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (p *Provider) Exchange(ctx context.Context, code string) (*outreach.TokenSet, error) {
	defer metrics.ObserveProvider("token_exchange")()

	tok, err := p.cfg.Exchange(p.withClient(ctx), code)
	if err != nil {
		return nil, classify("exchange", err, outreach.ErrExchangeFailed)
	}
	return tokenSet(tok), nil
}

// Refresh mints a new access token. The returned set carries a refresh token
// only when Google rotated it.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*outreach.TokenSet, error) {
	defer metrics.ObserveProvider("token_refresh")()

	src := p.cfg.TokenSource(p.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify("refresh", err, outreach.ErrRefreshRejected)
	}
	set := tokenSet(tok)
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

func (p *Provider) Revoke(ctx context.Context, token string) error {
	defer metrics.ObserveProvider("token_revoke")()

	u, err := url.Parse(p.revokeURL)
	if err != nil {
		return fmt.Errorf("parse revoke url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &outreach.ProviderError{Op: "revoke", Err: fmt.Errorf("%w: %v", outreach.ErrProviderUnavailable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &outreach.ProviderError{Op: "revoke", Status: resp.StatusCode, Payload: string(body), Err: outreach.ErrProviderUnavailable}
	}
	return nil
}

func (p *Provider) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// classify turns an oauth2 failure into a ProviderError. Server-side and
// network failures are transient; everything else is the caller's fault.
func classify(op string, err error, rejected error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &outreach.ProviderError{Op: op, Err: fmt.Errorf("%w: %v", outreach.ErrProviderUnavailable, err)}
	}

	pe := &outreach.ProviderError{Op: op, Code: re.ErrorCode, Payload: string(re.Body), Err: rejected}
	if re.Response != nil {
		pe.Status = re.Response.StatusCode
	}
	if pe.Status >= 500 || pe.Status == http.StatusTooManyRequests {
		pe.Err = outreach.ErrProviderUnavailable
	}
	return pe
}

func tokenSet(tok *oauth2.Token) *outreach.TokenSet {
	set := &outreach.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		set.Scope = scope
	}
	return set
}
