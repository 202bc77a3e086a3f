package outreach

import "time"

// DefaultTokenLifetime is assumed when the provider omits expires_in.
const DefaultTokenLifetime = time.Hour

// TokenSet is what the authorization provider hands back on exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// Grant is the stored OAuth credential set for one user.
type Grant struct {
	UserID         string
	AccessToken    string
	RefreshToken   string
	TokenType      string
	Scope          string
	ExpiresAt      time.Time
	ReauthRequired bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func NewGrant(userID string, tokens TokenSet, now time.Time) *Grant {
	g := &Grant{
		UserID:       userID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		Scope:        tokens.Scope,
		ExpiresAt:    tokens.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if g.ExpiresAt.IsZero() {
		g.ExpiresAt = now.Add(DefaultTokenLifetime)
	}
	return g
}

// Usable reports whether the access token may be used at now.
func (g *Grant) Usable(now time.Time) bool {
	return g != nil && !g.ReauthRequired && g.AccessToken != "" && now.Before(g.ExpiresAt)
}

func (g *Grant) CanRefresh() bool {
	return g != nil && !g.ReauthRequired && g.RefreshToken != ""
}

// ApplyRefresh stores a freshly minted access token. The refresh token is kept
// unless the provider rotated it.
func (g *Grant) ApplyRefresh(tokens TokenSet, now time.Time) {
	g.AccessToken = tokens.AccessToken
	g.ExpiresAt = tokens.ExpiresAt
	if g.ExpiresAt.IsZero() {
		g.ExpiresAt = now.Add(DefaultTokenLifetime)
	}
	if tokens.RefreshToken != "" {
		g.RefreshToken = tokens.RefreshToken
	}
	if tokens.TokenType != "" {
		g.TokenType = tokens.TokenType
	}
	if tokens.Scope != "" {
		g.Scope = tokens.Scope
	}
	g.ReauthRequired = false
	g.UpdatedAt = now
}

// StatusEntry is one cache tier's answer to "is there a usable grant".
type StatusEntry struct {
	Connected bool
	CheckedAt time.Time
}

// IsFresh reports whether the entry is younger than ttl. Stale entries must be
// treated as absent, never as a negative answer.
func (e StatusEntry) IsFresh(ttl time.Duration, now time.Time) bool {
	if e.CheckedAt.IsZero() {
		return false
	}
	return now.Sub(e.CheckedAt) < ttl
}
