package connection

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"outreach/internal/domain/outreach"
)

// DefaultStateMaxAge bounds how long an authorization redirect may take.
const DefaultStateMaxAge = 10 * time.Minute

const maxClockSkew = time.Minute

// StatePayload is carried through the provider redirect inside `state`.
type StatePayload struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

func (p StatePayload) IssuedAt() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// StateCodec signs state values so the callback can trust them without a
// server-side session.
type StateCodec struct {
	secret []byte
	maxAge time.Duration
}

// NewStateCodec uses a random secret when none is configured; states then do
// not survive a restart.
func NewStateCodec(secret string, maxAge time.Duration) (*StateCodec, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate state secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	if maxAge <= 0 {
		maxAge = DefaultStateMaxAge
	}
	return &StateCodec{secret: []byte(secret), maxAge: maxAge}, nil
}

func (c *StateCodec) Issue(userID string, now time.Time) (string, error) {
	payload, err := json.Marshal(StatePayload{
		UserID:    userID,
		Timestamp: now.UnixMilli(),
		Nonce:     uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("encode state: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + c.sign(body), nil
}

// Parse validates the signature first and the age second, so a forged state
// never reaches the expiry branch.
func (c *StateCodec) Parse(state string, now time.Time) (StatePayload, error) {
	body, sig, ok := strings.Cut(strings.TrimSpace(state), ".")
	if !ok || body == "" || sig == "" {
		return StatePayload{}, fmt.Errorf("%w: malformed", outreach.ErrInvalidState)
	}
	if !hmac.Equal([]byte(c.sign(body)), []byte(sig)) {
		return StatePayload{}, fmt.Errorf("%w: bad signature", outreach.ErrInvalidState)
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return StatePayload{}, fmt.Errorf("%w: %v", outreach.ErrInvalidState, err)
	}
	var p StatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return StatePayload{}, fmt.Errorf("%w: %v", outreach.ErrInvalidState, err)
	}
	if p.UserID == "" || p.Timestamp == 0 {
		return StatePayload{}, fmt.Errorf("%w: missing user or timestamp", outreach.ErrInvalidState)
	}

	age := now.Sub(p.IssuedAt())
	if age > c.maxAge {
		return StatePayload{}, fmt.Errorf("%w: issued %s ago", outreach.ErrExpiredState, age.Round(time.Second))
	}
	if age < -maxClockSkew {
		return StatePayload{}, fmt.Errorf("%w: issued in the future", outreach.ErrInvalidState)
	}
	return p, nil
}

func (c *StateCodec) sign(body string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
