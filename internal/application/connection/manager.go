package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"outreach/internal/domain/outreach"
	"outreach/internal/metrics"
)

const (
	DefaultThrottle         = 5 * time.Minute
	DefaultConnectCooldown  = 30 * time.Second
	DefaultExchangeAttempts = 3
	DefaultExchangeBackoff  = 300 * time.Millisecond
)

type Options struct {
	// Throttle is the minimum time between remote status checks for one user.
	Throttle time.Duration
	// ConnectCooldown blocks a second connect for the same user while the
	// first redirect is presumably still open.
	ConnectCooldown  time.Duration
	ExchangeAttempts int
	ExchangeBackoff  time.Duration
	Now              func() time.Time
}

func (o *Options) defaults() {
	if o.Throttle <= 0 {
		o.Throttle = DefaultThrottle
	}
	if o.ConnectCooldown <= 0 {
		o.ConnectCooldown = DefaultConnectCooldown
	}
	if o.ExchangeAttempts <= 0 {
		o.ExchangeAttempts = DefaultExchangeAttempts
	}
	if o.ExchangeBackoff <= 0 {
		o.ExchangeBackoff = DefaultExchangeBackoff
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type lastCheck struct {
	at        time.Time
	connected bool
}

// Manager answers "is this user's mail account usable" and hands out access
// tokens, refreshing them when it can.
type Manager struct {
	grants   GrantRepository
	provider AuthProvider
	cache    *StatusCache
	states   *StateCodec
	notifier Notifier
	logger   *slog.Logger
	opts     Options

	flight singleflight.Group

	mu       sync.Mutex
	checks   map[string]lastCheck
	attempts map[string]time.Time
}

// NewManager builds a manager. provider may be nil when OAuth credentials are
// not configured; every operation that needs it then fails with
// outreach.ErrConfigurationMissing.
func NewManager(grants GrantRepository, provider AuthProvider, cache *StatusCache, states *StateCodec, logger *slog.Logger, opts Options) *Manager {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		grants:   grants,
		provider: provider,
		cache:    cache,
		states:   states,
		notifier: noopNotifier{},
		logger:   logger,
		opts:     opts,
		checks:   make(map[string]lastCheck),
		attempts: make(map[string]time.Time),
	}
}

func (m *Manager) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	m.notifier = n
}

// CheckConnection never fails: provider and store problems read as false.
func (m *Manager) CheckConnection(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}

	if entry, tier, ok := m.cache.Get(ctx, userID); ok {
		metrics.StatusChecks.WithLabelValues(tier).Inc()
		return entry.Connected
	}
	if connected, ok := m.throttled(userID); ok {
		metrics.StatusChecks.WithLabelValues("throttled").Inc()
		return connected
	}

	// Shared by every waiting caller; outlives the one that started it.
	flightCtx := context.WithoutCancel(ctx)
	v, _, _ := m.flight.Do("status:"+userID, func() (any, error) {
		if connected, ok := m.throttled(userID); ok {
			return connected, nil
		}
		return m.remoteStatus(flightCtx, userID), nil
	})
	return v.(bool)
}

// throttled returns the last remote answer while it is inside the throttle window.
func (m *Manager) throttled(userID string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.checks[userID]
	if !ok || m.opts.Now().Sub(last.at) >= m.opts.Throttle {
		return false, false
	}
	return last.connected, true
}

func (m *Manager) remember(userID string, connected bool) {
	m.mu.Lock()
	m.checks[userID] = lastCheck{at: m.opts.Now(), connected: connected}
	m.mu.Unlock()
}

func (m *Manager) remoteStatus(ctx context.Context, userID string) bool {
	metrics.StatusChecks.WithLabelValues("remote").Inc()

	connected, err := m.resolve(ctx, userID)
	if err != nil {
		m.logger.Warn("connection status check degraded", "user_id", userID, "error", err)
		return false
	}
	m.remember(userID, connected)
	m.cache.Set(ctx, userID, connected)
	return connected
}

// resolve reads the grant and, when it has expired, tries exactly one refresh.
// A non-nil error means the answer is not worth caching.
func (m *Manager) resolve(ctx context.Context, userID string) (bool, error) {
	grant, err := m.grants.Get(ctx, userID)
	if errors.Is(err, outreach.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load grant: %w", err)
	}

	now := m.opts.Now()
	switch {
	case grant.ReauthRequired:
		return false, nil
	case grant.Usable(now):
		return true, nil
	case !grant.CanRefresh():
		return false, nil
	}

	if _, err := m.refreshGrant(ctx, grant); err != nil {
		if errors.Is(err, outreach.ErrRefreshRejected) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// refreshGrant mints a new access token. A rejected refresh token marks the
// grant as needing full re-authorization.
func (m *Manager) refreshGrant(ctx context.Context, grant *outreach.Grant) (*outreach.Grant, error) {
	if m.provider == nil {
		return nil, outreach.ErrConfigurationMissing
	}
	if grant.ReauthRequired || grant.RefreshToken == "" {
		metrics.TokenRefreshes.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: no usable refresh token", outreach.ErrRefreshRejected)
	}

	tokens, err := m.provider.Refresh(ctx, grant.RefreshToken)
	if err != nil {
		if errors.Is(err, outreach.ErrRefreshRejected) {
			metrics.TokenRefreshes.WithLabelValues("rejected").Inc()
			if merr := m.grants.MarkReauthRequired(ctx, grant.UserID); merr != nil {
				m.logger.Error("failed to flag grant for re-authorization", "user_id", grant.UserID, "error", merr)
			}
			m.invalidate(ctx, grant.UserID, "reauth_required")
			return nil, err
		}
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	grant.ApplyRefresh(*tokens, m.opts.Now())
	if err := m.grants.Upsert(ctx, grant); err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist refreshed grant: %w", err)
	}
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	m.logger.Info("access token refreshed", "user_id", grant.UserID, "expires_at", grant.ExpiresAt)
	return grant, nil
}

// Connect returns the provider authorization URL the browser should visit.
func (m *Manager) Connect(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", outreach.ErrNotAuthenticated
	}
	if m.provider == nil {
		return "", outreach.ErrConfigurationMissing
	}

	now := m.opts.Now()
	m.mu.Lock()
	if started, ok := m.attempts[userID]; ok && now.Sub(started) < m.opts.ConnectCooldown {
		m.mu.Unlock()
		return "", outreach.ErrAlreadyInProgress
	}
	m.attempts[userID] = now
	m.mu.Unlock()

	state, err := m.states.Issue(userID, now)
	if err != nil {
		m.clearAttempt(userID)
		return "", err
	}
	m.logger.Info("gmail authorization started", "user_id", userID)
	return m.provider.AuthCodeURL(state), nil
}

func (m *Manager) clearAttempt(userID string) {
	m.mu.Lock()
	delete(m.attempts, userID)
	m.mu.Unlock()
}

// CompleteAuthorization validates state, exchanges the code, persists the
// grant and reads it back.
func (m *Manager) CompleteAuthorization(ctx context.Context, code, state string) (*outreach.Grant, error) {
	if m.provider == nil {
		return nil, outreach.ErrConfigurationMissing
	}

	payload, err := m.states.Parse(state, m.opts.Now())
	if err != nil {
		return nil, err
	}
	userID := payload.UserID
	defer m.clearAttempt(userID)

	if code == "" {
		return nil, fmt.Errorf("%w: missing authorization code", outreach.ErrExchangeFailed)
	}

	tokens, err := m.exchange(ctx, code)
	if err != nil {
		m.logger.Warn("authorization code exchange failed", "user_id", userID, "error", err)
		return nil, err
	}

	grant := outreach.NewGrant(userID, *tokens, m.opts.Now())
	if err := m.grants.Upsert(ctx, grant); err != nil {
		return nil, fmt.Errorf("%w: persist grant: %v", outreach.ErrVerificationFailed, err)
	}

	stored, err := m.grants.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: read back grant: %v", outreach.ErrVerificationFailed, err)
	}
	if stored.AccessToken != grant.AccessToken || stored.RefreshToken != grant.RefreshToken {
		return nil, fmt.Errorf("%w: stored grant does not match exchanged tokens", outreach.ErrVerificationFailed)
	}

	m.cache.Set(ctx, userID, true)
	m.remember(userID, true)
	m.notify(ctx, userID, "authorized")
	m.logger.Info("gmail connected", "user_id", userID, "expires_at", stored.ExpiresAt)
	return stored, nil
}

func (m *Manager) exchange(ctx context.Context, code string) (*outreach.TokenSet, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.ExchangeAttempts; attempt++ {
		tokens, err := m.provider.Exchange(ctx, code)
		if err == nil {
			return tokens, nil
		}
		lastErr = err
		if !errors.Is(err, outreach.ErrProviderUnavailable) || attempt == m.opts.ExchangeAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, asExchangeFailure(ctx.Err())
		case <-time.After(time.Duration(attempt) * m.opts.ExchangeBackoff):
		}
	}
	return nil, asExchangeFailure(lastErr)
}

// asExchangeFailure keeps the provider payload but makes the error read as
// ErrExchangeFailed regardless of why the last attempt failed.
func asExchangeFailure(err error) error {
	if errors.Is(err, outreach.ErrExchangeFailed) {
		return err
	}
	var pe *outreach.ProviderError
	if errors.As(err, &pe) {
		return &outreach.ProviderError{Op: pe.Op, Status: pe.Status, Code: pe.Code, Payload: pe.Payload, Err: outreach.ErrExchangeFailed}
	}
	return fmt.Errorf("%w: %v", outreach.ErrExchangeFailed, err)
}

// Refresh mints a new access token and drops every cached status so the next
// check sees the new expiry. It reports false instead of failing.
func (m *Manager) Refresh(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	grant, err := m.grants.Get(ctx, userID)
	if err != nil {
		m.logger.Warn("refresh skipped", "user_id", userID, "error", err)
		return false
	}
	if _, err := m.refreshGrant(ctx, grant); err != nil {
		m.logger.Warn("refresh failed", "user_id", userID, "error", err)
		return false
	}
	m.invalidate(ctx, userID, "refreshed")
	return true
}

// AccessToken returns a usable access token, refreshing an expired one.
func (m *Manager) AccessToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", outreach.ErrNotAuthenticated
	}
	grant, err := m.grants.Get(ctx, userID)
	if errors.Is(err, outreach.ErrNotFound) {
		return "", outreach.ErrNotConnected
	}
	if err != nil {
		return "", fmt.Errorf("load grant: %w", err)
	}
	if grant.ReauthRequired {
		return "", fmt.Errorf("%w: re-authorization required", outreach.ErrRefreshRejected)
	}
	if grant.Usable(m.opts.Now()) {
		return grant.AccessToken, nil
	}

	refreshed, err := m.refreshGrant(ctx, grant)
	if err != nil {
		return "", err
	}
	m.invalidate(ctx, userID, "refreshed")
	return refreshed.AccessToken, nil
}

// ForceRefresh refreshes even when the stored expiry says the token is still
// valid. Used after the provider has rejected the token.
func (m *Manager) ForceRefresh(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", outreach.ErrNotAuthenticated
	}
	grant, err := m.grants.Get(ctx, userID)
	if errors.Is(err, outreach.ErrNotFound) {
		return "", outreach.ErrNotConnected
	}
	if err != nil {
		return "", fmt.Errorf("load grant: %w", err)
	}
	refreshed, err := m.refreshGrant(ctx, grant)
	if err != nil {
		return "", err
	}
	m.invalidate(ctx, userID, "refreshed")
	return refreshed.AccessToken, nil
}

// Disconnect revokes and deletes the grant. Revocation is best effort; the
// local state is cleared either way.
func (m *Manager) Disconnect(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}

	grant, err := m.grants.Get(ctx, userID)
	switch {
	case errors.Is(err, outreach.ErrNotFound):
	case err != nil:
		m.logger.Warn("could not load grant before disconnect", "user_id", userID, "error", err)
	case m.provider != nil:
		token := grant.AccessToken
		if token == "" {
			token = grant.RefreshToken
		}
		if token != "" {
			if err := m.provider.Revoke(ctx, token); err != nil {
				m.logger.Warn("token revoke failed, continuing with removal", "user_id", userID, "error", err)
			}
		}
	}

	deleteErr := m.grants.Delete(ctx, userID)
	m.invalidate(ctx, userID, "disconnected")
	if deleteErr != nil {
		m.logger.Error("failed to delete grant", "user_id", userID, "error", deleteErr)
		return false
	}
	m.logger.Info("gmail disconnected", "user_id", userID)
	return true
}

// Revalidate forgets everything known about the user and asks the store again.
func (m *Manager) Revalidate(ctx context.Context, userID string) bool {
	m.cache.Invalidate(ctx, userID)
	m.forgetCheck(userID)
	return m.CheckConnection(ctx, userID)
}

// ForgetLocal drops state private to this instance. Called when another
// instance reports a change for the user.
func (m *Manager) ForgetLocal(ctx context.Context, userID string) {
	m.cache.InvalidateLocal(ctx, userID)
	m.forgetCheck(userID)
}

// Teardown releases per-user state on logout.
func (m *Manager) Teardown(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	m.clearAttempt(userID)
	m.ForgetLocal(ctx, userID)
}

func (m *Manager) KnownUsers(ctx context.Context) ([]string, error) {
	return m.grants.ListUserIDs(ctx)
}

func (m *Manager) invalidate(ctx context.Context, userID, reason string) {
	m.cache.Invalidate(ctx, userID)
	m.forgetCheck(userID)
	m.notify(ctx, userID, reason)
}

func (m *Manager) forgetCheck(userID string) {
	m.mu.Lock()
	delete(m.checks, userID)
	m.mu.Unlock()
}

func (m *Manager) notify(ctx context.Context, userID, reason string) {
	if err := m.notifier.Invalidate(ctx, userID, reason); err != nil {
		m.logger.Warn("invalidation broadcast failed", "user_id", userID, "reason", reason, "error", err)
	}
}
