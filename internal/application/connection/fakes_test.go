package connection

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"outreach/internal/domain/outreach"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGrants struct {
	mu       sync.Mutex
	grants   map[string]outreach.Grant
	gets     int
	getErr   error
	getGate  chan struct{}
	deletes  int
	reauth   []string
	tamper   bool
	upsertFn func(*outreach.Grant) error
}

func newFakeGrants() *fakeGrants {
	return &fakeGrants{grants: make(map[string]outreach.Grant)}
}

func (f *fakeGrants) Get(ctx context.Context, userID string) (*outreach.Grant, error) {
	if f.getGate != nil {
		select {
		case <-f.getGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	g, ok := f.grants[userID]
	if !ok {
		return nil, outreach.ErrNotFound
	}
	if f.tamper {
		g.AccessToken = "something-else"
	}
	return &g, nil
}

func (f *fakeGrants) Upsert(_ context.Context, g *outreach.Grant) error {
	if f.upsertFn != nil {
		if err := f.upsertFn(g); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[g.UserID] = *g
	return nil
}

func (f *fakeGrants) Delete(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.grants, userID)
	return nil
}

func (f *fakeGrants) MarkReauthRequired(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauth = append(f.reauth, userID)
	if g, ok := f.grants[userID]; ok {
		g.ReauthRequired = true
		f.grants[userID] = g
	}
	return nil
}

func (f *fakeGrants) ListUserIDs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.grants))
	for id := range f.grants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeGrants) put(g outreach.Grant) {
	f.mu.Lock()
	f.grants[g.UserID] = g
	f.mu.Unlock()
}

func (f *fakeGrants) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

type fakeProvider struct {
	mu           sync.Mutex
	exchangeErrs []error
	exchanges    int
	tokens       outreach.TokenSet
	refreshErr   error
	refreshes    int
	revoked      []string
	revokeErr    error
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*outreach.TokenSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges++
	if len(p.exchangeErrs) > 0 {
		err := p.exchangeErrs[0]
		p.exchangeErrs = p.exchangeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if code == "" {
		return nil, errors.New("no code")
	}
	t := p.tokens
	return &t, nil
}

func (p *fakeProvider) Refresh(_ context.Context, refreshToken string) (*outreach.TokenSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	t := p.tokens
	t.RefreshToken = ""
	return &t, nil
}

func (p *fakeProvider) Revoke(_ context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, token)
	return p.revokeErr
}

type recordingNotifier struct {
	mu      sync.Mutex
	reasons []string
}

func (n *recordingNotifier) Invalidate(_ context.Context, userID, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reasons = append(n.reasons, userID+":"+reason)
	return nil
}

// sharedTier stands in for the cross-instance store tier.
type sharedTier struct {
	*MemoryTier
}

func (sharedTier) Shared() bool { return true }

func newSharedTier(ttl time.Duration) sharedTier {
	return sharedTier{NewMemoryTier("shared", ttl)}
}

type failingTier struct{}

func (failingTier) Name() string       { return "broken" }
func (failingTier) TTL() time.Duration { return time.Hour }
func (failingTier) Shared() bool       { return true }
func (failingTier) Get(context.Context, string) (outreach.StatusEntry, bool, error) {
	return outreach.StatusEntry{}, false, errors.New("store offline")
}
func (failingTier) Set(context.Context, string, outreach.StatusEntry) error {
	return errors.New("store offline")
}
func (failingTier) Delete(context.Context, string) error { return errors.New("store offline") }
