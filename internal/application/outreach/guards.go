package outreach

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	domain "outreach/internal/domain/outreach"
)

// Deduplicator collapses identical sends issued within a short window into one
// provider call. In-flight duplicates wait for the first; later duplicates get
// the remembered result. Failures are never remembered.
type Deduplicator struct {
	window time.Duration
	now    func() time.Time
	flight singleflight.Group

	mu   sync.Mutex
	seen map[string]dedupEntry
}

type dedupEntry struct {
	result domain.SendResult
	at     time.Time
}

func NewDeduplicator(window time.Duration, now func() time.Time) *Deduplicator {
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{window: window, now: now, seen: make(map[string]dedupEntry)}
}

// Do runs fn unless an identical key succeeded within the window. shared is
// true when the caller did not trigger the provider call itself.
func (d *Deduplicator) Do(key string, fn func() (domain.SendResult, error)) (res domain.SendResult, shared bool, err error) {
	if d.window <= 0 {
		res, err = fn()
		return res, false, err
	}
	if res, ok := d.lookup(key); ok {
		return res, true, nil
	}

	leader := false
	v, err, joined := d.flight.Do(key, func() (any, error) {
		if res, ok := d.lookup(key); ok {
			return res, nil
		}
		leader = true
		res, err := fn()
		if err != nil {
			return domain.SendResult{}, err
		}
		d.mu.Lock()
		d.seen[key] = dedupEntry{result: res, at: d.now()}
		d.mu.Unlock()
		return res, nil
	})
	return v.(domain.SendResult), joined || !leader, err
}

func (d *Deduplicator) lookup(key string) (domain.SendResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, e := range d.seen {
		if now.Sub(e.at) >= d.window {
			delete(d.seen, k)
		}
	}
	e, ok := d.seen[key]
	return e.result, ok
}

// sendKey fingerprints everything that makes two sends the same send.
func sendKey(req SendRequest) string {
	data, _ := json.Marshal([]string{
		req.UserID,
		req.CandidateID.ID,
		req.JobID.ID,
		req.To,
		req.Cc,
		req.Subject,
		req.Body,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SendBudget caps sends per origin over a sliding window. Origins with no
// sends left in the window are dropped, at most once per window.
type SendBudget struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	sent      map[string][]time.Time
	lastSweep time.Time
}

func NewSendBudget(limit int, window time.Duration, now func() time.Time) *SendBudget {
	if now == nil {
		now = time.Now
	}
	return &SendBudget{limit: limit, window: window, now: now, sent: make(map[string][]time.Time)}
}

// Allow records a send for origin when the budget has room.
func (b *SendBudget) Allow(origin string) bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)
	if now.Sub(b.lastSweep) >= b.window {
		b.sweep(cutoff)
		b.lastSweep = now
	}

	kept := trimBefore(b.sent[origin], cutoff)
	if len(kept) >= b.limit {
		b.sent[origin] = kept
		return false
	}
	b.sent[origin] = append(kept, now)
	return true
}

func (b *SendBudget) sweep(cutoff time.Time) {
	for origin, times := range b.sent {
		if kept := trimBefore(times, cutoff); len(kept) == 0 {
			delete(b.sent, origin)
		} else {
			b.sent[origin] = kept
		}
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// pairLocks serialises sends to the same (candidate, job) pair so the second
// send always sees the first one's binding.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[string]*pairLock)}
}

func (p *pairLocks) lock(key string) func() {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &pairLock{}
		p.locks[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.mu.Unlock()
	}
}
