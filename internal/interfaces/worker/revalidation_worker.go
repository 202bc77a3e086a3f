package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type RevalidationJob struct {
	UserID string
}

// Revalidator is satisfied by the connection manager.
type Revalidator interface {
	Revalidate(ctx context.Context, userID string) bool
	KnownUsers(ctx context.Context) ([]string, error)
}

// Pool re-checks stored grants in the background so the shared status tier
// stays warm. Results are never surfaced to users.
type Pool struct {
	workers int
	jobs    chan RevalidationJob
	conn    Revalidator
	logger  *slog.Logger
	pace    time.Duration
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers int, conn Revalidator, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan RevalidationJob, 100),
		conn:    conn,
		logger:  logger,
		pace:    200 * time.Millisecond,
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("revalidation pool started", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit blocks until the job is queued. It reports false once the pool is
// shut down or ctx ends.
func (p *Pool) Submit(ctx context.Context, job RevalidationJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("revalidation pool shut down")
}

// RunSchedule submits every known user each interval until ctx ends.
func (p *Pool) RunSchedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SubmitAll(ctx)
		}
	}
}

func (p *Pool) SubmitAll(ctx context.Context) int {
	users, err := p.conn.KnownUsers(ctx)
	if err != nil {
		p.logger.Warn("cannot list users for revalidation", "error", err)
		return 0
	}
	n := 0
	for _, id := range users {
		if !p.Submit(ctx, RevalidationJob{UserID: id}) {
			break
		}
		n++
	}
	p.logger.Debug("revalidation round queued", "users", n)
	return n
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}

			connected := p.conn.Revalidate(ctx, job.UserID)
			p.logger.Debug("grant revalidated", "worker", workerID, "user_id", job.UserID, "connected", connected)

			if p.pace > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.pace):
				}
			}
		}
	}
}
