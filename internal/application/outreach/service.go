package outreach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	domain "outreach/internal/domain/outreach"
	"outreach/internal/metrics"
)

const (
	DefaultSendTimeout  = 60 * time.Second
	DefaultDedupWindow  = 10 * time.Second
	DefaultBudget       = 10
	DefaultBudgetWindow = time.Minute
)

type SendRequest struct {
	UserID      string
	Origin      string
	CandidateID domain.Ref
	JobID       domain.Ref
	To          string
	Cc          string
	Subject     string
	Body        string
}

func (r SendRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return domain.ErrNotAuthenticated
	}
	if r.CandidateID.IsZero() || r.JobID.IsZero() {
		return fmt.Errorf("%w: candidate and job are required", domain.ErrInvalidInput)
	}
	return domain.OutboundMessage{To: r.To, Body: r.Body}.Validate()
}

type SendResponse struct {
	domain.SendResult
	Deduplicated bool `json:"deduplicated"`
}

type Options struct {
	Timeout time.Duration
	Dedup   *Deduplicator
	Budget  *SendBudget
}

// Service sends outreach messages that continue the conversation already
// bound to a (candidate, job) pair.
type Service struct {
	bindings BindingRepository
	tokens   TokenProvider
	sender   MessageSender
	logger   *slog.Logger

	timeout time.Duration
	dedup   *Deduplicator
	budget  *SendBudget
	pairs   *pairLocks
}

func NewService(bindings BindingRepository, tokens TokenProvider, sender MessageSender, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSendTimeout
	}
	if opts.Dedup == nil {
		opts.Dedup = NewDeduplicator(DefaultDedupWindow, nil)
	}
	if opts.Budget == nil {
		opts.Budget = NewSendBudget(DefaultBudget, DefaultBudgetWindow, nil)
	}
	return &Service{
		bindings: bindings,
		tokens:   tokens,
		sender:   sender,
		logger:   logger,
		timeout:  opts.Timeout,
		dedup:    opts.Dedup,
		budget:   opts.Budget,
		pairs:    newPairLocks(),
	}
}

// SendThreadedMessage sends req and advances the pair's thread binding.
func (s *Service) SendThreadedMessage(ctx context.Context, req SendRequest) (SendResponse, error) {
	if err := req.validate(); err != nil {
		metrics.Sends.WithLabelValues("rejected").Inc()
		return SendResponse{}, err
	}

	res, shared, err := s.dedup.Do(sendKey(req), func() (domain.SendResult, error) {
		if !s.budget.Allow(req.Origin) {
			return domain.SendResult{}, fmt.Errorf("%w: send budget exhausted for %s", domain.ErrRateLimited, req.Origin)
		}
		return s.send(ctx, req)
	})
	if err != nil {
		metrics.Sends.WithLabelValues(outcome(err)).Inc()
		s.logger.Warn("outreach send failed",
			"user_id", req.UserID,
			"candidate_id", req.CandidateID.ID,
			"job_id", req.JobID.ID,
			"error", err,
		)
		return SendResponse{}, err
	}
	if shared {
		metrics.Sends.WithLabelValues("deduplicated").Inc()
	}
	return SendResponse{SendResult: res, Deduplicated: shared}, nil
}

func (s *Service) send(ctx context.Context, req SendRequest) (domain.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock := s.pairs.lock(req.CandidateID.ID + "\x00" + req.JobID.ID)
	defer unlock()

	binding, err := s.bindings.Get(ctx, req.CandidateID.ID, req.JobID.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		binding = nil
	case err != nil:
		return domain.SendResult{}, asTimeout(ctx, fmt.Errorf("load thread binding: %w", err))
	}

	msg := domain.ComposeMessage(binding, req.To, req.Cc, req.Subject, req.Body)
	res, err := s.sendWithRefresh(ctx, req.UserID, msg)
	if err != nil {
		return domain.SendResult{}, asTimeout(ctx, err)
	}
	metrics.Sends.WithLabelValues("sent").Inc()

	next := binding.Next(res)
	if err := s.bindings.Upsert(ctx, req.CandidateID.ID, req.JobID.ID, next); err != nil {
		// The message is out; losing the binding only costs threading on the next send.
		s.logger.Error("failed to persist thread binding",
			"candidate_id", req.CandidateID.ID,
			"job_id", req.JobID.ID,
			"thread_id", next.ThreadID,
			"message_id", next.MessageID,
			"error", err,
		)
	}

	s.logger.Info("outreach message sent",
		"user_id", req.UserID,
		"candidate_id", req.CandidateID.ID,
		"job_id", req.JobID.ID,
		"thread_id", res.ThreadID,
		"message_id", res.MessageID,
		"reply", msg.IsReply(),
	)
	return res, nil
}

// sendWithRefresh makes at most two provider calls: the original attempt and
// one retry after a forced refresh.
func (s *Service) sendWithRefresh(ctx context.Context, userID string, msg domain.OutboundMessage) (domain.SendResult, error) {
	token, err := s.tokens.AccessToken(ctx, userID)
	if err != nil {
		return domain.SendResult{}, err
	}

	res, err := s.sender.Send(ctx, msg, token)
	if !errors.Is(err, domain.ErrTokenExpired) {
		return res, err
	}

	s.logger.Info("access token rejected by provider, refreshing", "user_id", userID)
	token, refreshErr := s.tokens.ForceRefresh(ctx, userID)
	if refreshErr != nil {
		if errors.Is(refreshErr, domain.ErrRefreshRejected) {
			return domain.SendResult{}, refreshErr
		}
		return domain.SendResult{}, fmt.Errorf("%w: %w", domain.ErrRefreshRejected, refreshErr)
	}
	return s.sender.Send(ctx, msg, token)
}

func asTimeout(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrTokenExpired), errors.Is(err, domain.ErrRefreshRejected), errors.Is(err, domain.ErrNotConnected):
		return "auth"
	default:
		return "failed"
	}
}
