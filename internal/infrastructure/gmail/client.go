package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"outreach/internal/domain/outreach"
	"outreach/internal/metrics"
)

// Client sends mail on behalf of whichever user's access token it is handed.
type Client struct {
	opts   []option.ClientOption
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates a new Gmail client. opts are appended to every service
// built by Send, after the per-call token source.
func NewClient(logger *slog.Logger, opts ...option.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, logger: logger, now: time.Now}
}

func (c *Client) Send(ctx context.Context, msg outreach.OutboundMessage, accessToken string) (outreach.SendResult, error) {
	if err := msg.Validate(); err != nil {
		return outreach.SendResult{}, err
	}

	raw, err := BuildMIME(msg, c.now())
	if err != nil {
		return outreach.SendResult{}, err
	}

	srv, err := c.service(ctx, accessToken)
	if err != nil {
		return outreach.SendResult{}, err
	}

	done := metrics.ObserveProvider("send")
	sent, err := srv.Users.Messages.Send("me", &gmail.Message{
		Raw:      EncodeRaw(raw),
		ThreadId: msg.ThreadID,
	}).Context(ctx).Do()
	done()
	if err != nil {
		return outreach.SendResult{}, mapSendError(err)
	}

	if sent == nil || sent.Id == "" {
		return outreach.SendResult{}, &outreach.ProviderError{Op: "send", Status: http.StatusOK, Err: outreach.ErrMalformedResponse}
	}

	res := outreach.SendResult{MessageID: sent.Id, ThreadID: sent.ThreadId}
	if res.ThreadID == "" {
		res.ThreadID = msg.ThreadID
	}
	c.logger.Debug("gmail message sent", "message_id", res.MessageID, "thread_id", res.ThreadID, "reply", msg.IsReply())
	return res, nil
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.opts...)

	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot create gmail service: %w", err)
	}
	return srv, nil
}

func mapSendError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &outreach.ProviderError{Op: "send", Err: fmt.Errorf("%w: %v", outreach.ErrSendFailed, err)}
	}

	pe := &outreach.ProviderError{Op: "send", Status: gerr.Code, Payload: gerr.Body, Err: outreach.ErrSendFailed}
	if len(gerr.Errors) > 0 {
		pe.Code = gerr.Errors[0].Reason
	}
	switch gerr.Code {
	case http.StatusUnauthorized:
		pe.Err = outreach.ErrTokenExpired
	case http.StatusTooManyRequests:
		pe.Err = outreach.ErrRateLimited
	}
	return pe
}
