package outreach

import (
	"fmt"
	"strings"
)

// OutboundMessage is constructed per send and never persisted.
type OutboundMessage struct {
	To               string
	Cc               string
	Subject          string
	Body             string
	ReplyToMessageID string
	ThreadID         string
}

func (m OutboundMessage) IsReply() bool {
	return m.ReplyToMessageID != ""
}

func (m OutboundMessage) Validate() error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("%w: message body is required", ErrInvalidInput)
	}
	return nil
}

// SendResult holds the identifiers the caller must persist for the next reply.
type SendResult struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
}
