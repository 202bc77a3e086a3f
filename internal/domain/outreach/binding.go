package outreach

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ThreadBinding ties a (candidate, job) pair to a provider conversation.
type ThreadBinding struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
}

// DecodeBinding reads a stored binding. Canonical records are JSON objects;
// legacy records are a bare identifier (optionally JSON quoted) that stood in
// for both fields. legacy is true when the caller should rewrite the record.
func DecodeBinding(raw string) (b ThreadBinding, legacy bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ThreadBinding{}, false, fmt.Errorf("%w: empty thread binding", ErrMalformedBinding)
	}

	switch raw[0] {
	case '{':
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return ThreadBinding{}, false, fmt.Errorf("%w: %v", ErrMalformedBinding, err)
		}
		b.ThreadID = strings.TrimSpace(b.ThreadID)
		b.MessageID = strings.TrimSpace(b.MessageID)
		if b.ThreadID == "" {
			return ThreadBinding{}, false, fmt.Errorf("%w: missing threadId", ErrMalformedBinding)
		}
		if b.MessageID == "" {
			b.MessageID = b.ThreadID
			return b, true, nil
		}
		return b, false, nil
	case '"':
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return ThreadBinding{}, false, fmt.Errorf("%w: %v", ErrMalformedBinding, err)
		}
		return legacyBinding(s)
	default:
		return legacyBinding(raw)
	}
}

func legacyBinding(id string) (ThreadBinding, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, " \t\r\n{}[]\"") {
		return ThreadBinding{}, false, fmt.Errorf("%w: unrecognised legacy value", ErrMalformedBinding)
	}
	return ThreadBinding{ThreadID: id, MessageID: id}, true, nil
}

// Encode returns the canonical stored form.
func (b ThreadBinding) Encode() (string, error) {
	if b.ThreadID == "" || b.MessageID == "" {
		return "", fmt.Errorf("%w: thread and message ids are required", ErrMalformedBinding)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode thread binding: %w", err)
	}
	return string(data), nil
}

// ComposeMessage builds the next outbound message for a pair. A nil binding is
// the NoThread state: no threading fields are set. Otherwise the message
// continues the bound conversation and the subject is left to the provider.
func ComposeMessage(b *ThreadBinding, to, cc, subject, body string) OutboundMessage {
	msg := OutboundMessage{
		To:   strings.TrimSpace(to),
		Cc:   strings.TrimSpace(cc),
		Body: body,
	}
	if b == nil {
		msg.Subject = strings.TrimSpace(subject)
		return msg
	}
	msg.ThreadID = b.ThreadID
	msg.ReplyToMessageID = b.MessageID
	return msg
}

// Next returns the binding after a successful send. Once a thread exists its id
// never changes; only the latest message id advances.
func (b *ThreadBinding) Next(res SendResult) ThreadBinding {
	if b == nil {
		threadID := res.ThreadID
		if threadID == "" {
			threadID = res.MessageID
		}
		return ThreadBinding{ThreadID: threadID, MessageID: res.MessageID}
	}
	return ThreadBinding{ThreadID: b.ThreadID, MessageID: res.MessageID}
}
