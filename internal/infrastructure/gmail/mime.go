package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/mail"

	"outreach/internal/domain/outreach"
)

// BuildMIME renders msg as an RFC 5322 message with a text/plain and a
// text/html alternative. Threading headers are written only for replies.
func BuildMIME(msg outreach.OutboundMessage, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)

	to, err := mail.ParseAddressList(msg.To)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient %q: %v", outreach.ErrInvalidInput, msg.To, err)
	}
	h.SetAddressList("To", to)

	if strings.TrimSpace(msg.Cc) != "" {
		cc, err := mail.ParseAddressList(msg.Cc)
		if err != nil {
			return nil, fmt.Errorf("%w: cc %q: %v", outreach.ErrInvalidInput, msg.Cc, err)
		}
		h.SetAddressList("Cc", cc)
	}

	if msg.Subject != "" {
		h.SetSubject(msg.Subject)
	}

	if id := strings.Trim(strings.TrimSpace(msg.ReplyToMessageID), "<>"); id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", []string{id})
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create mime writer: %w", err)
	}
	if err := writePart(w, "text/plain", PlainText(msg.Body)); err != nil {
		return nil, err
	}
	if err := writePart(w, "text/html", msg.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close mime writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

// EncodeRaw applies the URL-safe, unpadded base64 Gmail expects in Message.Raw.
func EncodeRaw(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// PlainText flattens an HTML body for the text/plain alternative.
func PlainText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
