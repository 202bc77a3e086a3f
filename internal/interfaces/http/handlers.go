package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"outreach/internal/application/outreach"
	domain "outreach/internal/domain/outreach"
	"outreach/internal/interfaces/http/ratelimit"
)

const maxSendBody = 1 << 20

// Connections is the part of the connection manager the API exposes.
type Connections interface {
	CheckConnection(ctx context.Context, userID string) bool
	Connect(ctx context.Context, userID string) (string, error)
	CompleteAuthorization(ctx context.Context, code, state string) (*domain.Grant, error)
	Refresh(ctx context.Context, userID string) bool
	Disconnect(ctx context.Context, userID string) bool
	Teardown(ctx context.Context, userID string)
}

type Sender interface {
	SendThreadedMessage(ctx context.Context, req outreach.SendRequest) (outreach.SendResponse, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	conn      Connections
	sender    Sender
	store     Pinger
	returnURL string
	logger    *slog.Logger
}

func NewHandler(conn Connections, sender Sender, store Pinger, returnURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{conn: conn, sender: sender, store: store, returnURL: returnURL, logger: logger}
}

// Status never fails: anonymous callers and backend trouble both read as
// "not connected".
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	connected := ok && h.conn.CheckConnection(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	authURL, err := h.conn.Connect(r.Context(), userID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if r.Method == http.MethodGet {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// Callback finishes the Google consent redirect. The browser always ends up
// back on the dashboard; failures travel as a gmail_error query parameter.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		h.logger.Info("gmail authorization declined", "reason", denied)
		http.Redirect(w, r, h.returnTo("gmail_error", "access_denied"), http.StatusFound)
		return
	}

	grant, err := h.conn.CompleteAuthorization(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		h.logger.Warn("gmail authorization failed", "code", domain.Code(err), "error", err)
		http.Redirect(w, r, h.returnTo("gmail_error", domain.Code(err)), http.StatusFound)
		return
	}
	h.logger.Info("gmail connected", "user_id", grant.UserID)
	http.Redirect(w, r, h.returnTo("gmail", "connected"), http.StatusFound)
}

func (h *Handler) returnTo(key, value string) string {
	u, err := url.Parse(h.returnURL)
	if err != nil {
		return "/?" + url.Values{key: {value}}.Encode()
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": h.conn.Refresh(r.Context(), userID)})
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": h.conn.Disconnect(r.Context(), userID)})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	h.conn.Teardown(r.Context(), userID)
	w.WriteHeader(http.StatusNoContent)
}

type sendPayload struct {
	CandidateID domain.Ref `json:"candidateId"`
	JobID       domain.Ref `json:"jobId"`
	To          string     `json:"to"`
	Cc          string     `json:"cc"`
	Subject     string     `json:"subject"`
	Body        string     `json:"body"`
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	var p sendPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody))
	if err := dec.Decode(&p); err != nil {
		writeError(w, r, h.logger, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	res, err := h.sender.SendThreadedMessage(r.Context(), outreach.SendRequest{
		UserID:      userID,
		Origin:      origin(r),
		CandidateID: p.CandidateID,
		JobID:       p.JobID,
		To:          p.To,
		Cc:          p.Cc,
		Subject:     p.Subject,
		Body:        p.Body,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// origin identifies the sending client for the send budget.
func origin(r *http.Request) string {
	if o := strings.TrimSpace(r.Header.Get("Origin")); o != "" {
		return o
	}
	return ratelimit.ClientIP(r)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.logger.Error("readiness check failed", "error", err)
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
