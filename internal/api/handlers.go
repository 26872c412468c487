package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/chatsync/internal/coordinator"
	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/internal/snapshot"
	"github.com/hyperengineering/chatsync/internal/validation"
)

// Service is the sync client as seen by the admin API.
type Service interface {
	Online() bool
	Enabled() bool
	SetEnabled(enabled bool)
	OutboxStats(ctx context.Context) (outbox.Stats, error)
	PendingMutations(ctx context.Context, f outbox.Filter) ([]outbox.Entry, error)
	RetryMutation(ctx context.Context, id string) error
	PurgeOutbox(ctx context.Context, includeFailed bool) (int, error)
	Drain(ctx context.Context) (coordinator.DrainReport, error)
	Messages(ctx context.Context, conversationID string) ([]coordinator.Message, error)
	Backup(ctx context.Context, withURL bool) (*snapshot.Result, error)
}

// Handler implements the admin API handlers.
type Handler struct {
	svc     Service
	apiKey  string
	version string
}

// NewHandler creates a new Handler.
func NewHandler(svc Service, apiKey, version string) *Handler {
	return &Handler{svc: svc, apiKey: apiKey, version: version}
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Online  bool         `json:"online"`
	Enabled bool         `json:"enabled"`
	Outbox  outbox.Stats `json:"outbox"`
}

// DrainResponse is the body of POST /api/v1/drain.
type DrainResponse struct {
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	Recovered int      `json:"recovered"`
	Requeued  int      `json:"requeued"`
	Purged    int      `json:"purged"`
	Cancelled bool     `json:"cancelled"`
	Errors    []string `json:"errors,omitempty"`
}

// Health handles GET /api/v1/health. The status is "degraded" when the
// outbox cannot be read.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Online:  h.svc.Online(),
		Enabled: h.svc.Enabled(),
	}
	stats, err := h.svc.OutboxStats(r.Context())
	if err != nil {
		resp.Status = "degraded"
	} else {
		resp.Outbox = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListOutbox handles GET /api/v1/outbox?status=&limit=
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, errs := validation.ValidateOutboxList(q.Get("status"), q.Get("limit"))
	if len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	entries, err := h.svc.PendingMutations(r.Context(), outbox.Filter{
		Status: outbox.Status(params.Status),
		Limit:  params.Limit,
	})
	if err != nil {
		MapError(w, r, err)
		return
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"total":   len(entries),
	})
}

// OutboxStats handles GET /api/v1/outbox/stats
func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.OutboxStats(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RetryEntry handles POST /api/v1/outbox/{id}/retry
func (h *Handler) RetryEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if verr := validation.ValidateULID("id", id); verr != nil {
		WriteProblemWithErrors(w, r, "Invalid entry id", []validation.ValidationError{*verr})
		return
	}
	if err := h.svc.RetryMutation(r.Context(), id); err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": outbox.StatusPending})
}

// PurgeOutbox handles POST /api/v1/outbox/purge?include_failed=true
func (h *Handler) PurgeOutbox(w http.ResponseWriter, r *http.Request) {
	includeFailed := r.URL.Query().Get("include_failed") == "true"
	n, err := h.svc.PurgeOutbox(r.Context(), includeFailed)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

// Drain handles POST /api/v1/drain. It runs one cycle and reports it.
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Drain(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	resp := DrainResponse{
		Delivered: report.Delivered,
		Failed:    report.Failed,
		Recovered: report.Recovered,
		Requeued:  report.Requeued,
		Purged:    report.Purged,
		Cancelled: report.Cancelled,
	}
	for _, de := range report.Errors {
		resp.Errors = append(resp.Errors, de.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetEnabled handles PUT /api/v1/sync/enabled with {"enabled": bool}.
func (h *Handler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.Enabled == nil {
		WriteProblemWithErrors(w, r, "Request contains invalid fields",
			[]validation.ValidationError{{Field: "enabled", Message: "is required"}})
		return
	}
	h.svc.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": h.svc.Enabled()})
}

// ConversationMessages handles GET /api/v1/conversations/{id}/messages
func (h *Handler) ConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if errs := validation.ValidateConversationID(id); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Invalid conversation id", errs)
		return
	}
	msgs, err := h.svc.Messages(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []coordinator.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"messages":       msgs,
		"total":          len(msgs),
	})
}

// Backup handles POST /api/v1/backup?url=true. It uploads a store snapshot
// and optionally returns a pre-signed download URL.
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	withURL := r.URL.Query().Get("url") == "true"
	res, err := h.svc.Backup(r.Context(), withURL)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
