package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hyperengineering/chatsync/internal/coordinator"
	"github.com/hyperengineering/chatsync/internal/outbox"
	"github.com/hyperengineering/chatsync/internal/snapshot"
)

const testAPIKey = "test-secret-key-12345"

// --- Mock Implementations for Testing ---

type mockService struct {
	mu sync.Mutex

	online  bool
	enabled bool

	stats    outbox.Stats
	statsErr error

	entries     []outbox.Entry
	listErr     error
	lastFilter  outbox.Filter
	retryErr    error
	retried     []string
	purged      int
	purgeFailed bool

	report   coordinator.DrainReport
	drainErr error

	messages []coordinator.Message

	backup     *snapshot.Result
	backupErr  error
	backupURLs bool
}

func (m *mockService) Online() bool { return m.online }

func (m *mockService) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *mockService) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

func (m *mockService) OutboxStats(ctx context.Context) (outbox.Stats, error) {
	return m.stats, m.statsErr
}

func (m *mockService) PendingMutations(ctx context.Context, f outbox.Filter) ([]outbox.Entry, error) {
	m.lastFilter = f
	return m.entries, m.listErr
}

func (m *mockService) RetryMutation(ctx context.Context, id string) error {
	m.retried = append(m.retried, id)
	return m.retryErr
}

func (m *mockService) PurgeOutbox(ctx context.Context, includeFailed bool) (int, error) {
	m.purgeFailed = includeFailed
	return m.purged, nil
}

func (m *mockService) Drain(ctx context.Context) (coordinator.DrainReport, error) {
	return m.report, m.drainErr
}

func (m *mockService) Messages(ctx context.Context, conversationID string) ([]coordinator.Message, error) {
	var out []coordinator.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func newTestRouter(svc *mockService) http.Handler {
	return NewRouter(NewHandler(svc, testAPIKey, "1.2.3"))
}

func do(t *testing.T, h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid JSON body %q: %v", w.Body.String(), err)
	}
}

func (m *mockService) Backup(ctx context.Context, withURL bool) (*snapshot.Result, error) {
	m.backupURLs = withURL
	return m.backup, m.backupErr
}

// --- Health ---

func TestHealth_NoAuthRequired(t *testing.T) {
	svc := &mockService{online: true, enabled: true, stats: outbox.Stats{Pending: 3, Failed: 1}}
	w := do(t, newTestRouter(svc), http.MethodGet, "/api/v1/health", "", false)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "healthy" || resp.Version != "1.2.3" || !resp.Online || !resp.Enabled {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Outbox.Pending != 3 || resp.Outbox.Failed != 1 {
		t.Errorf("outbox = %+v", resp.Outbox)
	}
}

func TestHealth_DegradedWhenStoreFails(t *testing.T) {
	svc := &mockService{statsErr: errors.New("disk gone")}
	w := do(t, newTestRouter(svc), http.MethodGet, "/api/v1/health", "", false)

	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
}

// --- Outbox ---

func TestProtectedRoutes_RequireAuth(t *testing.T) {
	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/outbox"},
		{http.MethodGet, "/api/v1/outbox/stats"},
		{http.MethodPost, "/api/v1/outbox/01ARZ3NDEKTSV4RRFFQ69G5FAV/retry"},
		{http.MethodPost, "/api/v1/outbox/purge"},
		{http.MethodPost, "/api/v1/drain"},
		{http.MethodPut, "/api/v1/sync/enabled"},
		{http.MethodPost, "/api/v1/backup"},
		{http.MethodGet, "/api/v1/conversations/c1/messages"},
	}
	h := newTestRouter(&mockService{})
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := do(t, h, rt.method, rt.path, "", false)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestListOutbox(t *testing.T) {
	svc := &mockService{entries: []outbox.Entry{
		{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Method: http.MethodPost, TargetURL: "/api/v1/sessions", Status: outbox.StatusFailed},
	}}
	w := do(t, newTestRouter(svc), http.MethodGet, "/api/v1/outbox?status=failed&limit=10", "", true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if svc.lastFilter.Status != outbox.StatusFailed || svc.lastFilter.Limit != 10 {
		t.Errorf("filter = %+v", svc.lastFilter)
	}
	var resp struct {
		Entries []outbox.Entry `json:"entries"`
		Total   int            `json:"total"`
	}
	decode(t, w, &resp)
	if resp.Total != 1 || resp.Entries[0].TargetURL != "/api/v1/sessions" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestListOutbox_EmptyIsArray(t *testing.T) {
	w := do(t, newTestRouter(&mockService{}), http.MethodGet, "/api/v1/outbox", "", true)
	if !strings.Contains(w.Body.String(), `"entries":[]`) {
		t.Errorf("body = %s, want an empty array", w.Body.String())
	}
}

func TestListOutbox_InvalidParams(t *testing.T) {
	w := do(t, newTestRouter(&mockService{}), http.MethodGet, "/api/v1/outbox?status=lost&limit=0", "", true)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	var p ProblemWithErrors
	decode(t, w, &p)
	if len(p.Errors) != 2 {
		t.Errorf("errors = %+v, want 2", p.Errors)
	}
}

func TestRetryEntry(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		retryErr   error
		wantStatus int
	}{
		{"ok", "01ARZ3NDEKTSV4RRFFQ69G5FAV", nil, http.StatusOK},
		{"not found", "01ARZ3NDEKTSV4RRFFQ69G5FAV", outbox.ErrEntryNotFound, http.StatusNotFound},
		{"not failed", "01ARZ3NDEKTSV4RRFFQ69G5FAV", outbox.ErrInvalidTransition, http.StatusConflict},
		{"bad id", "nope", nil, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{retryErr: tt.retryErr}
			w := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/outbox/"+tt.id+"/retry", "", true)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestPurgeOutbox(t *testing.T) {
	svc := &mockService{purged: 4}
	w := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/outbox/purge?include_failed=true", "", true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !svc.purgeFailed {
		t.Error("include_failed was not passed through")
	}
	if !strings.Contains(w.Body.String(), `"purged":4`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

// --- Drain ---

func TestDrain_Report(t *testing.T) {
	svc := &mockService{report: coordinator.DrainReport{
		DrainResult: outbox.DrainResult{
			Delivered: 2,
			Failed:    1,
			Errors:    []*outbox.DeliveryError{{ID: "01X", Err: errors.New("boom")}},
		},
		Purged: 2,
	}}
	w := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/drain", "", true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp DrainResponse
	decode(t, w, &resp)
	if resp.Delivered != 2 || resp.Failed != 1 || resp.Purged != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Errors) != 1 || !strings.Contains(resp.Errors[0], "boom") {
		t.Errorf("errors = %v", resp.Errors)
	}
}

func TestDrain_ClosedClientIsUnavailable(t *testing.T) {
	svc := &mockService{drainErr: coordinator.ErrClosed}
	w := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/drain", "", true)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

// --- Toggle ---

func TestSetEnabled(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantEnabled bool
	}{
		{"disable", `{"enabled":false}`, http.StatusOK, false},
		{"enable", `{"enabled":true}`, http.StatusOK, true},
		{"missing field", `{}`, http.StatusUnprocessableEntity, true},
		{"bad json", `{`, http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{enabled: true}
			w := do(t, newTestRouter(svc), http.MethodPut, "/api/v1/sync/enabled", tt.body, true)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if svc.Enabled() != tt.wantEnabled {
				t.Errorf("enabled = %v, want %v", svc.Enabled(), tt.wantEnabled)
			}
		})
	}
}

// --- Messages ---

func TestConversationMessages(t *testing.T) {
	svc := &mockService{messages: []coordinator.Message{
		{ID: "m1", ConversationID: "c1", Content: "hi", Status: coordinator.MessageComplete},
		{ID: "m2", ConversationID: "c2", Content: "other"},
	}}
	w := do(t, newTestRouter(svc), http.MethodGet, "/api/v1/conversations/c1/messages", "", true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Messages []coordinator.Message `json:"messages"`
		Total    int                   `json:"total"`
	}
	decode(t, w, &resp)
	if resp.Total != 1 || resp.Messages[0].ID != "m1" {
		t.Errorf("resp = %+v", resp)
	}
}

// --- Backup ---

func TestBackup(t *testing.T) {
	svc := &mockService{backup: &snapshot.Result{
		Object:    "laptop/snapshot/current.db",
		SizeBytes: 4096,
		URL:       "https://backups.example.com/laptop",
	}}
	w := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/backup?url=true", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !svc.backupURLs {
		t.Error("url=true was not passed through")
	}
	var resp snapshot.Result
	decode(t, w, &resp)
	if resp.Object != "laptop/snapshot/current.db" || resp.SizeBytes != 4096 || resp.URL == "" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestBackup_NotConfigured(t *testing.T) {
	svc := &mockService{backupErr: snapshot.ErrNotConfigured}
	w := do(t, newTestRouter(svc), http.MethodPost, "/api/v1/backup", "", true)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(w.Body.String(), "Backup storage not configured") {
		t.Errorf("body = %s", w.Body.String())
	}
}
