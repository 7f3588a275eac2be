package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/formhub/courier/internal/db"
	"github.com/formhub/courier/internal/dispatch"
)

var errDatabase = errors.New("database error")

type mockRepository struct {
	rows map[string]*db.QueueRow

	retryErr  error
	cancelErr error
	quickErr  error

	shouldFail bool
}

func newMockRepository() *mockRepository {
	return &mockRepository{rows: make(map[string]*db.QueueRow)}
}

func (m *mockRepository) GetQueueRow(ctx context.Context, id uuid.UUID) (*db.QueueRow, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	row, ok := m.rows[id.String()]
	if !ok {
		return nil, db.ErrNotFound
	}
	return row, nil
}

func (m *mockRepository) ListQueue(ctx context.Context, status string, limit, offset int) ([]*db.QueueRow, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	var out []*db.QueueRow
	for _, row := range m.rows {
		if status == "" || row.Status == status {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockRepository) RetryRow(ctx context.Context, id uuid.UUID) error {
	return m.retryErr
}

func (m *mockRepository) RetryAllFailed(ctx context.Context) (int64, error) {
	if m.shouldFail {
		return 0, errDatabase
	}
	return 4, nil
}

func (m *mockRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	return m.cancelErr
}

func (m *mockRepository) DuplicateRow(ctx context.Context, id uuid.UUID) (*db.QueueRow, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	return &db.QueueRow{ID: uuid.New(), Status: db.StatusPending}, nil
}

func (m *mockRepository) DuplicateTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error) {
	if m.shouldFail {
		return nil, db.ErrSystemTemplate
	}
	return &db.Template{ID: uuid.New(), Slug: "welcome-copy"}, nil
}

func (m *mockRepository) QuickEdit(ctx context.Context, table string, id uuid.UUID, field string, value any) error {
	return m.quickErr
}

func (m *mockRepository) Stats(ctx context.Context) (*db.QueueStats, error) {
	if m.shouldFail {
		return nil, errDatabase
	}
	return &db.QueueStats{Total: 10, Pending: 2, Sent: 7, Failed: 1}, nil
}

type mockEventService struct {
	triggerResult *dispatch.Result
	resyncResult  *dispatch.ResyncResult
	err           error

	lastTriggerType string
}

func (m *mockEventService) Trigger(ctx context.Context, triggerType, triggerReference string, formEntryID *int64, payload map[string]any) (*dispatch.Result, error) {
	m.lastTriggerType = triggerType
	return m.triggerResult, m.err
}

func (m *mockEventService) Resync(ctx context.Context, req dispatch.ResyncRequest) (*dispatch.ResyncResult, error) {
	return m.resyncResult, m.err
}

func newTestRouter(repo Repository, events EventService) *chi.Mux {
	h := NewHandler(zap.NewNop(), repo, events, nil)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateEvent(t *testing.T) {
	events := &mockEventService{triggerResult: &dispatch.Result{Matched: 1, Queued: 1}}
	router := newTestRouter(newMockRepository(), events)

	rec := doJSON(t, router, http.MethodPost, "/v1/events", EventRequest{
		TriggerType:      db.TriggerFormSubmission,
		TriggerReference: "contact-form",
		Payload:          map[string]any{"name": "Pat"},
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var result dispatch.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Queued != 1 {
		t.Errorf("queued = %d", result.Queued)
	}
	if events.lastTriggerType != db.TriggerFormSubmission {
		t.Errorf("trigger type = %q", events.lastTriggerType)
	}
}

func TestCreateEvent_Validation(t *testing.T) {
	router := newTestRouter(newMockRepository(), &mockEventService{})

	rec := doJSON(t, router, http.MethodPost, "/v1/events", EventRequest{Payload: map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing trigger_type: status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec2.Code)
	}
}

func TestCreateEvent_DispatchError(t *testing.T) {
	router := newTestRouter(newMockRepository(), &mockEventService{err: errors.New("boom")})

	rec := doJSON(t, router, http.MethodPost, "/v1/events", EventRequest{TriggerType: "x"})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestGetQueueRow(t *testing.T) {
	repo := newMockRepository()
	row := &db.QueueRow{ID: uuid.New(), Status: db.StatusPending, RecipientEmail: "to@example.com"}
	repo.rows[row.ID.String()] = row
	router := newTestRouter(repo, &mockEventService{})

	rec := doJSON(t, router, http.MethodGet, "/v1/queue/"+row.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got db.QueueRow
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != row.ID {
		t.Errorf("id = %s", got.ID)
	}
}

func TestGetQueueRow_NotFound(t *testing.T) {
	router := newTestRouter(newMockRepository(), &mockEventService{})

	rec := doJSON(t, router, http.MethodGet, "/v1/queue/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/queue/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid uuid: status = %d, want 400", rec.Code)
	}
}

func TestListQueue_InvalidStatus(t *testing.T) {
	router := newTestRouter(newMockRepository(), &mockEventService{})

	rec := doJSON(t, router, http.MethodGet, "/v1/queue?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRetryQueueRow_Conflict(t *testing.T) {
	repo := newMockRepository()
	repo.retryErr = db.ErrNotRetryable
	router := newTestRouter(repo, &mockEventService{})

	rec := doJSON(t, router, http.MethodPost, "/v1/queue/"+uuid.NewString()+"/retry", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestCancelQueueRow_Conflict(t *testing.T) {
	repo := newMockRepository()
	repo.cancelErr = db.ErrNotCancellable
	router := newTestRouter(repo, &mockEventService{})

	rec := doJSON(t, router, http.MethodPost, "/v1/queue/"+uuid.NewString()+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestRetryAllFailed(t *testing.T) {
	router := newTestRouter(newMockRepository(), &mockEventService{})

	rec := doJSON(t, router, http.MethodPost, "/v1/queue/retry-failed", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got map[string]int64
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["retried"] != 4 {
		t.Errorf("retried = %d", got["retried"])
	}
}

func TestDuplicateTemplate_SystemForbidden(t *testing.T) {
	repo := newMockRepository()
	repo.shouldFail = true // mock returns ErrSystemTemplate
	router := newTestRouter(repo, &mockEventService{})

	rec := doJSON(t, router, http.MethodPost, "/v1/templates/"+uuid.NewString()+"/duplicate", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestQuickEdit(t *testing.T) {
	router := newTestRouter(newMockRepository(), &mockEventService{})

	rec := doJSON(t, router, http.MethodPatch, "/v1/catalog/notification_rules/"+uuid.NewString(),
		map[string]any{"field": "status", "value": "inactive"})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestQuickEdit_FieldNotEditable(t *testing.T) {
	repo := newMockRepository()
	repo.quickErr = db.ErrFieldNotEditable
	router := newTestRouter(repo, &mockEventService{})

	rec := doJSON(t, router, http.MethodPatch, "/v1/catalog/notification_rules/"+uuid.NewString(),
		map[string]any{"field": "id", "value": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestQueueStats(t *testing.T) {
	router := newTestRouter(newMockRepository(), &mockEventService{})

	rec := doJSON(t, router, http.MethodGet, "/v1/queue/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got db.QueueStats
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 10 || got.Failed != 1 {
		t.Errorf("stats = %+v", got)
	}
}

func TestResyncEndpoint(t *testing.T) {
	events := &mockEventService{resyncResult: &dispatch.ResyncResult{EntriesSeen: 2, Queued: 2}}
	router := newTestRouter(newMockRepository(), events)

	rec := doJSON(t, router, http.MethodPost, "/v1/resync", dispatch.ResyncRequest{
		Entries: []dispatch.EntrySnapshot{{EntryID: 1, FormSlug: "f"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/v1/resync", dispatch.ResyncRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty entries: status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	router := newTestRouter(newMockRepository(), &mockEventService{})

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
