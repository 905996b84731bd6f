package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentworkforce/crmbridge/internal/bridge"
	"github.com/agentworkforce/crmbridge/internal/remote"
)

type fakeEngine struct {
	outcome bridge.Outcome
	err     error

	changedStream string
	changed       remote.StreamRecord
	previous      map[string]remote.Value
	createdStream string
	createdID     string
	note          bridge.NoteEvent
}

func (e *fakeEngine) RecordChanged(ctx context.Context, streamID string, current remote.StreamRecord, previous map[string]remote.Value) (bridge.Outcome, error) {
	e.changedStream = streamID
	e.changed = current
	e.previous = previous
	return e.outcome, e.err
}

func (e *fakeEngine) RecordCreated(ctx context.Context, streamID, id string) (bridge.Outcome, error) {
	e.createdStream = streamID
	e.createdID = id
	return e.outcome, e.err
}

func (e *fakeEngine) NoteCreated(ctx context.Context, note bridge.NoteEvent) (bridge.Outcome, error) {
	e.note = note
	return e.outcome, e.err
}

func postJSON(t *testing.T, server *Server, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	server := NewServer(&fakeEngine{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRecordChangedWebhook(t *testing.T) {
	engine := &fakeEngine{outcome: bridge.Outcome{Result: bridge.ResultUpdated, CounterpartID: "C1"}}
	server := NewServer(engine)

	rec := postJSON(t, server, "/v1/webhooks/record-changed", `{
		"streamId": "deals",
		"current": {"id": "L1", "fields": {"title": "Roof repair", "value": 250}},
		"previous": {"id": "L1", "fields": {"title": "Roof repair", "value": 100}}
	}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if engine.changedStream != "deals" || engine.changed.ID != "L1" {
		t.Fatalf("engine received %q/%q", engine.changedStream, engine.changed.ID)
	}
	if engine.changed.Fields["value"].Scalar() != "250" {
		t.Fatalf("field values not decoded: %v", engine.changed.Fields)
	}
	if engine.previous["value"].Scalar() != "100" {
		t.Fatalf("previous snapshot not decoded: %v", engine.previous)
	}

	var resp struct {
		Result        string `json:"result"`
		CounterpartID string `json:"counterpartId"`
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result != "updated" || resp.CounterpartID != "C1" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.CorrelationID == "" {
		t.Fatalf("response must carry a correlation id")
	}
}

func TestRecordChangedValidation(t *testing.T) {
	server := NewServer(&fakeEngine{})
	rec := postJSON(t, server, "/v1/webhooks/record-changed", `{"current": {"id": "L1"}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing streamId should 400, got %d", rec.Code)
	}
	rec = postJSON(t, server, "/v1/webhooks/record-changed", `{"streamId": "deals", "current": {}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing current.id should 400, got %d", rec.Code)
	}
	rec = postJSON(t, server, "/v1/webhooks/record-changed", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body should 400, got %d", rec.Code)
	}
}

func TestRecordCreatedWebhook(t *testing.T) {
	engine := &fakeEngine{outcome: bridge.Outcome{Result: bridge.ResultCreated, CounterpartID: "C9"}}
	server := NewServer(engine)

	rec := postJSON(t, server, "/v1/webhooks/record-created", `{"streamId": "deals", "id": "L5"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if engine.createdStream != "deals" || engine.createdID != "L5" {
		t.Fatalf("engine received %q/%q", engine.createdStream, engine.createdID)
	}
}

func TestNoteCreatedWebhook(t *testing.T) {
	engine := &fakeEngine{outcome: bridge.Outcome{Result: bridge.ResultCreated, CounterpartID: "c1"}}
	server := NewServer(engine)

	rec := postJSON(t, server, "/v1/webhooks/note-created", `{
		"noteId": "note-1", "owningRecordId": "L1", "text": "called the client"
	}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if engine.note.ID != "note-1" || engine.note.OwningRecordID != "L1" {
		t.Fatalf("engine received %+v", engine.note)
	}
	if engine.note.ObservedAt.IsZero() {
		t.Fatalf("server must stamp the observation time")
	}
}

func TestUnknownStreamMapsToNotFound(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("%w: unicorns", bridge.ErrUnknownStream)}
	server := NewServer(engine)
	rec := postJSON(t, server, "/v1/webhooks/record-created", `{"streamId": "unicorns", "id": "L1"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown stream should 404, got %d", rec.Code)
	}
}

func TestEngineFailureMapsToBadGateway(t *testing.T) {
	engine := &fakeEngine{err: fmt.Errorf("counterpart down")}
	server := NewServer(engine)
	rec := postJSON(t, server, "/v1/webhooks/record-created", `{"streamId": "deals", "id": "L1"}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("engine failure should 502 so the sender redelivers, got %d", rec.Code)
	}
}

func TestWebhookToken(t *testing.T) {
	server := NewServerWithConfig(&fakeEngine{outcome: bridge.Outcome{Result: bridge.ResultSkipped}}, ServerConfig{
		WebhookToken: "hook-secret",
	})
	body := `{"streamId": "deals", "id": "L1"}`

	rec := postJSON(t, server, "/v1/webhooks/record-created", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should 401, got %d", rec.Code)
	}
	rec = postJSON(t, server, "/v1/webhooks/record-created", body, map[string]string{
		"Authorization": "Bearer wrong",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token should 401, got %d", rec.Code)
	}
	rec = postJSON(t, server, "/v1/webhooks/record-created", body, map[string]string{
		"Authorization": "Bearer hook-secret",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token should pass, got %d", rec.Code)
	}

	// Health stays open for probes.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	healthRec := httptest.NewRecorder()
	server.ServeHTTP(healthRec, req)
	if healthRec.Code != http.StatusOK {
		t.Fatalf("health must not require the token, got %d", healthRec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	server := NewServerWithConfig(&fakeEngine{}, ServerConfig{MaxBodyBytes: 64})
	huge := `{"streamId": "deals", "id": "` + strings.Repeat("x", 200) + `"}`
	rec := postJSON(t, server, "/v1/webhooks/record-created", huge, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body should 413, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(&fakeEngine{})
	rec := postJSON(t, server, "/v1/webhooks/unknown", `{}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route should 404, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks/record-created", nil)
	getRec := httptest.NewRecorder()
	server.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("GET on webhook route should 404, got %d", getRec.Code)
	}
}

func TestCallerCorrelationIDIsEchoed(t *testing.T) {
	server := NewServer(&fakeEngine{outcome: bridge.Outcome{Result: bridge.ResultSkipped}})
	rec := postJSON(t, server, "/v1/webhooks/record-created", `{"streamId": "deals", "id": "L1"}`, map[string]string{
		"X-Correlation-Id": "caller-7",
	})
	var resp struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CorrelationID != "caller-7" {
		t.Fatalf("expected echoed correlation id, got %q", resp.CorrelationID)
	}
}
