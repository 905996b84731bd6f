// Package httpapi exposes the webhook ingest surface: push notifications
// from the remote systems land here and are handed to the bridge engine.
package httpapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/crmbridge/internal/bridge"
	"github.com/agentworkforce/crmbridge/internal/remote"
)

// Engine is the push surface of the bridge engine; *bridge.Service
// satisfies it.
type Engine interface {
	RecordChanged(ctx context.Context, streamID string, current remote.StreamRecord, previous map[string]remote.Value) (bridge.Outcome, error)
	RecordCreated(ctx context.Context, streamID, id string) (bridge.Outcome, error)
	NoteCreated(ctx context.Context, note bridge.NoteEvent) (bridge.Outcome, error)
}

type ServerConfig struct {
	// WebhookToken, when set, is required as a bearer token on every
	// webhook route. Health stays open.
	WebhookToken string
	MaxBodyBytes int64
}

type Server struct {
	engine Engine
	cfg    ServerConfig
	now    func() time.Time
}

func NewServer(engine Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{engine: engine, cfg: cfg, now: time.Now}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		// Third-party systems do not send one; mint it so log lines and
		// the response still correlate.
		correlationID = "whk_" + uuid.NewString()
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch r.URL.Path {
	case "/v1/webhooks/record-changed":
		s.handleRecordChanged(w, r, correlationID)
	case "/v1/webhooks/record-created":
		s.handleRecordCreated(w, r, correlationID)
	case "/v1/webhooks/note-created":
		s.handleNoteCreated(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// webhookRecord is the wire shape of a record snapshot inside a webhook
// payload.
type webhookRecord struct {
	ID     string                  `json:"id"`
	Fields map[string]remote.Value `json:"fields"`
}

func (s *Server) handleRecordChanged(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		StreamID string         `json:"streamId"`
		Current  webhookRecord  `json:"current"`
		Previous *webhookRecord `json:"previous"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.StreamID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing streamId", correlationID)
		return
	}
	if strings.TrimSpace(req.Current.ID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing current.id", correlationID)
		return
	}
	current := remote.StreamRecord{ID: req.Current.ID, Fields: req.Current.Fields}
	var previous map[string]remote.Value
	if req.Previous != nil {
		previous = req.Previous.Fields
	}
	outcome, err := s.engine.RecordChanged(r.Context(), req.StreamID, current, previous)
	s.writeOutcome(w, outcome, err, correlationID)
}

func (s *Server) handleRecordCreated(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		StreamID string `json:"streamId"`
		ID       string `json:"id"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.StreamID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing streamId", correlationID)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing id", correlationID)
		return
	}
	outcome, err := s.engine.RecordCreated(r.Context(), req.StreamID, req.ID)
	s.writeOutcome(w, outcome, err, correlationID)
}

func (s *Server) handleNoteCreated(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		NoteID         string `json:"noteId"`
		OwningRecordID string `json:"owningRecordId"`
		Text           string `json:"text"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.NoteID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing noteId", correlationID)
		return
	}
	if strings.TrimSpace(req.OwningRecordID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing owningRecordId", correlationID)
		return
	}
	outcome, err := s.engine.NoteCreated(r.Context(), bridge.NoteEvent{
		ID:             req.NoteID,
		OwningRecordID: req.OwningRecordID,
		Text:           req.Text,
		ObservedAt:     s.now().UTC(),
	})
	s.writeOutcome(w, outcome, err, correlationID)
}

// writeOutcome maps an engine outcome onto a status code. Failures report
// 502: the bridge itself is fine, the counterpart system is not, and the
// sender should redeliver.
func (s *Server) writeOutcome(w http.ResponseWriter, outcome bridge.Outcome, err error, correlationID string) {
	if err != nil {
		if errors.Is(err, bridge.ErrUnknownStream) {
			writeError(w, http.StatusNotFound, "unknown_stream", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "sync_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Result        string `json:"result"`
		Reason        string `json:"reason,omitempty"`
		CounterpartID string `json:"counterpartId,omitempty"`
		CorrelationID string `json:"correlationId"`
	}{
		Result:        string(outcome.Result),
		Reason:        outcome.Reason,
		CounterpartID: outcome.CounterpartID,
		CorrelationID: correlationID,
	})
}

type authError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *authError {
	if s.cfg.WebhookToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !hmac.Equal([]byte(token), []byte(s.cfg.WebhookToken)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token mismatch"}
	}
	return nil
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
