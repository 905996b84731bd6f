package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CollabClientOptions configures the client for the collab workspace
// (folders of records with named fields, plus comments). Stream ids are
// folder ids.
type CollabClientOptions struct {
	BaseURL        string
	Email          string
	APIKey         string
	HTTPClient     *http.Client
	RateLimitMax   int
	RateLimitEvery time.Duration
	// NaturalKeyField is the display field queried by SearchByNaturalKey.
	NaturalKeyField string
	// ForeignIDField is the field holding the ledger-system id on a collab
	// record, queried by FindByForeignID.
	ForeignIDField string
	// TimeZone accompanies record creation.
	TimeZone string
}

// CollabClient talks to the collab workspace. It implements Source,
// Destination and Commenter.
type CollabClient struct {
	transport       *transport
	naturalKeyField string
	foreignIDField  string
	timeZone        string
}

func NewCollabClient(opts CollabClientOptions) (*CollabClient, error) {
	email := strings.TrimSpace(opts.Email)
	apiKey := strings.TrimSpace(opts.APIKey)
	if email == "" || apiKey == "" {
		return nil, fmt.Errorf("%w: collab email and api key are required", ErrInvalidInput)
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.collabhub.example/v1"
	}
	naturalKeyField := strings.TrimSpace(opts.NaturalKeyField)
	if naturalKeyField == "" {
		naturalKeyField = "Name"
	}
	timeZone := strings.TrimSpace(opts.TimeZone)
	if timeZone == "" {
		timeZone = "UTC"
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(email + ":" + apiKey))
	headers := map[string]string{"Authorization": "Basic " + credentials}
	limiter := NewLimiter(opts.RateLimitMax, opts.RateLimitEvery)
	return &CollabClient{
		transport:       newTransport(baseURL, opts.HTTPClient, limiter, headers),
		naturalKeyField: naturalKeyField,
		foreignIDField:  strings.TrimSpace(opts.ForeignIDField),
		timeZone:        timeZone,
	}, nil
}

// collabRecord is the wire shape of a collab record. Field values stay raw
// until toStreamRecord so one field of an unexpected shape drops that field,
// not the record or the page.
type collabRecord struct {
	RecordID  string                     `json:"recordId"`
	CreatedAt time.Time                  `json:"createdAt"`
	UpdatedAt time.Time                  `json:"updatedAt"`
	Fields    map[string]json.RawMessage `json:"fields"`
}

func (r collabRecord) toStreamRecord() StreamRecord {
	fields := make(map[string]Value, len(r.Fields))
	for name, raw := range r.Fields {
		var value Value
		if err := json.Unmarshal(raw, &value); err != nil {
			// Nested objects are workspace metadata, not syncable fields.
			continue
		}
		fields[name] = value
	}
	return StreamRecord{
		ID:        r.RecordID,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
		Fields:    fields,
	}
}

const collabSinceLayout = "2006-01-02T15:04:05.000Z"

func (c *CollabClient) FetchChanged(ctx context.Context, streamID string, since time.Time, limit int) ([]StreamRecord, error) {
	return c.fetchTrigger(ctx, "updated-record", streamID, since, limit)
}

func (c *CollabClient) FetchNew(ctx context.Context, streamID string, since time.Time, limit int) ([]StreamRecord, error) {
	return c.fetchTrigger(ctx, "new-record", streamID, since, limit)
}

func (c *CollabClient) fetchTrigger(ctx context.Context, trigger, streamID string, since time.Time, limit int) ([]StreamRecord, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, fmt.Errorf("%w: folder id is required", ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("since", since.UTC().Format(collabSinceLayout))
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out []json.RawMessage
	path := fmt.Sprintf("/triggers/%s/%s?%s", trigger, url.PathEscape(streamID), q.Encode())
	if err := c.transport.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	records := make([]StreamRecord, 0, len(out))
	for _, raw := range out {
		var rec collabRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// One malformed record must not abort the page; the rest of the
			// batch still reconciles and the cursor still advances.
			continue
		}
		if strings.TrimSpace(rec.RecordID) == "" {
			continue
		}
		records = append(records, rec.toStreamRecord())
	}
	return records, nil
}

func (c *CollabClient) FetchByID(ctx context.Context, streamID, id string) (*StreamRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	var out collabRecord
	if err := c.transport.doJSON(ctx, http.MethodGet, "/records/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.RecordID) == "" {
		return nil, nil
	}
	record := out.toStreamRecord()
	return &record, nil
}

func (c *CollabClient) SearchByNaturalKey(ctx context.Context, streamID, key string) (*StreamRecord, error) {
	record, err := c.findRecord(ctx, streamID, c.naturalKeyField, key)
	if err != nil || record == nil {
		return record, err
	}
	// The search endpoint matches loosely; the sync contract requires an
	// exact, case-sensitive hit.
	if record.Fields[c.naturalKeyField].Scalar() != key {
		return nil, nil
	}
	return record, nil
}

func (c *CollabClient) FindByForeignID(ctx context.Context, streamID, foreignID string) (*StreamRecord, error) {
	if c.foreignIDField == "" {
		return nil, nil
	}
	return c.findRecord(ctx, streamID, c.foreignIDField, foreignID)
}

func (c *CollabClient) findRecord(ctx context.Context, streamID, field, term string) (*StreamRecord, error) {
	streamID = strings.TrimSpace(streamID)
	term = strings.TrimSpace(term)
	if streamID == "" {
		return nil, fmt.Errorf("%w: folder id is required", ErrInvalidInput)
	}
	if term == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("query", fmt.Sprintf("%q:%q", field, term))
	q.Set("limit", "10")
	var out []collabRecord
	path := fmt.Sprintf("/searches/find-record/%s?%s", url.PathEscape(streamID), q.Encode())
	if err := c.transport.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 || strings.TrimSpace(out[0].RecordID) == "" {
		return nil, nil
	}
	record := out[0].toStreamRecord()
	return &record, nil
}

func (c *CollabClient) Create(ctx context.Context, streamID string, fields map[string]Value) (string, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return "", fmt.Errorf("%w: folder id is required", ErrInvalidInput)
	}
	body := map[string]any{
		"timeZone": c.timeZone,
		"fields":   fields,
	}
	var out struct {
		RecordID string `json:"recordId"`
	}
	path := "/actions/create-record/" + url.PathEscape(streamID)
	if err := c.transport.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.RecordID) == "" {
		return "", fmt.Errorf("collab create returned no record id")
	}
	return out.RecordID, nil
}

// Update overwrites the named fields on one record. The collab API models
// writes as per-field actions rather than a document replace.
func (c *CollabClient) Update(ctx context.Context, streamID, id string, fields map[string]Value) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	actions := make(map[string]map[string]any, len(fields))
	for name, value := range fields {
		actions[name] = map[string]any{
			"overwrite": true,
			"add":       value,
		}
	}
	body := map[string]any{"fieldActions": actions}
	return c.transport.doJSON(ctx, http.MethodPost, "/actions/update-record/"+url.PathEscape(id), body, nil)
}

func (c *CollabClient) ListComments(ctx context.Context, recordID string) ([]Comment, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	var out []struct {
		CommentID string    `json:"commentId"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := c.transport.doJSON(ctx, http.MethodGet, "/records/"+url.PathEscape(recordID)+"/comments", nil, &out); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(out))
	for _, raw := range out {
		comments = append(comments, Comment{
			ID:        raw.CommentID,
			RecordID:  recordID,
			Text:      raw.Text,
			CreatedAt: raw.CreatedAt.UTC(),
		})
	}
	return comments, nil
}

func (c *CollabClient) CreateComment(ctx context.Context, recordID, text string) (string, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return "", fmt.Errorf("%w: record id is required", ErrInvalidInput)
	}
	body := map[string]string{"text": text}
	var out struct {
		CommentID string `json:"commentId"`
	}
	if err := c.transport.doJSON(ctx, http.MethodPost, "/records/"+url.PathEscape(recordID)+"/comments", body, &out); err != nil {
		return "", err
	}
	return out.CommentID, nil
}
