package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LedgerClientOptions configures the client for the ledger CRM (deals,
// activities, pipelines). Stream ids name entity collections ("deals",
// "activities").
type LedgerClientOptions struct {
	BaseURL        string
	APIToken       string
	HTTPClient     *http.Client
	RateLimitMax   int
	RateLimitEvery time.Duration
	// ForeignIDField is the custom field key that stores the collab-system
	// record id on a ledger entity.
	ForeignIDField string
}

// LedgerClient talks to the ledger CRM. It implements Source and
// Destination.
type LedgerClient struct {
	transport      *transport
	foreignIDField string
}

func NewLedgerClient(opts LedgerClientOptions) (*LedgerClient, error) {
	token := strings.TrimSpace(opts.APIToken)
	if token == "" {
		return nil, fmt.Errorf("%w: ledger api token is required", ErrInvalidInput)
	}
	rateMax := opts.RateLimitMax
	if rateMax <= 0 {
		rateMax = 40
	}
	rateEvery := opts.RateLimitEvery
	if rateEvery <= 0 {
		rateEvery = 2 * time.Second
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.ledgercrm.example/v1"
	}
	headers := map[string]string{"X-Api-Token": token}
	return &LedgerClient{
		transport:      newTransport(baseURL, opts.HTTPClient, NewLimiter(rateMax, rateEvery), headers),
		foreignIDField: strings.TrimSpace(opts.ForeignIDField),
	}, nil
}

// ledgerRecord is the wire shape of a ledger entity: well-known envelope
// keys plus arbitrary custom fields at the top level.
type ledgerRecord map[string]json.RawMessage

const (
	ledgerTimeLayout = "2006-01-02 15:04:05"
)

func (c *LedgerClient) FetchChanged(ctx context.Context, streamID string, since time.Time, limit int) ([]StreamRecord, error) {
	return c.fetchList(ctx, streamID, since, limit, "update_time")
}

func (c *LedgerClient) FetchNew(ctx context.Context, streamID string, since time.Time, limit int) ([]StreamRecord, error) {
	return c.fetchList(ctx, streamID, since, limit, "add_time")
}

func (c *LedgerClient) fetchList(ctx context.Context, streamID string, since time.Time, limit int, sortField string) ([]StreamRecord, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("since", since.UTC().Format(ledgerTimeLayout))
	q.Set("sort", sortField+" ASC")
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out struct {
		Data []ledgerRecord `json:"data"`
	}
	path := fmt.Sprintf("/%s?%s", url.PathEscape(streamID), q.Encode())
	if err := c.transport.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	records := make([]StreamRecord, 0, len(out.Data))
	for _, raw := range out.Data {
		record, err := raw.toStreamRecord()
		if err != nil {
			// One malformed record must not abort the page; the rest of the
			// batch still reconciles and the cursor still advances.
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *LedgerClient) FetchByID(ctx context.Context, streamID, id string) (*StreamRecord, error) {
	streamID = strings.TrimSpace(streamID)
	id = strings.TrimSpace(id)
	if streamID == "" || id == "" {
		return nil, fmt.Errorf("%w: stream id and record id are required", ErrInvalidInput)
	}
	var out struct {
		Data ledgerRecord `json:"data"`
	}
	path := fmt.Sprintf("/%s/%s", url.PathEscape(streamID), url.PathEscape(id))
	if err := c.transport.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, nil
	}
	record, err := out.Data.toStreamRecord()
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *LedgerClient) SearchByNaturalKey(ctx context.Context, streamID, key string) (*StreamRecord, error) {
	return c.search(ctx, streamID, "", key)
}

func (c *LedgerClient) FindByForeignID(ctx context.Context, streamID, foreignID string) (*StreamRecord, error) {
	if c.foreignIDField == "" {
		return nil, nil
	}
	return c.search(ctx, streamID, c.foreignIDField, foreignID)
}

func (c *LedgerClient) search(ctx context.Context, streamID, field, term string) (*StreamRecord, error) {
	streamID = strings.TrimSpace(streamID)
	term = strings.TrimSpace(term)
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	if term == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("term", term)
	q.Set("exact_match", "true")
	if field != "" {
		q.Set("field", field)
	}
	var out struct {
		Data []ledgerRecord `json:"data"`
	}
	path := fmt.Sprintf("/%s/search?%s", url.PathEscape(streamID), q.Encode())
	if err := c.transport.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, nil
	}
	record, err := out.Data[0].toStreamRecord()
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *LedgerClient) Create(ctx context.Context, streamID string, fields map[string]Value) (string, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return "", fmt.Errorf("%w: stream id is required", ErrInvalidInput)
	}
	var out struct {
		Data struct {
			ID json.Number `json:"id"`
		} `json:"data"`
	}
	path := "/" + url.PathEscape(streamID)
	if err := c.transport.doJSON(ctx, http.MethodPost, path, fields, &out); err != nil {
		return "", err
	}
	id := out.Data.ID.String()
	if id == "" {
		return "", fmt.Errorf("ledger create returned no id")
	}
	return id, nil
}

func (c *LedgerClient) Update(ctx context.Context, streamID, id string, fields map[string]Value) error {
	streamID = strings.TrimSpace(streamID)
	id = strings.TrimSpace(id)
	if streamID == "" || id == "" {
		return fmt.Errorf("%w: stream id and record id are required", ErrInvalidInput)
	}
	path := fmt.Sprintf("/%s/%s", url.PathEscape(streamID), url.PathEscape(id))
	return c.transport.doJSON(ctx, http.MethodPut, path, fields, nil)
}

func (r ledgerRecord) toStreamRecord() (StreamRecord, error) {
	record := StreamRecord{Fields: map[string]Value{}}
	for key, raw := range r {
		switch key {
		case "id":
			var id json.Number
			if err := json.Unmarshal(raw, &id); err != nil {
				var s string
				if err := json.Unmarshal(raw, &s); err != nil {
					return StreamRecord{}, fmt.Errorf("ledger record id: %w", err)
				}
				record.ID = s
				continue
			}
			record.ID = id.String()
		case "add_time":
			record.CreatedAt = parseLedgerTime(raw)
		case "update_time":
			record.UpdatedAt = parseLedgerTime(raw)
		default:
			var value Value
			if err := json.Unmarshal(raw, &value); err != nil {
				// Nested objects are envelope noise, not syncable fields.
				continue
			}
			record.Fields[key] = value
		}
	}
	if record.ID == "" {
		return StreamRecord{}, fmt.Errorf("ledger record has no id")
	}
	return record, nil
}

func parseLedgerTime(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(ledgerTimeLayout, s); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}
