package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxRetries   = 3
	defaultBaseDelay    = 100 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
	defaultMaxResetWait = 5 * time.Minute
)

// transport is the shared request path for both remote clients: one
// limiter token per attempt, then a bounded retry loop for transport
// errors, 429 and 5xx. On 429 the retry honors the server-provided reset
// duration and re-issues only the failed request.
type transport struct {
	baseURL    string
	httpClient *http.Client
	limiter    *Limiter
	headers    map[string]string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	// maxResetWait bounds how long a server-provided reset hint suspends
	// the request. maxDelay caps only the computed backoff; a throttle
	// that names its reset time is honored in full up to this ceiling.
	maxResetWait time.Duration
}

func newTransport(baseURL string, httpClient *http.Client, limiter *Limiter, headers map[string]string) *transport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &transport{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient:   httpClient,
		limiter:      limiter,
		headers:      headers,
		maxRetries:   defaultMaxRetries,
		baseDelay:    defaultBaseDelay,
		maxDelay:     defaultMaxDelay,
		maxResetWait: defaultMaxResetWait,
	}
}

func (t *transport) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := "sync_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range t.headers {
			req.Header.Set(key, value)
		}

		resp, err := t.httpClient.Do(req)
		if err != nil {
			if attempt < t.maxRetries {
				if waitErr := waitWithContext(ctx, t.retryDelay(attempt+1, nil)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < t.maxRetries {
			if waitErr := waitWithContext(ctx, t.retryDelay(attempt+1, resp.Header)); waitErr != nil {
				return waitErr
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (t *transport) retryDelay(attempt int, headers http.Header) time.Duration {
	maxDelay := t.maxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if reset := parseResetDelay(headers); reset > 0 {
		maxReset := t.maxResetWait
		if maxReset <= 0 {
			maxReset = defaultMaxResetWait
		}
		if reset > maxReset {
			return maxReset
		}
		return reset
	}
	delay := t.baseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// parseResetDelay reads the throttle reset hint. The collab system sends
// Retry-After (seconds or HTTP date), the ledger system X-RateLimit-Reset
// (seconds).
func parseResetDelay(headers http.Header) time.Duration {
	if headers == nil {
		return 0
	}
	for _, name := range []string{"Retry-After", "X-RateLimit-Reset"} {
		raw := strings.TrimSpace(headers.Get(name))
		if raw == "" {
			continue
		}
		if seconds, err := strconv.Atoi(raw); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
		if ts, err := time.Parse(time.RFC1123, raw); err == nil {
			if delta := time.Until(ts); delta > 0 {
				return delta
			}
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
