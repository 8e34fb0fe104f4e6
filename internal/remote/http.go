package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient implements Client against the canonical store's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a client for the given base URL. The token is sent
// as a bearer credential on every request.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts, refused connections, DNS failures: all retryable.
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusConflict:
		var payload struct {
			Remote SessionRecord `json:"remote"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &ConflictError{Key: payload.Remote.Key, Remote: &payload.Remote}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ValidationError{Detail: string(detail)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d", ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d from %s %s", resp.StatusCode, method, path)
	}
}

var errNotFound = fmt.Errorf("remote record not found")

func (c *HTTPClient) UpsertSession(ctx context.Context, rec SessionRecord) (SessionAck, error) {
	var ack SessionAck
	if err := c.do(ctx, http.MethodPut, "/v1/sessions", rec, &ack); err != nil {
		return SessionAck{}, err
	}
	return ack, nil
}

func (c *HTTPClient) FindSession(ctx context.Context, key NaturalKey) (SessionAck, bool, error) {
	path := fmt.Sprintf("/v1/sessions/lookup?device_id=%s&local_session_id=%s",
		url.QueryEscape(key.DeviceID), url.QueryEscape(key.LocalSessionID))
	var ack SessionAck
	err := c.do(ctx, http.MethodGet, path, nil, &ack)
	if err == errNotFound {
		return SessionAck{}, false, nil
	}
	if err != nil {
		return SessionAck{}, false, err
	}
	return ack, true, nil
}

func (c *HTTPClient) UpsertReadings(ctx context.Context, remoteSessionID string, batch []ReadingRecord) error {
	return c.do(ctx, http.MethodPut, "/v1/sessions/"+remoteSessionID+"/readings", batch, nil)
}

func (c *HTTPClient) UpsertEvents(ctx context.Context, remoteSessionID string, batch []EventRecord) error {
	return c.do(ctx, http.MethodPut, "/v1/sessions/"+remoteSessionID+"/events", batch, nil)
}

func (c *HTTPClient) UpsertPhases(ctx context.Context, remoteSessionID string, batch []PhaseRecord) error {
	return c.do(ctx, http.MethodPut, "/v1/sessions/"+remoteSessionID+"/phases", batch, nil)
}
