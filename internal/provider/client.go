package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"waterline/internal/domain"
)

const (
	defaultTimeout = 30 * time.Second
	maxReplyBytes  = 1 << 20
)

// StatusError reports a non-2xx reply. The reply body is not kept.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.StatusCode)
}

// Client posts scoring requests to a single configured endpoint.
type Client struct {
	endpoint   string
	labelField string
	http       *http.Client
}

// NewClient returns a client for endpoint. A nil httpClient gets one bounded by timeout.
func NewClient(endpoint, labelField string, timeout time.Duration, httpClient *http.Client) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{endpoint: endpoint, labelField: labelField, http: httpClient}
}

// Score sends payload with the bearer token and returns the provider's labels.
func (c *Client) Score(ctx context.Context, bearer string, payload Payload) ([]domain.Status, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, maxReplyBytes))
		return nil, &StatusError{StatusCode: res.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return DecodeLabels(body, c.labelField)
}
