package waterlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Waterline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 35 * time.Second,
	}
}

// PredictRequest is the body of POST /predict. Features are sent as
// additional top-level members.
type PredictRequest struct {
	Date     string
	Measure  string
	Value    *float64
	Features map[string]any
}

func (r PredictRequest) MarshalJSON() ([]byte, error) {
	body := make(map[string]any, len(r.Features)+3)
	for k, v := range r.Features {
		body[k] = v
	}
	body["date"] = r.Date
	body["measure"] = r.Measure
	if r.Value != nil {
		body["value"] = *r.Value
	}
	return json.Marshal(body)
}

type Prediction struct {
	Status  string   `json:"status"`
	Measure string   `json:"measure,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

type PredictionResult struct {
	Predictions []Prediction `json:"predictions"`
	Source      string       `json:"source"`
	Degraded    bool         `json:"degraded,omitempty"`
	RequestID   string       `json:"request_id,omitempty"`
}

type Feedback struct {
	Feedback         string   `json:"feedback"`
	Location         string   `json:"location,omitempty"`
	ManualAddress    string   `json:"manual_address,omitempty"`
	UseManualAddress bool     `json:"use_manual_address,omitempty"`
	Rating           int      `json:"rating"`
	Conditions       []string `json:"conditions,omitempty"`
}

type Acknowledgment struct {
	Message   string `json:"message"`
	ReceiptID string `json:"receipt_id"`
}

type Reading struct {
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Status    string  `json:"status"`
	SampledAt string  `json:"sampled_at"`
}

// WaterQuality maps location to measure to the latest reading.
type WaterQuality map[string]map[string]Reading

type Measure struct {
	Measure     string  `json:"measure"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Unit        string  `json:"unit"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Decimals    int     `json:"decimals"`
	Thresholds  string  `json:"thresholds"`
}

type Health struct {
	Status        string `json:"status"`
	Mode          string `json:"mode"`
	Samples       *int   `json:"samples,omitempty"`
	LastIngestion string `json:"last_ingestion,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string         `json:"error"`
	Code       string         `json:"code"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
}

// Predict classifies one measurement.
func (c *Client) Predict(ctx context.Context, req PredictRequest) (PredictionResult, error) {
	var resp PredictionResult
	err := c.do(ctx, http.MethodPost, "predict", req, &resp)
	return resp, err
}

// SubmitFeedback sends a citizen report.
func (c *Client) SubmitFeedback(ctx context.Context, f Feedback) (Acknowledgment, error) {
	var resp Acknowledgment
	err := c.do(ctx, http.MethodPost, "api/feedback", f, &resp)
	return resp, err
}

// WaterQuality returns the latest readings, optionally for one location.
func (c *Client) WaterQuality(ctx context.Context, location string) (WaterQuality, error) {
	endpoint := "api/water-quality"
	if location != "" {
		endpoint += "?location=" + url.QueryEscape(location)
	}
	var resp WaterQuality
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Measures(ctx context.Context) ([]Measure, error) {
	var resp struct {
		Items []Measure `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "api/measures", nil, &resp)
	return resp.Items, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(b, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
