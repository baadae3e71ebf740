package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"waterline/internal/classifier"
	"waterline/internal/config"
	"waterline/internal/db"
	"waterline/internal/domain"
	"waterline/internal/feedback"
	"waterline/internal/gateway"
	"waterline/internal/migrate"
	"waterline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, g *gateway.Gateway) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	samples, err := repo.LoadFixture("")
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	if _, err := r.SeedIfEmpty(ctx, samples); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if g == nil {
		g = gateway.New(gateway.Config{Sampler: classifier.NewSampler(7)})
	}
	handler, err := New(Config{Gateway: g, Feedback: feedback.NewIntake(nil), Samples: r})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	if env.Error == "" || env.Code == "" {
		t.Fatalf("incomplete envelope: %s", data)
	}
	return env
}

func TestPredictClassifierMode(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/predict", map[string]any{"date": "2024-01-01", "measure": "ph"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var out domain.PredictionResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Predictions) != 1 || out.Source != domain.SourceClassifier {
		t.Fatalf("unexpected result: %s", data)
	}
	p := out.Predictions[0]
	if p.Value == nil || classifier.Classify(domain.MeasurePH, *p.Value) != p.Status {
		t.Fatalf("status %q inconsistent with value %v", p.Status, p.Value)
	}
	if out.RequestID == "" || res.Header.Get("X-Request-ID") != out.RequestID {
		t.Fatalf("request id mismatch: header %q body %q", res.Header.Get("X-Request-ID"), out.RequestID)
	}
}

func TestPredictObservedValueAndUnknownMeasure(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/predict", map[string]any{"date": "2024-01-01", "measure": "tss", "value": 150})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"Slightly Polluted"`) {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/predict", map[string]any{"date": "2024-01-01", "measure": "PH"})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"status":"Unknown Measure"`) {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestPredictRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, nil)
	cases := map[string]any{
		"malformed":       `{"date":`,
		"missing date":    map[string]any{"measure": "ph"},
		"bad date":        map[string]any{"date": "01/02/2024", "measure": "ph"},
		"missing measure": map[string]any{"date": "2024-01-01"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/predict", body)
			if res.StatusCode != http.StatusBadRequest {
				t.Fatalf("status %d: %s", res.StatusCode, data)
			}
			decodeError(t, data)
		})
	}
}

func TestPredictIdentityFailureIsGatewayError(t *testing.T) {
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"errorMessage":"Provided API key could not be found"}`, http.StatusBadRequest)
	}))
	defer identity.Close()
	var scored int
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { scored++ }))
	defer endpoint.Close()

	p := config.Default().Provider
	p.APIKey = "secret-api-key"
	p.IdentityURL = identity.URL
	p.EndpointURL = endpoint.URL
	srv := newTestServer(t, gateway.New(gateway.Config{Provider: p}))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/predict", map[string]any{"date": "2024-01-01", "measure": "bod5"})
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Code != "gateway_error" {
		t.Fatalf("code = %q", env.Code)
	}
	if strings.Contains(string(data), "secret-api-key") || strings.Contains(string(data), "could not be found") {
		t.Fatalf("error leaked credential or upstream body: %s", data)
	}
	if scored != 0 {
		t.Fatalf("provider called without a token")
	}
}

func TestPredictForwardsFeatures(t *testing.T) {
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	}))
	defer identity.Close()
	var body []byte
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"predictions":[{"fields":["prediction"],"values":[["Clean"]]}]}`))
	}))
	defer endpoint.Close()

	p := config.Default().Provider
	p.APIKey = "k"
	p.IdentityURL = identity.URL
	p.EndpointURL = endpoint.URL
	srv := newTestServer(t, gateway.New(gateway.Config{Provider: p}))

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/predict", map[string]any{
		"date": "2024-01-01", "measure": "ph", "n_basins": 3, "proportion": 0.5,
	})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"source":"provider"`) {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	want := `"values":[[null,"2024-01-01","ph",3,0.5]]`
	if !strings.Contains(string(body), want) {
		t.Fatalf("provider payload %s missing %s", body, want)
	}
}

func TestFeedback(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/feedback", map[string]any{
		"feedback": "algae bloom", "location": "Lake Gardens", "rating": 4,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var ack domain.Acknowledgment
	if err := json.Unmarshal(data, &ack); err != nil || ack.Message != feedback.AckMessage || ack.ReceiptID == "" {
		t.Fatalf("ack = %s (%v)", data, err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/feedback", map[string]any{
		"feedback": "murky", "location": "X", "rating": 7,
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	env := decodeError(t, data)
	if env.Code != "validation_failed" || env.Details["field"] != "rating" {
		t.Fatalf("unexpected envelope: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/feedback", map[string]any{"feedback": "", "location": "X", "rating": 3})
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Details["field"] != "feedback" {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/feedback", map[string]any{"location": "X", "rating": 3})
	if res.StatusCode != http.StatusBadRequest || decodeError(t, data).Details["field"] != "feedback" {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestWaterQualityAndCatalog(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/water-quality", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var wq WaterQualityResponse
	if err := json.Unmarshal(data, &wq); err != nil {
		t.Fatalf("decode: %v", err)
	}
	harbor, ok := wq["Harbor Outfall"]
	if !ok || harbor["ph"].Status != string(domain.StatusPolluted) || harbor["bod5"].Unit != "mg/L" {
		t.Fatalf("unexpected readings: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/water-quality?location=Mill%20Weir", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	wq = nil
	_ = json.Unmarshal(data, &wq)
	if len(wq) != 1 {
		t.Fatalf("location filter ignored: %s", data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/measures", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"measure":"bod5"`) {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestHealthAndDocs(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var h HealthResponse
	if err := json.Unmarshal(data, &h); err != nil || h.Status != "ok" || h.Mode != "classifier" || h.Samples == nil || *h.Samples == 0 {
		t.Fatalf("health = %s (%v)", data, err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "/predict") {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs status %d", res.StatusCode)
	}
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t, nil)
	const n = 8
	bodies := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			b, err := io.ReadAll(res.Body)
			bodies[i], errs[i] = string(b), err
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if bodies[i] == "" || bodies[i] != bodies[0] {
			t.Fatalf("request %d got a different document", i)
		}
	}
	if !strings.Contains(bodies[0], "ApiError") {
		t.Fatalf("default error responses missing")
	}
}
