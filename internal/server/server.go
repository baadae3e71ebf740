package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"waterline/internal/classifier"
	"waterline/internal/domain"
	"waterline/internal/feedback"
	"waterline/internal/gateway"
	"waterline/internal/logging"
)

const (
	maxBodyBytes    = 1 << 20
	requestIDHeader = "X-Request-ID"
)

// Predictor answers measurement requests.
type Predictor interface {
	Predict(ctx context.Context, req domain.MeasurementRequest) (domain.PredictionResult, error)
	Mode() gateway.Mode
}

type FeedbackSubmitter interface {
	Submit(ctx context.Context, s domain.FeedbackSubmission) (domain.Acknowledgment, error)
}

// SampleCatalog serves stored readings.
type SampleCatalog interface {
	ListSamples(ctx context.Context, location string) ([]domain.Sample, error)
	CountSamples(ctx context.Context) (int, error)
	LastIngestion(ctx context.Context) (time.Time, error)
}

// Config for the HTTP API handler.
type Config struct {
	Gateway  Predictor
	Feedback FeedbackSubmitter
	// Samples may be nil, in which case /api/water-quality answers 503.
	Samples SampleCatalog
	Logger  *slog.Logger
	Version string
}

var errorType = reflect.TypeOf(apiError{})

type requestIDKey struct{}
type bodyBytesKey struct{}

// apiError is the error envelope of every non-2xx reply.
type apiError struct {
	status  int
	Message string         `json:"error" example:"invalid rating: must be between 1 and 5"`
	Code    string         `json:"code" example:"validation_failed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"rating\"}"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the prediction API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("server: gateway is required")
	}
	if cfg.Feedback == nil {
		return nil, errors.New("server: feedback intake is required")
	}
	logger := logging.OrDiscard(cfg.Logger).With("component", "http")
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema violations are client errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				if e != nil {
					msgs = append(msgs, e.Error())
				}
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestID, accessLog(logger), recoverer(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				writeAPIError(w, newAPIError(http.StatusRequestEntityTooLarge, "", "request body too large", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})

	hcfg := huma.DefaultConfig("Waterline Prediction API", version)
	hcfg.OpenAPIPath = "" // served below with the error schema attached
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	registerDocs(router)
	registerHealth(api, cfg)
	registerPredict(api, cfg.Gateway)
	registerWaterQuality(api, cfg.Samples)
	registerFeedback(api, cfg.Feedback)
	registerMeasures(api)
	registerOpenAPI(router, api)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Message: message, Code: code, Details: details}
}

func writeAPIError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

// handleError maps domain errors onto the envelope. Upstream bodies never
// reach the client; only the error message does.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *feedback.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var ge *gateway.GatewayError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusInternalServerError, "gateway_error", err.Error(), map[string]any{"op": ge.Op})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", "request timed out", nil)
	}
	if errors.Is(err, context.Canceled) {
		return newAPIError(http.StatusServiceUnavailable, "cancelled", "request cancelled", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestID returns the id assigned to the current request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "request",
				"request_id", RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(started),
			)
		})
	}
}

func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "handler panic",
					"request_id", RequestID(r.Context()),
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				writeAPIError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML)
	})
}

func registerOpenAPI(r chi.Router, api huma.API) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get("/openapi.json", func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.Schemas == nil {
		oas.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	}
	ref := oas.Components.Schemas.Schema(errorType, true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: ref},
				},
			}
		}
	}
}

const swaggerHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Waterline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '/openapi.json',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{Status: "ok", Mode: string(cfg.Gateway.Mode())}
		if cfg.Samples != nil {
			if n, err := cfg.Samples.CountSamples(ctx); err == nil {
				resp.Samples = &n
			}
			if at, err := cfg.Samples.LastIngestion(ctx); err == nil && !at.IsZero() {
				resp.LastIngestion = at.UTC().Format(time.RFC3339)
			}
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPredict(api huma.API, g Predictor) {
	huma.Register(api, huma.Operation{
		OperationID: "predict",
		Method:      http.MethodPost,
		Path:        "/predict",
		Summary:     "Predict water quality for a measure",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body PredictRequest
	}) (*struct {
		Body domain.PredictionResult `json:"body"`
	}, error) {
		req := domain.MeasurementRequest{
			Date:     strings.TrimSpace(input.Body.Date),
			Measure:  domain.Measure(input.Body.Measure),
			Value:    input.Body.Value,
			Features: features(ctx),
		}
		if err := req.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		res, err := g.Predict(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		res.RequestID = RequestID(ctx)
		return &struct {
			Body domain.PredictionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerWaterQuality(api huma.API, samples SampleCatalog) {
	huma.Register(api, huma.Operation{
		OperationID: "water-quality",
		Method:      http.MethodGet,
		Path:        "/api/water-quality",
		Summary:     "Latest readings by location and measure",
		Errors:      []int{http.StatusServiceUnavailable, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Location string `query:"location" doc:"Restrict to one location"`
	}) (*struct {
		Body WaterQualityResponse `json:"body"`
	}, error) {
		if samples == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "samples_unavailable", "sample catalog is not configured", nil)
		}
		items, err := samples.ListSamples(ctx, input.Location)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WaterQualityResponse `json:"body"`
		}{Body: waterQualityResponse(items)}, nil
	})
}

func registerFeedback(api huma.API, intake FeedbackSubmitter) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-feedback",
		Method:      http.MethodPost,
		Path:        "/api/feedback",
		Summary:     "Submit a water-quality report",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body FeedbackRequest
	}) (*struct {
		Body domain.Acknowledgment `json:"body"`
	}, error) {
		ack, err := intake.Submit(ctx, input.Body.submission())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Acknowledgment `json:"body"`
		}{Body: ack}, nil
	})
}

func registerMeasures(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-measures",
		Method:      http.MethodGet,
		Path:        "/api/measures",
		Summary:     "Supported measures and their thresholds",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeasuresResponse `json:"body"`
	}, error) {
		return &struct {
			Body MeasuresResponse `json:"body"`
		}{Body: MeasuresResponse{Items: classifier.Catalog()}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

var reservedFields = map[string]bool{"date": true, "measure": true, "value": true}

// features returns the top-level body members the typed request does not
// consume, decoded as generic JSON values.
func features(ctx context.Context) map[string]any {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	out := map[string]any{}
	for k, v := range raw {
		if reservedFields[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		out[k] = val
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
