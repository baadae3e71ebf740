// Package gateway answers measurement requests from the live inference
// provider or, when none is configured, from the threshold classifier.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"waterline/internal/classifier"
	"waterline/internal/config"
	"waterline/internal/credential"
	"waterline/internal/domain"
	"waterline/internal/logging"
	"waterline/internal/provider"
)

// Mode names the path a gateway serves requests from.
type Mode string

const (
	ModeProvider   Mode = "provider"
	ModeClassifier Mode = "classifier"
)

// TokenSource yields bearer tokens for the provider.
type TokenSource interface {
	Token(ctx context.Context) (credential.Token, error)
}

// Scorer sends a scoring payload to the provider.
type Scorer interface {
	Score(ctx context.Context, bearer string, payload provider.Payload) ([]domain.Status, error)
}

// GatewayError reports a failed provider round trip.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return "prediction " + e.Op + " failed: " + e.Err.Error() }
func (e *GatewayError) Unwrap() error { return e.Err }

// Config for a Gateway. Provider mode needs both an API key and an endpoint.
type Config struct {
	Provider   config.ProviderConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
	Sampler    *classifier.Sampler
	// Tokens and Scorer replace the HTTP-backed defaults when set.
	Tokens TokenSource
	Scorer Scorer
}

type Gateway struct {
	mode     Mode
	fields   []string
	timeout  time.Duration
	fallback bool
	tokens   TokenSource
	scorer   Scorer
	sampler  *classifier.Sampler
	logger   *slog.Logger
}

// New builds a gateway. Without both provider.api_key and provider.endpoint_url
// it runs in classifier mode and never touches the network.
func New(cfg Config) *Gateway {
	logger := logging.OrDiscard(cfg.Logger).With("component", "gateway")
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = classifier.NewRandomSampler()
	}
	g := &Gateway{
		mode:    ModeClassifier,
		sampler: sampler,
		logger:  logger,
	}
	p := cfg.Provider
	if !p.Configured() {
		return g
	}
	g.mode = ModeProvider
	g.fields = append([]string(nil), p.Fields...)
	g.timeout = p.Timeout
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	g.fallback = p.FallbackOnError
	g.tokens = cfg.Tokens
	if g.tokens == nil {
		cc := credential.FromProvider(p)
		cc.HTTPClient = cfg.HTTPClient
		cc.Logger = cfg.Logger
		g.tokens = credential.NewManager(cc)
	}
	g.scorer = cfg.Scorer
	if g.scorer == nil {
		g.scorer = provider.NewClient(p.EndpointURL, p.LabelField, p.Timeout, cfg.HTTPClient)
	}
	return g
}

func (g *Gateway) Mode() Mode { return g.mode }

// Predict classifies req. Results are not cached: repeated calls may differ,
// since the provider may use live data and the classifier samples when no
// value is given.
func (g *Gateway) Predict(ctx context.Context, req domain.MeasurementRequest) (domain.PredictionResult, error) {
	if !req.Measure.Known() {
		g.logger.InfoContext(ctx, "unknown measure", "measure", string(req.Measure))
		return domain.PredictionResult{
			Predictions: []domain.Prediction{{Status: domain.StatusUnknownMeasure, Measure: req.Measure}},
			Source:      domain.SourceClassifier,
		}, nil
	}
	if g.mode == ModeClassifier {
		return g.classify(req), nil
	}
	res, err := g.forward(ctx, req)
	if err == nil {
		return res, nil
	}
	var gerr *GatewayError
	if g.fallback && errors.As(err, &gerr) {
		g.logger.WarnContext(ctx, "provider unavailable, answering from classifier", "measure", string(req.Measure), "error", err.Error())
		res := g.classify(req)
		res.Degraded = true
		return res, nil
	}
	return domain.PredictionResult{}, err
}

func (g *Gateway) classify(req domain.MeasurementRequest) domain.PredictionResult {
	var value float64
	if req.Value != nil {
		value = *req.Value
	} else {
		value, _ = g.sampler.Sample(req.Measure)
	}
	status := classifier.Classify(req.Measure, value)
	g.logger.Debug("classified locally", "measure", string(req.Measure), "value", value, "status", string(status), "sampled", req.Value == nil)
	return domain.PredictionResult{
		Predictions: []domain.Prediction{{Status: status, Measure: req.Measure, Value: &value}},
		Source:      domain.SourceClassifier,
	}
}

type outcome struct {
	res domain.PredictionResult
	err error
}

// forward runs the provider round trip on a context detached from the caller,
// bounded by the provider timeout. If the caller goes away first its result is
// discarded.
func (g *Gateway) forward(ctx context.Context, req domain.MeasurementRequest) (domain.PredictionResult, error) {
	payload, err := provider.EncodePayload(g.fields, req)
	if err != nil {
		return domain.PredictionResult{}, &GatewayError{Op: "encode", Err: err}
	}
	done := make(chan outcome, 1)
	go func() {
		upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		res, err := g.roundTrip(upCtx, req, payload)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		g.logger.InfoContext(ctx, "caller left before provider replied; result will be discarded", "measure", string(req.Measure))
		return domain.PredictionResult{}, ctx.Err()
	}
}

func (g *Gateway) roundTrip(ctx context.Context, req domain.MeasurementRequest, payload provider.Payload) (domain.PredictionResult, error) {
	started := time.Now()
	tok, err := g.tokens.Token(ctx)
	if err != nil {
		return domain.PredictionResult{}, &GatewayError{Op: "authentication", Err: err}
	}
	labels, err := g.scorer.Score(ctx, tok.Value(), payload)
	if err != nil {
		return domain.PredictionResult{}, &GatewayError{Op: "scoring", Err: err}
	}
	preds := make([]domain.Prediction, 0, len(labels))
	for _, l := range labels {
		preds = append(preds, domain.Prediction{Status: l, Measure: req.Measure})
	}
	g.logger.InfoContext(ctx, "provider prediction", "measure", string(req.Measure), "predictions", len(preds), "latency", time.Since(started))
	return domain.PredictionResult{Predictions: preds, Source: domain.SourceProvider}, nil
}
