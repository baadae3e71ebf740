package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"waterline/internal/domain"
)

const page = `<html><body>
<table>
  <thead><tr><th>Location</th><th>Measure</th><th>Value</th><th>Unit</th><th>Sampled</th></tr></thead>
  <tbody>
    <tr><td>North Bridge</td><td>BOD5</td><td>3,4</td><td>mg/L</td><td>2024-05-01</td></tr>
    <tr><td>North Bridge</td><td>pH</td><td>7.1</td><td>pH</td><td>2024-05-01</td></tr>
    <tr><td>North Bridge</td><td>lead</td><td>0.2</td><td>mg/L</td><td>2024-05-01</td></tr>
    <tr><td>South Lock</td><td>tss</td><td>n/a</td><td>mg/L</td><td>2024-05-01</td></tr>
    <tr><td colspan="5">Provisional data</td></tr>
  </tbody>
</table>
</body></html>`

func TestParseSkipsUnusableRows(t *testing.T) {
	samples, skipped, err := Parse(strings.NewReader(page))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(samples) != 2 || skipped != 3 {
		t.Fatalf("samples=%d skipped=%d", len(samples), skipped)
	}
	if samples[0].Measure != domain.MeasureBOD5 || samples[0].Value != 3.4 || samples[0].Source != ScraperSource {
		t.Fatalf("unexpected first sample: %+v", samples[0])
	}
}

func TestScraperFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()
	got, err := NewScraper(srv.URL, nil, nil).Fetch(context.Background())
	if err != nil || len(got) != 2 {
		t.Fatalf("fetch = %v, %v", got, err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	if _, err := NewScraper(down.URL, nil, nil).Fetch(context.Background()); err == nil {
		t.Fatalf("expected error for 503")
	}
}

type fakeFetcher struct {
	samples []domain.Sample
	err     error
}

func (f fakeFetcher) Fetch(context.Context) ([]domain.Sample, error) { return f.samples, f.err }

type fakeStore struct {
	calls   int
	evtType string
}

func (s *fakeStore) UpsertSamples(_ context.Context, evtType, _ string, samples []domain.Sample) (int, error) {
	s.calls++
	s.evtType = evtType
	return len(samples), nil
}

func TestIngestorRun(t *testing.T) {
	store := &fakeStore{}
	in := Ingestor{Fetcher: fakeFetcher{samples: []domain.Sample{{Location: "A", Measure: "ph", Value: 7}}}, Store: store}
	n, err := in.Run(context.Background())
	if err != nil || n != 1 || store.evtType != "samples.ingested" {
		t.Fatalf("run = %d, %v (%q)", n, err, store.evtType)
	}

	empty := Ingestor{Fetcher: fakeFetcher{}, Store: store}
	if n, err := empty.Run(context.Background()); err != nil || n != 0 || store.calls != 1 {
		t.Fatalf("empty run wrote: n=%d err=%v calls=%d", n, err, store.calls)
	}

	boom := errors.New("boom")
	failing := Ingestor{Fetcher: fakeFetcher{err: boom}, Store: store}
	if _, err := failing.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestSchedulerTick(t *testing.T) {
	if _, err := NewScheduler("every now and then", Ingestor{}, 0, nil); err == nil {
		t.Fatalf("expected error")
	}
	store := &fakeStore{}
	s, err := NewScheduler("*/5 * * * *", Ingestor{Fetcher: fakeFetcher{samples: []domain.Sample{{Location: "A", Measure: "ph"}}}, Store: store}, 0, nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.tick()
	if store.calls != 1 {
		t.Fatalf("tick did not ingest")
	}
}

type blockingFetcher struct {
	started chan struct{}
}

func (f blockingFetcher) Fetch(ctx context.Context) ([]domain.Sample, error) {
	close(f.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCancelledWithSchedulerContext(t *testing.T) {
	store := &fakeStore{}
	fetcher := blockingFetcher{started: make(chan struct{})}
	s, err := NewScheduler("*/5 * * * *", Ingestor{Fetcher: fetcher, Store: store}, time.Hour, nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	finished := make(chan struct{})
	go func() {
		s.tick()
		close(finished)
	}()
	<-fetcher.started
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("running ingestion was not cancelled with the scheduler context")
	}
	s.Stop()
	if store.calls != 0 {
		t.Fatalf("cancelled run wrote %d batches", store.calls)
	}
}
