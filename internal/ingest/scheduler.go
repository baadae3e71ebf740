package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"waterline/internal/domain"
	"waterline/internal/events"
	"waterline/internal/logging"
)

// Fetcher yields a fresh batch of samples.
type Fetcher interface {
	Fetch(ctx context.Context) ([]domain.Sample, error)
}

// Store receives ingested samples.
type Store interface {
	UpsertSamples(ctx context.Context, evtType, source string, samples []domain.Sample) (int, error)
}

// Ingestor moves one batch from a Fetcher into a Store.
type Ingestor struct {
	Fetcher Fetcher
	Store   Store
	Logger  *slog.Logger
}

// Run performs one ingestion. An empty batch writes nothing.
func (in Ingestor) Run(ctx context.Context) (int, error) {
	logger := logging.OrDiscard(in.Logger)
	samples, err := in.Fetcher.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		logger.WarnContext(ctx, "ingestion found no samples")
		return 0, nil
	}
	n, err := in.Store.UpsertSamples(ctx, events.TypeSamplesIngested, ScraperSource, samples)
	if err != nil {
		return 0, fmt.Errorf("store samples: %w", err)
	}
	logger.InfoContext(ctx, "samples ingested", "samples", n)
	return n, nil
}

// Scheduler runs an Ingestor on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	job     Ingestor
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	base    context.Context
}

// NewScheduler parses spec as a standard five-field cron expression.
func NewScheduler(spec string, job Ingestor, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(),
		job:     job,
		timeout: timeout,
		logger:  logging.OrDiscard(logger).With("component", "ingest"),
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous ingestion still running, skipping")
		return
	}
	s.running = true
	base := s.base
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, s.timeout)
	defer cancel()
	if _, err := s.job.Run(ctx); err != nil {
		s.logger.Error("scheduled ingestion failed", "error", err.Error())
	}
}

// Start runs the schedule in the background until ctx ends. Runs in flight
// when ctx ends are cancelled; Stop waits for them.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
}

// Stop halts the schedule and blocks until any running ingestion returns.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
