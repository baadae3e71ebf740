// Package app assembles the service graph from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmoiron/sqlx"

	"waterline/internal/config"
	"waterline/internal/db"
	"waterline/internal/feedback"
	"waterline/internal/gateway"
	"waterline/internal/ingest"
	"waterline/internal/logging"
	"waterline/internal/migrate"
	"waterline/internal/repo"
	"waterline/internal/server"
)

// Services is everything `serve` needs.
type Services struct {
	Config   *config.Config
	Logger   *slog.Logger
	Gateway  *gateway.Gateway
	Feedback *feedback.Intake
	DB       *sqlx.DB
	Repo     repo.Repo
	// Ingestor and Scheduler are nil when no source page or schedule is configured.
	Ingestor  *ingest.Ingestor
	Scheduler *ingest.Scheduler
}

// NewGateway builds the gateway alone, for commands that do not touch the store.
func NewGateway(cfg *config.Config, logger *slog.Logger) *gateway.Gateway {
	return gateway.New(gateway.Config{Provider: cfg.Provider, Logger: logger})
}

// OpenStore opens and migrates the sample catalog, seeding it from the
// configured fixture when it is empty.
func OpenStore(ctx context.Context, cfg *config.Config, workspace string, logger *slog.Logger) (*sqlx.DB, repo.Repo, error) {
	logger = logging.OrDiscard(logger)
	conn, err := db.Open(db.Config{Driver: cfg.Samples.Driver, DSN: cfg.Samples.DSN.Reveal(), Workspace: workspace})
	if err != nil {
		return nil, repo.Repo{}, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, repo.Repo{}, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	samples, err := repo.LoadFixture(cfg.Samples.Fixture)
	if err != nil {
		conn.Close()
		return nil, repo.Repo{}, err
	}
	seeded, err := r.SeedIfEmpty(ctx, samples)
	if err != nil {
		conn.Close()
		return nil, repo.Repo{}, fmt.Errorf("seed samples: %w", err)
	}
	logger.InfoContext(ctx, "sample store ready", "driver", conn.DriverName(), "schema_version", version, "seeded", seeded)
	return conn, r, nil
}

// Build wires every component from cfg.
func Build(ctx context.Context, cfg *config.Config, workspace string, logger *slog.Logger) (*Services, error) {
	logger = logging.OrDiscard(logger)
	conn, r, err := OpenStore(ctx, cfg, workspace, logger)
	if err != nil {
		return nil, err
	}
	s := &Services{
		Config:   cfg,
		Logger:   logger,
		Gateway:  NewGateway(cfg, logger),
		Feedback: feedback.NewIntake(logger),
		DB:       conn,
		Repo:     r,
	}
	if cfg.Samples.SourceURL != "" {
		s.Ingestor = &ingest.Ingestor{
			Fetcher: ingest.NewScraper(cfg.Samples.SourceURL, nil, logger),
			Store:   r,
			Logger:  logger,
		}
		if cfg.Samples.RefreshCron != "" {
			sched, err := ingest.NewScheduler(cfg.Samples.RefreshCron, *s.Ingestor, 0, logger)
			if err != nil {
				conn.Close()
				return nil, err
			}
			s.Scheduler = sched
		}
	}
	logger.InfoContext(ctx, "gateway ready", "mode", string(s.Gateway.Mode()))
	return s, nil
}

// Handler returns the HTTP API over these services.
func (s *Services) Handler(version string) (http.Handler, error) {
	return server.New(server.Config{
		Gateway:  s.Gateway,
		Feedback: s.Feedback,
		Samples:  s.Repo,
		Logger:   s.Logger,
		Version:  version,
	})
}

// Close stops the scheduler, waiting for a running ingestion, then closes the store.
func (s *Services) Close() error {
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
