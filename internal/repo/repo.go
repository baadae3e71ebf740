package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"waterline/internal/domain"
	"waterline/internal/events"
)

// Repo reads and writes the sample catalog.
type Repo struct {
	DB     *sqlx.DB
	Events events.Writer
}

const sampleColumns = `location,measure,value,unit,sampled_at,source`

// ListSamples returns samples ordered by location then measure. An empty
// location lists every location.
func (r Repo) ListSamples(ctx context.Context, location string) ([]domain.Sample, error) {
	query := `SELECT ` + sampleColumns + ` FROM samples`
	var args []any
	if location != "" {
		query += ` WHERE location=?`
		args = append(args, location)
	}
	query += ` ORDER BY location, measure`
	var res []domain.Sample
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

func (r Repo) CountSamples(ctx context.Context) (int, error) {
	var n int
	if err := r.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM samples`); err != nil {
		return 0, err
	}
	return n, nil
}

const upsertSample = `INSERT INTO samples(` + sampleColumns + `)
VALUES (:location,:measure,:value,:unit,:sampled_at,:source)
ON CONFLICT(location,measure) DO UPDATE SET
  value=excluded.value, unit=excluded.unit, sampled_at=excluded.sampled_at, source=excluded.source`

// UpsertSamples writes samples and appends one evtType event in the same
// transaction. It returns the number of rows written.
func (r Repo) UpsertSamples(ctx context.Context, evtType, source string, samples []domain.Sample) (int, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	locations := map[string]bool{}
	for _, s := range samples {
		if s.Source == "" {
			s.Source = source
		}
		if _, err := tx.NamedExecContext(ctx, upsertSample, sampleArgs(s)); err != nil {
			return 0, fmt.Errorf("upsert %s/%s: %w", s.Location, s.Measure, err)
		}
		locations[s.Location] = true
	}
	if _, err := r.Events.Append(ctx, tx, evtType, source, events.EventPayload{
		"samples":   len(samples),
		"locations": len(locations),
	}); err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(samples), nil
}

func sampleArgs(s domain.Sample) map[string]any {
	return map[string]any{
		"location":   s.Location,
		"measure":    string(s.Measure),
		"value":      s.Value,
		"unit":       s.Unit,
		"sampled_at": s.SampledAt,
		"source":     s.Source,
	}
}

// LatestEvents returns up to limit events, newest first. evtType filters when set.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,source,payload_json FROM events WHERE %s ORDER BY ts DESC, id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	var res []domain.Event
	if err := r.DB.SelectContext(ctx, &res, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return res, nil
}

// LastIngestion reports when samples were last written, zero if never.
func (r Repo) LastIngestion(ctx context.Context) (time.Time, error) {
	evs, err := r.LatestEvents(ctx, 1, events.TypeSamplesIngested)
	if err != nil || len(evs) == 0 {
		return time.Time{}, err
	}
	return time.Parse(events.TSLayout, evs[0].TS)
}
