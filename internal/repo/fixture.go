package repo

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"waterline/internal/domain"
	"waterline/internal/events"
)

//go:embed fixtures/samples.yaml
var defaultFixture []byte

// FixtureSource labels samples loaded from a fixture file.
const FixtureSource = "fixture"

type fixtureFile struct {
	Samples []domain.Sample `yaml:"samples"`
}

// LoadFixture reads samples from path, or the built-in set when path is empty.
func LoadFixture(path string) ([]domain.Sample, error) {
	data := defaultFixture
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fixture: %w", err)
		}
		data = b
	}
	return ParseFixture(data)
}

func ParseFixture(data []byte) ([]domain.Sample, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	for i, s := range f.Samples {
		if strings.TrimSpace(s.Location) == "" {
			return nil, fmt.Errorf("fixture sample %d: location is required", i)
		}
		if !s.Measure.Known() {
			return nil, fmt.Errorf("fixture sample %d: unknown measure %q", i, s.Measure)
		}
		if f.Samples[i].Source == "" {
			f.Samples[i].Source = FixtureSource
		}
	}
	return f.Samples, nil
}

// SeedIfEmpty loads samples only when the catalog has none. It returns the
// number of samples written.
func (r Repo) SeedIfEmpty(ctx context.Context, samples []domain.Sample) (int, error) {
	n, err := r.CountSamples(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	return r.UpsertSamples(ctx, events.TypeSamplesSeeded, FixtureSource, samples)
}
