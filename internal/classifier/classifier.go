// Package classifier maps water-quality samples to quality labels using fixed thresholds.
package classifier

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"waterline/internal/domain"
)

// Classify returns the quality label for value under measure's thresholds.
// Unknown measures yield StatusUnknownMeasure.
func Classify(measure domain.Measure, value float64) domain.Status {
	switch measure {
	case domain.MeasureBOD5:
		switch {
		case value < 3:
			return domain.StatusClean
		case value < 6:
			return domain.StatusSlightlyPolluted
		default:
			return domain.StatusPolluted
		}
	case domain.MeasureTSS:
		switch {
		case value < 100:
			return domain.StatusClean
		case value < 200:
			return domain.StatusSlightlyPolluted
		default:
			return domain.StatusPolluted
		}
	case domain.MeasurePH:
		switch {
		case value >= 6.5 && value <= 8.5:
			return domain.StatusClean
		case value < 6.5:
			return domain.StatusSlightlyPolluted
		default:
			return domain.StatusPolluted
		}
	default:
		return domain.StatusUnknownMeasure
	}
}

// Spec describes a measure for display and sampling.
type Spec struct {
	Measure     domain.Measure `json:"measure"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Unit        string         `json:"unit"`
	Min         float64        `json:"min"`
	Max         float64        `json:"max"`
	Decimals    int            `json:"decimals"`
	Thresholds  string         `json:"thresholds"`
}

var specs = map[domain.Measure]Spec{
	domain.MeasureBOD5: {
		Measure:     domain.MeasureBOD5,
		Title:       "BOD5",
		Description: "Biochemical Oxygen Demand, an indicator of organic matter in water.",
		Unit:        "mg/L",
		Max:         10,
		Decimals:    2,
		Thresholds:  "<3 Clean, <6 Slightly Polluted, otherwise Polluted",
	},
	domain.MeasureTSS: {
		Measure:     domain.MeasureTSS,
		Title:       "TSS",
		Description: "Total Suspended Solids, indicating water clarity and pollution.",
		Unit:        "mg/L",
		Max:         300,
		Decimals:    2,
		Thresholds:  "<100 Clean, <200 Slightly Polluted, otherwise Polluted",
	},
	domain.MeasurePH: {
		Measure:     domain.MeasurePH,
		Title:       "pH",
		Description: "Measure of acidity or alkalinity, affecting aquatic life.",
		Unit:        "pH",
		Max:         14,
		Decimals:    1,
		Thresholds:  "6.5-8.5 Clean, below 6.5 Slightly Polluted, above 8.5 Polluted",
	},
}

// Lookup returns the spec for measure.
func Lookup(measure domain.Measure) (Spec, bool) {
	s, ok := specs[measure]
	return s, ok
}

// Catalog lists every supported measure.
func Catalog() []Spec {
	out := make([]Spec, 0, len(domain.Measures))
	for _, m := range domain.Measures {
		out = append(out, specs[m])
	}
	return out
}

// Sampler draws plausible sample values when the caller did not supply one.
// It is safe for concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a sampler with a fixed seed, for reproducible draws.
func NewSampler(seed uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandomSampler seeds from the clock.
func NewRandomSampler() *Sampler {
	return NewSampler(uint64(time.Now().UnixNano()))
}

// Sample draws a value uniformly from measure's range, rounded the way
// field kits report it. ok is false for unknown measures.
func (s *Sampler) Sample(measure domain.Measure) (value float64, ok bool) {
	spec, ok := specs[measure]
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	f := s.rng.Float64()
	s.mu.Unlock()
	return round(spec.Min+f*(spec.Max-spec.Min), spec.Decimals), true
}

func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
