package domain

import (
	"fmt"
	"strings"
	"time"
)

// Measure names a water-quality parameter.
type Measure string

const (
	MeasureBOD5 Measure = "bod5"
	MeasureTSS  Measure = "tss"
	MeasurePH   Measure = "ph"
)

// Measures lists the supported measures in display order.
var Measures = []Measure{MeasureBOD5, MeasureTSS, MeasurePH}

// Known reports whether m is one of the supported measures. Matching is exact.
func (m Measure) Known() bool {
	switch m {
	case MeasureBOD5, MeasureTSS, MeasurePH:
		return true
	}
	return false
}

// Status is a water-quality label.
type Status string

const (
	StatusClean            Status = "Clean"
	StatusSlightlyPolluted Status = "Slightly Polluted"
	StatusPolluted         Status = "Polluted"
	StatusUnknownMeasure   Status = "Unknown Measure"
)

// Source tells which path produced a prediction.
type Source string

const (
	SourceProvider   Source = "provider"
	SourceClassifier Source = "classifier"
)

// MeasurementRequest is the inbound prediction request.
type MeasurementRequest struct {
	Date    string
	Measure Measure
	// Value is an observed sample; nil lets the classifier sample one.
	Value *float64
	// Features are passed through to the provider untouched.
	Features map[string]any
}

var dateLayouts = []string{"2006-01-02", time.RFC3339}

// Validate checks the request fields the gateway depends on.
func (r MeasurementRequest) Validate() error {
	if strings.TrimSpace(r.Date) == "" {
		return fmt.Errorf("date is required")
	}
	ok := false
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, r.Date); err == nil {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", r.Date)
	}
	if strings.TrimSpace(string(r.Measure)) == "" {
		return fmt.Errorf("measure is required")
	}
	return nil
}

type Prediction struct {
	Status  Status   `json:"status"`
	Measure Measure  `json:"measure,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

// PredictionResult is the envelope returned for every prediction, whichever path served it.
type PredictionResult struct {
	Predictions []Prediction `json:"predictions"`
	Source      Source       `json:"source"`
	Degraded    bool         `json:"degraded,omitempty"`
	RequestID   string       `json:"request_id,omitempty"`
}

// Condition is an observed condition a reporter can tick on the feedback form.
type Condition string

const (
	ConditionAlgae  Condition = "algae"
	ConditionOdor   Condition = "odor"
	ConditionCloudy Condition = "cloudy"
	ConditionTrash  Condition = "trash"
)

func (c Condition) Known() bool {
	switch c {
	case ConditionAlgae, ConditionOdor, ConditionCloudy, ConditionTrash:
		return true
	}
	return false
}

type FeedbackSubmission struct {
	Feedback         string      `json:"feedback"`
	Location         string      `json:"location,omitempty"`
	ManualAddress    string      `json:"manual_address,omitempty"`
	UseManualAddress bool        `json:"use_manual_address,omitempty"`
	Rating           int         `json:"rating"`
	Conditions       []Condition `json:"conditions,omitempty"`
}

type Acknowledgment struct {
	Message   string `json:"message"`
	ReceiptID string `json:"receipt_id"`
}

// Sample is one water-quality reading for a location.
type Sample struct {
	Location  string  `json:"location" db:"location" yaml:"location"`
	Measure   Measure `json:"measure" db:"measure" yaml:"measure"`
	Value     float64 `json:"value" db:"value" yaml:"value"`
	Unit      string  `json:"unit" db:"unit" yaml:"unit"`
	SampledAt string  `json:"sampled_at" db:"sampled_at" yaml:"sampled_at"`
	Source    string  `json:"source" db:"source" yaml:"source"`
}

type Event struct {
	ID      string `json:"id" db:"id"`
	TS      string `json:"ts" db:"ts" format:"date-time"`
	Type    string `json:"type" db:"type"`
	Source  string `json:"source" db:"source"`
	Payload string `json:"payload" db:"payload_json"`
}
