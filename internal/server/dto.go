package server

import (
	"waterline/internal/classifier"
	"waterline/internal/domain"
)

// Request payloads

// PredictRequest carries the fields the gateway reads. Any other top-level
// member is forwarded to the provider as a feature.
type PredictRequest struct {
	Date    string   `json:"date" doc:"Observation date, YYYY-MM-DD or RFC 3339" example:"2024-05-01"`
	Measure string   `json:"measure" minLength:"1" doc:"bod5, tss or ph" example:"bod5"`
	Value   *float64 `json:"value,omitempty" doc:"Observed sample; sampled when absent"`
	_       struct{} `additionalProperties:"true"`
}

// FeedbackRequest fields are checked by the intake rather than the schema, so
// every rejection carries the offending field.
type FeedbackRequest struct {
	Feedback         string   `json:"feedback" required:"false" example:"Water looks murky"`
	Location         string   `json:"location,omitempty" example:"Riverside Park"`
	ManualAddress    string   `json:"manual_address,omitempty"`
	UseManualAddress bool     `json:"use_manual_address,omitempty"`
	Rating           int      `json:"rating" required:"false" example:"3"`
	Conditions       []string `json:"conditions,omitempty" doc:"Any of algae, odor, cloudy, trash"`
}

// Response payloads

type HealthResponse struct {
	Status        string `json:"status" example:"ok"`
	Mode          string `json:"mode" enum:"provider,classifier"`
	Samples       *int   `json:"samples,omitempty"`
	LastIngestion string `json:"last_ingestion,omitempty" format:"date-time"`
}

type ReadingResponse struct {
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Status    string  `json:"status"`
	SampledAt string  `json:"sampled_at"`
}

// WaterQualityResponse is keyed by location, then measure.
type WaterQualityResponse map[string]map[string]ReadingResponse

type MeasuresResponse struct {
	Items []classifier.Spec `json:"items"`
}

func (r FeedbackRequest) submission() domain.FeedbackSubmission {
	s := domain.FeedbackSubmission{
		Feedback:         r.Feedback,
		Location:         r.Location,
		ManualAddress:    r.ManualAddress,
		UseManualAddress: r.UseManualAddress,
		Rating:           r.Rating,
	}
	for _, c := range r.Conditions {
		s.Conditions = append(s.Conditions, domain.Condition(c))
	}
	return s
}

func waterQualityResponse(samples []domain.Sample) WaterQualityResponse {
	out := WaterQualityResponse{}
	for _, s := range samples {
		byMeasure, ok := out[s.Location]
		if !ok {
			byMeasure = map[string]ReadingResponse{}
			out[s.Location] = byMeasure
		}
		byMeasure[string(s.Measure)] = ReadingResponse{
			Value:     s.Value,
			Unit:      s.Unit,
			Status:    string(classifier.Classify(s.Measure, s.Value)),
			SampledAt: s.SampledAt,
		}
	}
	return out
}
