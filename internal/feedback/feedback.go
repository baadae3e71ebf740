// Package feedback validates and acknowledges citizen water-quality reports.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"waterline/internal/domain"
	"waterline/internal/logging"
)

// AckMessage is returned for every accepted submission.
const AckMessage = "Feedback received successfully!"

const (
	MinRating = 1
	MaxRating = 5
)

// ValidationError names the first offending field of a submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Intake accepts submissions. Nothing is persisted.
type Intake struct {
	logger *slog.Logger
	newID  func() string
}

func NewIntake(logger *slog.Logger) *Intake {
	return &Intake{
		logger: logging.OrDiscard(logger).With("component", "feedback"),
		newID:  func() string { return uuid.NewString() },
	}
}

// Submit validates s and acknowledges it.
func (in *Intake) Submit(ctx context.Context, s domain.FeedbackSubmission) (domain.Acknowledgment, error) {
	if err := Validate(s); err != nil {
		in.logger.InfoContext(ctx, "feedback rejected", "field", err.Field)
		return domain.Acknowledgment{}, err
	}
	ack := domain.Acknowledgment{Message: AckMessage, ReceiptID: in.newID()}
	in.logger.InfoContext(ctx, "feedback received",
		"receipt_id", ack.ReceiptID,
		"rating", s.Rating,
		"conditions", len(s.Conditions),
		"has_location", !s.UseManualAddress && strings.TrimSpace(s.Location) != "",
		"manual_address", s.UseManualAddress,
	)
	return ack, nil
}

// Validate returns the first problem found in s, or nil.
func Validate(s domain.FeedbackSubmission) *ValidationError {
	if strings.TrimSpace(s.Feedback) == "" {
		return &ValidationError{Field: "feedback", Reason: "must not be empty"}
	}
	if s.UseManualAddress {
		if strings.TrimSpace(s.ManualAddress) == "" {
			return &ValidationError{Field: "manual_address", Reason: "required when use_manual_address is set"}
		}
	} else if strings.TrimSpace(s.Location) == "" {
		return &ValidationError{Field: "location", Reason: "must not be empty"}
	}
	if s.Rating < MinRating || s.Rating > MaxRating {
		return &ValidationError{Field: "rating", Reason: fmt.Sprintf("must be between %d and %d", MinRating, MaxRating)}
	}
	seen := make(map[domain.Condition]bool, len(s.Conditions))
	for _, c := range s.Conditions {
		if !c.Known() {
			return &ValidationError{Field: "conditions", Reason: fmt.Sprintf("unknown condition %q", c)}
		}
		if seen[c] {
			return &ValidationError{Field: "conditions", Reason: fmt.Sprintf("duplicate condition %q", c)}
		}
		seen[c] = true
	}
	return nil
}
