package feedback

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"waterline/internal/domain"
)

func TestSubmitAccepts(t *testing.T) {
	in := NewIntake(nil)
	ack, err := in.Submit(context.Background(), domain.FeedbackSubmission{Feedback: "algae bloom", Location: "Lake Gardens", Rating: 4})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.Message != AckMessage {
		t.Fatalf("message = %q", ack.Message)
	}
	if _, err := uuid.Parse(ack.ReceiptID); err != nil {
		t.Fatalf("receipt id %q: %v", ack.ReceiptID, err)
	}
}

func TestSubmitRejects(t *testing.T) {
	cases := []struct {
		name  string
		sub   domain.FeedbackSubmission
		field string
	}{
		{"rating too high", domain.FeedbackSubmission{Feedback: "murky", Location: "X", Rating: 7}, "rating"},
		{"rating zero", domain.FeedbackSubmission{Feedback: "murky", Location: "X"}, "rating"},
		{"empty feedback", domain.FeedbackSubmission{Feedback: "", Location: "X", Rating: 3}, "feedback"},
		{"blank feedback", domain.FeedbackSubmission{Feedback: "  ", Location: "X", Rating: 2}, "feedback"},
		{"no location", domain.FeedbackSubmission{Feedback: "murky", Rating: 2}, "location"},
		{"manual without address", domain.FeedbackSubmission{Feedback: "murky", UseManualAddress: true, Location: "X", Rating: 2}, "manual_address"},
		{"unknown condition", domain.FeedbackSubmission{Feedback: "murky", Location: "X", Rating: 2, Conditions: []domain.Condition{"foam"}}, "conditions"},
		{"duplicate condition", domain.FeedbackSubmission{Feedback: "murky", Location: "X", Rating: 2, Conditions: []domain.Condition{"algae", "algae"}}, "conditions"},
	}
	in := NewIntake(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := in.Submit(context.Background(), tc.sub)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestManualAddressReplacesLocation(t *testing.T) {
	in := NewIntake(nil)
	_, err := in.Submit(context.Background(), domain.FeedbackSubmission{
		Feedback: "smells", UseManualAddress: true, ManualAddress: "12 River Rd", Rating: 1,
		Conditions: []domain.Condition{domain.ConditionOdor, domain.ConditionTrash},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSubmitLogsNoFreeText(t *testing.T) {
	var buf bytes.Buffer
	in := NewIntake(slog.New(slog.NewJSONHandler(&buf, nil)))
	_, err := in.Submit(context.Background(), domain.FeedbackSubmission{
		Feedback: "dead fish near the bridge", UseManualAddress: true, ManualAddress: "12 River Rd", Rating: 4,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "dead fish") || strings.Contains(out, "River Rd") {
		t.Fatalf("log leaked submission text: %s", out)
	}
	if !strings.Contains(out, `"rating":4`) {
		t.Fatalf("log missing rating: %s", out)
	}
}
