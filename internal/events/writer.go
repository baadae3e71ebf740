package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	TypeSamplesIngested = "samples.ingested"
	TypeSamplesSeeded   = "samples.seeded"
)

// TSLayout sorts lexically in UTC.
const TSLayout = "2006-01-02T15:04:05.000000Z"

type Writer struct {
	Now   func() time.Time
	NewID func() string
}

type EventPayload map[string]any

// Append records an event inside tx and returns its id.
func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType, source string, payload EventPayload) (string, error) {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	newID := w.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	id := newID()
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO events(id,ts,type,source,payload_json) VALUES (?,?,?,?,?)`),
		id, now().UTC().Format(TSLayout), evtType, source, string(data))
	if err != nil {
		return "", err
	}
	return id, nil
}
