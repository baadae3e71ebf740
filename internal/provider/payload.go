// Package provider speaks the external inference provider's scoring protocol.
package provider

import (
	"encoding/json"
	"fmt"
	"strconv"

	"waterline/internal/domain"
)

// Payload is the provider's scoring request:
// {"input_data":[{"fields":[...],"values":[[...]]}]}.
type Payload struct {
	InputData []InputData `json:"input_data"`
}

type InputData struct {
	Fields []string `json:"fields"`
	Values [][]any  `json:"values"`
}

// EncodePayload is the only place that lays out a request positionally.
// values[0][i] always holds the attribute named fields[i]: date and measure
// come from the request, value from the observed sample, anything else from
// the pass-through features (null when absent).
func EncodePayload(fields []string, req domain.MeasurementRequest) (Payload, error) {
	if len(fields) == 0 {
		return Payload{}, fmt.Errorf("no provider fields configured")
	}
	row := make([]any, len(fields))
	for i, f := range fields {
		switch f {
		case "date":
			row[i] = req.Date
		case "measure":
			row[i] = string(req.Measure)
		case "value":
			if req.Value != nil {
				row[i] = *req.Value
			} else {
				row[i] = req.Features[f]
			}
		default:
			row[i] = req.Features[f]
		}
	}
	return Payload{InputData: []InputData{{Fields: append([]string(nil), fields...), Values: [][]any{row}}}}, nil
}

// scoringResponse accepts both the flat {status} shape and the tabular
// {fields, values} shape inside "predictions".
type scoringResponse struct {
	Predictions []struct {
		Status *string             `json:"status"`
		Fields []string            `json:"fields"`
		Values [][]json.RawMessage `json:"values"`
	} `json:"predictions"`
}

// DecodeLabels extracts one label per predicted row. Labels are returned
// verbatim; labelField picks the column in tabular replies, defaulting to the
// first column when absent.
func DecodeLabels(data []byte, labelField string) ([]domain.Status, error) {
	var resp scoringResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("malformed provider response: %w", err)
	}
	var out []domain.Status
	for i, p := range resp.Predictions {
		if p.Status != nil {
			out = append(out, domain.Status(*p.Status))
			continue
		}
		if len(p.Values) == 0 {
			return nil, fmt.Errorf("malformed provider response: prediction %d has neither status nor values", i)
		}
		col := 0
		for j, f := range p.Fields {
			if f == labelField {
				col = j
				break
			}
		}
		for r, row := range p.Values {
			if col >= len(row) {
				return nil, fmt.Errorf("malformed provider response: row %d has no column %d", r, col)
			}
			label, err := labelText(row[col])
			if err != nil {
				return nil, fmt.Errorf("malformed provider response: row %d: %w", r, err)
			}
			out = append(out, domain.Status(label))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("provider returned no predictions")
	}
	return out, nil
}

func labelText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("label is not a scalar")
}
