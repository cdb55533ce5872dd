package report

import (
	"encoding/json"
	"fmt"
)

// MergedResult is the report assembled from all pages of a run.
type MergedResult struct {
	// Envelope holds the first page's fields other than rows and totals.
	Envelope map[string]json.RawMessage

	Rows   []Row
	Totals map[string]float64
}

// Merge concatenates the rows of all pages in order and sums the totals of
// the pages whose start index is 1. Continuation pages repeat the totals of
// their result set and are not counted again.
func Merge(pages []*Page) *MergedResult {
	if len(pages) == 0 {
		return &MergedResult{}
	}

	merged := &MergedResult{
		Envelope: make(map[string]json.RawMessage, len(pages[0].Envelope)),
		Rows:     []Row{},
		Totals:   make(map[string]float64),
	}
	for k, v := range pages[0].Envelope {
		if k == FieldRows || k == FieldTotals {
			continue
		}
		merged.Envelope[k] = v
	}

	collected := make(map[string][]float64)
	for _, page := range pages {
		merged.Rows = append(merged.Rows, page.Rows...)

		if !page.IsFirst() {
			continue
		}
		for metric, v := range page.Totals {
			collected[metric] = append(collected[metric], v)
		}
	}

	for metric, values := range collected {
		var sum float64
		for _, v := range values {
			sum += v
		}
		merged.Totals[metric] = sum
	}

	return merged
}

// IsEmpty reports whether the result was merged from zero pages.
func (m *MergedResult) IsEmpty() bool {
	return m.Envelope == nil && m.Rows == nil && m.Totals == nil
}

// TotalResults returns the first page's totalResults.
func (m *MergedResult) TotalResults() int {
	var n int
	if raw, ok := m.Envelope[FieldTotalResults]; ok {
		_ = json.Unmarshal(raw, &n)
	}
	return n
}

// MarshalJSON renders the report in the API's response shape.
func (m *MergedResult) MarshalJSON() ([]byte, error) {
	if m.IsEmpty() {
		return []byte("{}"), nil
	}

	out := make(map[string]any, len(m.Envelope)+2)
	for k, v := range m.Envelope {
		out[k] = v
	}
	rows := m.Rows
	if rows == nil {
		rows = []Row{}
	}
	out[FieldRows] = rows
	out[FieldTotals] = m.Totals
	return json.Marshal(out)
}

// UnmarshalJSON restores a report rendered by MarshalJSON.
func (m *MergedResult) UnmarshalJSON(data []byte) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	if len(envelope) == 0 {
		*m = MergedResult{}
		return nil
	}

	result := MergedResult{Rows: []Row{}}
	if raw, ok := envelope[FieldRows]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &result.Rows); err != nil {
			return fmt.Errorf("decode rows: %w", err)
		}
	}

	totals, err := decodeTotals(envelope[FieldTotals])
	if err != nil {
		return err
	}
	result.Totals = totals

	delete(envelope, FieldRows)
	delete(envelope, FieldTotals)
	result.Envelope = envelope

	*m = result
	return nil
}
