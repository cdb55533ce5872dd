// Package report decodes paginated reporting API responses and merges them
// into a single report.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Top-level response fields the merger interprets. Every other field is
// carried through verbatim.
const (
	FieldQuery        = "query"
	FieldTotalResults = "totalResults"
	FieldRows         = "rows"
	FieldTotals       = "totalsForAllResults"
)

// ErrMalformed is returned when a response lacks the fields pagination and
// merging depend on.
var ErrMalformed = errors.New("malformed response")

// Row is one opaque result row (usually a JSON array of cell strings).
type Row = json.RawMessage

// QueryEcho is the pagination part of the request echoed by the API.
type QueryEcho struct {
	StartIndex int `json:"start-index"`
	MaxResults int `json:"max-results"`
}

// Page is one decoded API response.
type Page struct {
	Query        QueryEcho
	TotalResults int
	Rows         []Row
	Totals       map[string]float64

	// Envelope holds every top-level field of the response as received.
	Envelope map[string]json.RawMessage
}

// IsFirst reports whether the page is the first of its result set.
func (p *Page) IsFirst() bool {
	return p.Query.StartIndex == 1
}

// DecodePage parses a response body. A missing totalResults, query echo,
// start-index or max-results yields ErrMalformed.
func DecodePage(data []byte) (*Page, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope == nil {
		return nil, fmt.Errorf("%w: response is not an object", ErrMalformed)
	}

	page := &Page{Envelope: envelope}

	rawTotal, ok := envelope[FieldTotalResults]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, FieldTotalResults)
	}
	if err := json.Unmarshal(rawTotal, &page.TotalResults); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, FieldTotalResults, err)
	}

	echo, err := decodeEcho(envelope[FieldQuery])
	if err != nil {
		return nil, err
	}
	page.Query = echo

	if raw, ok := envelope[FieldRows]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &page.Rows); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, FieldRows, err)
		}
	}

	page.Totals, err = decodeTotals(envelope[FieldTotals])
	if err != nil {
		return nil, err
	}

	return page, nil
}

func decodeEcho(raw json.RawMessage) (QueryEcho, error) {
	if raw == nil || isNull(raw) {
		return QueryEcho{}, fmt.Errorf("%w: missing %s", ErrMalformed, FieldQuery)
	}

	var fields struct {
		StartIndex *int `json:"start-index"`
		MaxResults *int `json:"max-results"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return QueryEcho{}, fmt.Errorf("%w: %s: %v", ErrMalformed, FieldQuery, err)
	}

	switch {
	case fields.StartIndex == nil:
		return QueryEcho{}, fmt.Errorf("%w: missing query.start-index", ErrMalformed)
	case fields.MaxResults == nil:
		return QueryEcho{}, fmt.Errorf("%w: missing query.max-results", ErrMalformed)
	case *fields.StartIndex < 1:
		return QueryEcho{}, fmt.Errorf("%w: query.start-index must be >= 1 (got %d)", ErrMalformed, *fields.StartIndex)
	case *fields.MaxResults < 1:
		return QueryEcho{}, fmt.Errorf("%w: query.max-results must be >= 1 (got %d)", ErrMalformed, *fields.MaxResults)
	}

	return QueryEcho{StartIndex: *fields.StartIndex, MaxResults: *fields.MaxResults}, nil
}

// decodeTotals accepts metric values as JSON numbers or numeric strings, the
// latter being what the API actually sends.
func decodeTotals(raw json.RawMessage) (map[string]float64, error) {
	totals := make(map[string]float64)
	if raw == nil || isNull(raw) {
		return totals, nil
	}

	var values map[string]json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, FieldTotals, err)
	}

	for metric, v := range values {
		n, err := parseNumber(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%s]: %v", ErrMalformed, FieldTotals, metric, err)
		}
		totals[metric] = n
	}
	return totals, nil
}

func parseNumber(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return n, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
