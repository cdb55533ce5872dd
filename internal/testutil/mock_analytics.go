// Package testutil provides testing utilities for the reporting client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
)

// MockAnalytics is a configurable mock of the reporting API. By default it
// serves a paginated result set of TotalResults rows whose totals are
// repeated on every page, the way the real API does.
type MockAnalytics struct {
	server *httptest.Server

	mu       sync.RWMutex
	requests  []url.Values
	handler   http.HandlerFunc
	onRequest func(url.Values)

	totalResults int
	totals       map[string]string
}

// NewMockAnalytics creates a mock serving totalResults rows with the given
// totals.
func NewMockAnalytics(totalResults int, totals map[string]string) *MockAnalytics {
	mock := &MockAnalytics{
		totalResults: totalResults,
		totals:       totals,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requests = append(mock.requests, r.URL.Query())
		handler := mock.handler
		onRequest := mock.onRequest
		mock.mu.Unlock()

		if onRequest != nil {
			onRequest(r.URL.Query())
		}

		if handler != nil {
			handler(w, r)
			return
		}
		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the reporting endpoint of the mock.
func (m *MockAnalytics) URL() string {
	return m.server.URL + "/analytics/v3/data/ga"
}

// Close shuts down the mock server.
func (m *MockAnalytics) Close() {
	m.server.Close()
}

// SetHandler replaces the default handler.
func (m *MockAnalytics) SetHandler(handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// OnRequest registers fn to run on every request before it is served.
func (m *MockAnalytics) OnRequest(fn func(url.Values)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRequest = fn
}

// SetStatus makes every response fail with status and an API error body.
func (m *MockAnalytics) SetStatus(status int, message string) {
	m.SetHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error": {"code": %d, "message": %q}}`, status, message)
	})
}

// Requests returns the query parameters of every request received.
func (m *MockAnalytics) Requests() []url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]url.Values(nil), m.requests...)
}

// RequestCount returns the number of requests received.
func (m *MockAnalytics) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// StartIndexes returns the start-index of every request received.
func (m *MockAnalytics) StartIndexes() []int {
	var out []int
	for _, v := range m.Requests() {
		n, _ := strconv.Atoi(v.Get("start-index"))
		out = append(out, n)
	}
	return out
}

// defaultHandler serves page start-index of the configured result set. Rows
// are [filters, start-index, n] so tests can tell pages apart.
func (m *MockAnalytics) defaultHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startIndex, err := strconv.Atoi(q.Get("start-index"))
	if err != nil {
		http.Error(w, "bad start-index", http.StatusBadRequest)
		return
	}
	maxResults, err := strconv.Atoi(q.Get("max-results"))
	if err != nil || maxResults < 1 {
		http.Error(w, "bad max-results", http.StatusBadRequest)
		return
	}

	var rows [][]string
	first := (startIndex - 1) * maxResults
	for i := first; i < first+maxResults && i < m.totalResults; i++ {
		rows = append(rows, []string{q.Get("filters"), strconv.Itoa(startIndex), strconv.Itoa(i)})
	}

	body := map[string]any{
		"kind": "analytics#gaData",
		"query": map[string]any{
			"ids":         q.Get("ids"),
			"metrics":     []string{q.Get("metrics")},
			"start-index": startIndex,
			"max-results": maxResults,
		},
		"totalResults":        m.totalResults,
		"totalsForAllResults": m.totals,
	}
	if len(rows) > 0 {
		body["rows"] = rows
	}

	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(body)
}
