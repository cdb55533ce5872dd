package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/ga-report-client/internal/testutil"
	"github.com/Sternrassler/ga-report-client/pkg/query"
	"github.com/Sternrassler/ga-report-client/pkg/ratelimit"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// newTestClient creates a client with a fake clock and silent logger.
func newTestClient(t *testing.T) (*Client, *testutil.FakeClock) {
	t.Helper()

	clock := testutil.NewFakeClock(epoch)
	logger := zerolog.Nop()

	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.Logger = &logger

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, clock
}

func newTestQuery(baseURL string) query.Query {
	q := query.New([]string{"123456"}, baseURL)
	q.AccessToken = "secret-token"
	q.StartDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.EndDate = time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	q.MaxResults = 10
	return q
}

func repeatSet(set query.ParameterSet, n int) []query.ParameterSet {
	sets := make([]query.ParameterSet, n)
	for i := range sets {
		sets[i] = set
	}
	return sets
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
		errorMsg    string
	}{
		{
			name:        "default config",
			config:      DefaultConfig(),
			expectError: false,
		},
		{
			name:        "empty user agent",
			config:      Config{Timeout: time.Second},
			expectError: true,
			errorMsg:    "user-agent is required",
		},
		{
			name:        "no timeout without http client",
			config:      Config{UserAgent: "TestApp/1.0"},
			expectError: true,
			errorMsg:    "timeout must be > 0 (got 0s)",
		},
		{
			name:        "custom http client needs no timeout",
			config:      Config{UserAgent: "TestApp/1.0", HTTPClient: &http.Client{}},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config)

			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got nil")
				}
				if err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if c == nil {
				t.Fatal("Expected client but got nil")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.UserAgent == "" {
		t.Error("UserAgent should be set")
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.Clock != nil {
		t.Error("Clock should default to nil (system clock)")
	}
}

func TestFetch_FollowsPagination(t *testing.T) {
	mock := testutil.NewMockAnalytics(25, map[string]string{"ga:pageviews": "25"})
	defer mock.Close()

	c, _ := newTestClient(t)
	sets := c.Build(newTestQuery(mock.URL()))

	pages, err := c.Fetch(context.Background(), sets)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if want := []int{1, 2, 3}; !reflect.DeepEqual(mock.StartIndexes(), want) {
		t.Errorf("start indexes = %v, want %v", mock.StartIndexes(), want)
	}
	if len(pages) != 3 {
		t.Fatalf("len(pages) = %d, want 3", len(pages))
	}
	for i, p := range pages {
		if p.Query.StartIndex != i+1 {
			t.Errorf("page %d start index = %d, want %d", i, p.Query.StartIndex, i+1)
		}
	}
}

func TestFetch_RequestParameters(t *testing.T) {
	mock := testutil.NewMockAnalytics(3, nil)
	defer mock.Close()

	c, _ := newTestClient(t)
	q := newTestQuery(mock.URL())
	q.Dimensions = []string{"ga:date"}
	q.UserIP = "192.0.2.7"

	if _, err := c.Fetch(context.Background(), c.Build(q)); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	got := mock.Requests()[0]
	expected := map[string]string{
		"ids":          "ga:123456",
		"access_token": "secret-token",
		"metrics":      "ga:pageviews",
		"dimensions":   "ga:date",
		"start-date":   "2024-01-01",
		"end-date":     "2024-01-31",
		"start-index":  "1",
		"max-results":  "10",
		"userIp":       "192.0.2.7",
	}
	for key, want := range expected {
		if got.Get(key) != want {
			t.Errorf("param %s = %q, want %q", key, got.Get(key), want)
		}
	}
}

func TestFetch_QuotaSleepBeforeEleventhRequest(t *testing.T) {
	mock := testutil.NewMockAnalytics(5, nil)
	defer mock.Close()

	c, clock := newTestClient(t)
	q := newTestQuery(mock.URL())
	q.UserIP = "10.1.1.1"
	sets := repeatSet(c.Build(q)[0], 11)

	pages, err := c.Fetch(context.Background(), sets)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(pages) != 11 || mock.RequestCount() != 11 {
		t.Fatalf("pages = %d, requests = %d, want 11", len(pages), mock.RequestCount())
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 1 || sleeps[0] != ratelimit.Window {
		t.Errorf("sleeps = %v, want [%v]", sleeps, ratelimit.Window)
	}
	if elapsed := clock.Now().Sub(epoch); elapsed < ratelimit.Window {
		t.Errorf("elapsed = %v, want >= %v", elapsed, ratelimit.Window)
	}
}

func TestFetch_NoSleepBelowQuota(t *testing.T) {
	mock := testutil.NewMockAnalytics(5, nil)
	defer mock.Close()

	c, clock := newTestClient(t)
	sets := repeatSet(c.Build(newTestQuery(mock.URL()))[0], 9)

	if _, err := c.Fetch(context.Background(), sets); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("sleeps = %v, want none", clock.Sleeps())
	}
}

func TestFetch_QuotaSleepDuringPagination(t *testing.T) {
	mock := testutil.NewMockAnalytics(245, nil)
	defer mock.Close()

	c, clock := newTestClient(t)
	clock.Step = 5 * time.Millisecond

	pages, err := c.Fetch(context.Background(), c.Build(newTestQuery(mock.URL())))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	// 245 rows at 10 per page: pages 1..25.
	if len(pages) != 25 {
		t.Fatalf("len(pages) = %d, want 25", len(pages))
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 2 {
		t.Errorf("sleeps = %v, want two (after requests 10 and 20)", sleeps)
	}
	for _, d := range clock.Sleeps() {
		if d <= 0 || d > ratelimit.Window {
			t.Errorf("sleep %v outside (0, %v]", d, ratelimit.Window)
		}
	}
}

func TestFetch_QuotaCheckedAfterFirstPageOfSet(t *testing.T) {
	single := testutil.NewMockAnalytics(5, nil)
	defer single.Close()
	paged := testutil.NewMockAnalytics(15, nil)
	defer paged.Close()

	c, clock := newTestClient(t)

	// Nine single-page sets leave one request, which the first page of the
	// paginated set uses up before its continuation is requested.
	sets := repeatSet(c.Build(newTestQuery(single.URL()))[0], 9)
	sets = append(sets, c.Build(newTestQuery(paged.URL()))...)

	var mu sync.Mutex
	var sleepsSeen []int
	paged.OnRequest(func(url.Values) {
		mu.Lock()
		defer mu.Unlock()
		sleepsSeen = append(sleepsSeen, len(clock.Sleeps()))
	})

	pages, err := c.Fetch(context.Background(), sets)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if len(pages) != 11 {
		t.Fatalf("len(pages) = %d, want 11", len(pages))
	}
	if got := paged.StartIndexes(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("paginated set start indexes = %v, want [1 2]", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(sleepsSeen, []int{0, 1}) {
		t.Errorf("sleeps before each paginated request = %v, want [0 1]", sleepsSeen)
	}
	if sleeps := clock.Sleeps(); len(sleeps) != 1 || sleeps[0] != ratelimit.Window {
		t.Errorf("sleeps = %v, want [%v]", sleeps, ratelimit.Window)
	}
}

func TestFetch_IdentityKeysCountedSeparately(t *testing.T) {
	mock := testutil.NewMockAnalytics(5, nil)
	defer mock.Close()

	c, clock := newTestClient(t)
	qa := newTestQuery(mock.URL())
	qa.UserIP = "10.0.0.1"
	qb := newTestQuery(mock.URL())
	qb.UserIP = "10.0.0.2"

	var sets []query.ParameterSet
	for i := 0; i < 6; i++ {
		sets = append(sets, c.Build(qa)[0], c.Build(qb)[0])
	}

	if _, err := c.Fetch(context.Background(), sets); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if mock.RequestCount() != 12 {
		t.Errorf("requests = %d, want 12", mock.RequestCount())
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("sleeps = %v, want none with two keys at 6 requests each", clock.Sleeps())
	}
}

func TestFetch_ServerErrorAbortsRun(t *testing.T) {
	mock := testutil.NewMockAnalytics(25, nil)
	defer mock.Close()
	mock.SetStatus(http.StatusInternalServerError, "Backend Error")

	c, _ := newTestClient(t)
	sets := repeatSet(c.Build(newTestQuery(mock.URL()))[0], 3)

	pages, err := c.Fetch(context.Background(), sets)
	if err == nil {
		t.Fatal("Fetch() error = nil, want InvalidQuery")
	}
	if pages != nil {
		t.Errorf("pages = %v, want nil", pages)
	}
	if !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("errors.Is(err, ErrInvalidQuery) = false for %v", err)
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %T is not *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", apiErr.StatusCode)
	}
	if apiErr.Reason != "Internal Server Error: Backend Error" {
		t.Errorf("Reason = %q", apiErr.Reason)
	}
	if strings.Contains(apiErr.URL, "secret-token") {
		t.Errorf("URL leaks the access token: %s", apiErr.URL)
	}
	if mock.RequestCount() != 1 {
		t.Errorf("requests = %d, want 1 (no retries, run aborted)", mock.RequestCount())
	}
}

func TestFetch_ErrorOnContinuationAbortsRun(t *testing.T) {
	mock := testutil.NewMockAnalytics(25, nil)
	defer mock.Close()

	var served int
	mock.SetHandler(func(w http.ResponseWriter, r *http.Request) {
		served++
		if served == 2 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `{"query": {"start-index": 1, "max-results": 10}, "totalResults": 25}`)
	})

	c, _ := newTestClient(t)
	pages, err := c.Fetch(context.Background(), c.Build(newTestQuery(mock.URL())))

	if !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("Fetch() error = %v, want ErrInvalidQuery", err)
	}
	if pages != nil {
		t.Errorf("pages = %v, want nil", pages)
	}
}

func TestFetch_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `<html></html>`},
		{name: "missing totalResults", body: `{"query": {"start-index": 1, "max-results": 10}}`},
		{name: "missing pagination echo", body: `{"totalResults": 3}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockAnalytics(0, nil)
			defer mock.Close()
			mock.SetHandler(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})

			c, _ := newTestClient(t)
			_, err := c.Fetch(context.Background(), c.Build(newTestQuery(mock.URL())))
			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("Fetch() error = %v, want ErrMalformedResponse", err)
			}
		})
	}
}

func TestFetch_StalledPagination(t *testing.T) {
	mock := testutil.NewMockAnalytics(0, nil)
	defer mock.Close()
	mock.SetHandler(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"query": {"start-index": 1, "max-results": 10}, "totalResults": 500}`)
	})

	c, _ := newTestClient(t)
	_, err := c.Fetch(context.Background(), c.Build(newTestQuery(mock.URL())))
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Fetch() error = %v, want ErrMalformedResponse", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("requests = %d, want 2", mock.RequestCount())
	}
}

func TestFetch_TransportError(t *testing.T) {
	mock := testutil.NewMockAnalytics(5, nil)
	endpoint := mock.URL()
	mock.Close()

	c, _ := newTestClient(t)
	_, err := c.Fetch(context.Background(), c.Build(newTestQuery(endpoint)))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Fetch() error = %v, want ErrTransport", err)
	}
}

func TestFetch_CancelledContext(t *testing.T) {
	mock := testutil.NewMockAnalytics(5, nil)
	defer mock.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := newTestClient(t)
	_, err := c.Fetch(ctx, c.Build(newTestQuery(mock.URL())))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Fetch() error = %v, want ErrTransport", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v, want wrapped context.Canceled", err)
	}
}

func TestReport_MergesSplitQuery(t *testing.T) {
	mock := testutil.NewMockAnalytics(25, map[string]string{"ga:pageviews": "40", "ga:sessions": "3"})
	defer mock.Close()

	c, _ := newTestClient(t)
	q := newTestQuery(mock.URL())
	for i := 0; i < 12; i++ {
		q.Filters = append(q.Filters, fmt.Sprintf("ga:pagePath==/category-%02d/article", i))
	}

	sets := c.Build(q)
	if len(sets) < 2 {
		t.Fatalf("Build() returned %d sets, want a split", len(sets))
	}

	run, err := c.Report(context.Background(), q)
	if err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	n := len(sets)
	if run.ParameterSets != n {
		t.Errorf("ParameterSets = %d, want %d", run.ParameterSets, n)
	}
	if run.Pages != 3*n {
		t.Errorf("Pages = %d, want %d", run.Pages, 3*n)
	}
	if got := len(run.Result.Rows); got != 25*n {
		t.Errorf("rows = %d, want %d", got, 25*n)
	}
	if got := run.Result.Totals["ga:pageviews"]; got != float64(40*n) {
		t.Errorf("Totals[ga:pageviews] = %v, want %d (continuation pages must not count)", got, 40*n)
	}
	if got := run.Result.Totals["ga:sessions"]; got != float64(3*n) {
		t.Errorf("Totals[ga:sessions] = %v, want %d", got, 3*n)
	}
	if run.ID == "" {
		t.Error("run ID should be set")
	}

	var filters []string
	for _, params := range mock.Requests() {
		if params.Get("start-index") == "1" {
			filters = append(filters, strings.Split(params.Get("filters"), ",")...)
		}
	}
	if !reflect.DeepEqual(filters, q.Filters) {
		t.Errorf("filters sent = %v, want %v", filters, q.Filters)
	}
}

func TestReport_TokenSource(t *testing.T) {
	mock := testutil.NewMockAnalytics(1, nil)
	defer mock.Close()

	logger := zerolog.Nop()
	cfg := DefaultConfig()
	cfg.Logger = &logger
	cfg.Clock = testutil.NewFakeClock(epoch)
	cfg.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "fresh-token"})

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	q := newTestQuery(mock.URL())
	q.AccessToken = ""
	if _, err := c.Report(context.Background(), q); err != nil {
		t.Fatalf("Report() error = %v", err)
	}

	if got := mock.Requests()[0].Get("access_token"); got != "fresh-token" {
		t.Errorf("access_token = %q, want fresh-token", got)
	}
}

func TestReport_InvalidQuery(t *testing.T) {
	c, _ := newTestClient(t)
	q := newTestQuery("http://analytics.test/data")
	q.IDs = nil

	_, err := c.Report(context.Background(), q)
	if !errors.Is(err, query.ErrInvalid) {
		t.Errorf("Report() error = %v, want query.ErrInvalid", err)
	}
}

func TestReport_ServerErrorReturnsNoResult(t *testing.T) {
	mock := testutil.NewMockAnalytics(5, nil)
	defer mock.Close()
	mock.SetStatus(http.StatusInternalServerError, "oops")

	c, _ := newTestClient(t)
	run, err := c.Report(context.Background(), newTestQuery(mock.URL()))
	if !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("Report() error = %v, want ErrInvalidQuery", err)
	}
	if run != nil {
		t.Errorf("run = %+v, want nil", run)
	}
}
