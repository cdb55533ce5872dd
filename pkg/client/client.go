// Package client provides the reporting API client: it splits queries into
// URL-length-safe requests, follows pagination while staying within the
// per-identity request quota, and merges all pages into one report.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ga-report-client/pkg/logging"
	"github.com/Sternrassler/ga-report-client/pkg/pagination"
	"github.com/Sternrassler/ga-report-client/pkg/query"
	"github.com/Sternrassler/ga-report-client/pkg/ratelimit"
	"github.com/Sternrassler/ga-report-client/pkg/report"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Prometheus metrics for reporting API operations.
var (
	gaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ga_requests_total",
		Help: "Total reporting API requests by status",
	}, []string{"status"})

	gaRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ga_request_duration_seconds",
		Help:    "Reporting API request duration in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	gaErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ga_errors_total",
		Help: "Total failed runs by error kind",
	}, []string{"kind"})

	gaPagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ga_pages_fetched_total",
		Help: "Total result pages fetched, continuation pages included",
	})
)

// Client is the reporting API client. It keeps no per-run state and may be
// shared between goroutines; each run is sequential.
type Client struct {
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	builder     *query.Builder
	limiter     *ratelimit.Limiter
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// HTTPClient sends the requests. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// TokenSource supplies the access token stamped on every query. When nil
	// the query's own AccessToken is sent.
	TokenSource oauth2.TokenSource

	// Clock drives the quota window. Defaults to the system clock.
	Clock ratelimit.Clock

	// Logger defaults to a component logger derived from the global logger.
	Logger *zerolog.Logger

	UserAgent string
	Timeout   time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent: "ga-report-client/0.1.0",
		Timeout:   30 * time.Second,
	}
}

// New creates a new reporting client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.HTTPClient == nil && cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	logger := logging.NewLogger("ga-client")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient:  httpClient,
		tokenSource: cfg.TokenSource,
		builder:     query.NewBuilder(logger),
		limiter:     ratelimit.NewLimiter(cfg.Clock, logger),
		config:      cfg,
		logger:      logger,
	}, nil
}

// Run describes a completed report run.
type Run struct {
	ID            string
	ParameterSets int
	Pages         int
	StartedAt     time.Time
	Duration      time.Duration
	Result        *report.MergedResult
}

// Report builds, fetches and merges q. The result is returned only when
// every request of the run succeeded.
func (c *Client) Report(ctx context.Context, q query.Query) (*Run, error) {
	run := &Run{ID: uuid.NewString(), StartedAt: time.Now()}
	logger := c.logger.With().Str("run_id", run.ID).Logger()

	if c.tokenSource != nil {
		token, err := c.tokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		q.AccessToken = token.AccessToken
	}

	if err := q.Validate(); err != nil {
		return nil, err
	}

	sets := c.builder.Build(q)
	run.ParameterSets = len(sets)

	pages, err := c.fetch(ctx, logger, sets)
	if err != nil {
		logger.Error().Err(err).Int("parameter_sets", len(sets)).Msg("Report run failed")
		return nil, err
	}

	run.Pages = len(pages)
	run.Result = report.Merge(pages)
	run.Duration = time.Since(run.StartedAt)

	logger.Info().
		Int("parameter_sets", run.ParameterSets).
		Int("pages", run.Pages).
		Int("rows", len(run.Result.Rows)).
		Dur("duration", run.Duration).
		Msg("Report run complete")

	return run, nil
}

// Build splits q into parameter sets without sending anything.
func (c *Client) Build(q query.Query) []query.ParameterSet {
	return c.builder.Build(q)
}

// Fetch issues every parameter set and its continuation pages in order and
// returns the pages in request order. The first failure aborts the run.
func (c *Client) Fetch(ctx context.Context, sets []query.ParameterSet) ([]*report.Page, error) {
	logger := c.logger.With().Str("run_id", uuid.NewString()).Logger()
	return c.fetch(ctx, logger, sets)
}

func (c *Client) fetch(ctx context.Context, logger zerolog.Logger, sets []query.ParameterSet) ([]*report.Page, error) {
	state := c.limiter.Start()
	defer state.Clear()

	walker := pagination.NewWalker(c, logger)
	var pages []*report.Page

	for i, params := range sets {
		key := params.IdentityKey
		state.Track(key)

		fetched, err := walker.Walk(ctx, params, func(ctx context.Context, page *report.Page) error {
			pages = append(pages, page)
			state.Consume(key)
			return c.limiter.Wait(ctx, state, key)
		})
		if err != nil {
			return nil, c.runError(err)
		}

		if err := c.limiter.Wait(ctx, state, key); err != nil {
			return nil, c.runError(err)
		}

		logger.Debug().
			Int("parameter_set", i+1).
			Int("of", len(sets)).
			Int("pages", fetched).
			Int("quota_remaining", state.Remaining(key)).
			Msg("Parameter set fetched")
	}

	return pages, nil
}

// runError converts failures that did not come from FetchPage.
func (c *Client) runError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}

	kind := KindTransport
	if errors.Is(err, pagination.ErrStalled) {
		kind = KindMalformedResponse
	}
	gaErrorsTotal.WithLabelValues(string(kind)).Inc()
	return &APIError{Kind: kind, Err: err}
}

// FetchPage sends one request and decodes its page.
func (c *Client) FetchPage(ctx context.Context, params query.ParameterSet) (*report.Page, error) {
	target := params.URL()
	redacted := redactURL(params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, c.fail(&APIError{Kind: KindTransport, URL: redacted, Err: fmt.Errorf("create request: %w", err)})
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("url", redacted).
		Int("start_index", params.StartIndex()).
		Msg("Executing reporting request")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	gaRequestDuration.Observe(time.Since(startTime).Seconds())
	if err != nil {
		gaRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, c.fail(&APIError{Kind: KindTransport, URL: redacted, Err: err})
	}
	defer resp.Body.Close()

	gaRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.fail(&APIError{Kind: KindTransport, StatusCode: resp.StatusCode, URL: redacted,
			Err: fmt.Errorf("read body: %w", err)})
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.fail(&APIError{
			Kind:       KindInvalidQuery,
			StatusCode: resp.StatusCode,
			Reason:     reasonPhrase(resp, body),
			URL:        redacted,
		})
	}

	page, err := report.DecodePage(body)
	if err != nil {
		return nil, c.fail(&APIError{Kind: KindMalformedResponse, StatusCode: resp.StatusCode, URL: redacted, Err: err})
	}

	gaPagesFetchedTotal.Inc()
	return page, nil
}

func (c *Client) fail(err *APIError) error {
	gaErrorsTotal.WithLabelValues(string(err.Kind)).Inc()
	c.logger.Warn().
		Str("kind", string(err.Kind)).
		Int("status", err.StatusCode).
		Str("url", err.URL).
		Err(err).
		Msg("Reporting request failed")
	return err
}

// reasonPhrase returns the status reason, followed by the API's own error
// message when the body carries one.
func reasonPhrase(resp *http.Response, body []byte) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	var apiErr struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
		reason += ": " + apiErr.Error.Message
	}
	return reason
}

func redactURL(params query.ParameterSet) string {
	if params.Values.Get(query.ParamAccessToken) == "" {
		return params.URL()
	}
	redacted := params.WithStartIndex(params.StartIndex())
	redacted.Values.Set(query.ParamAccessToken, "REDACTED")
	return redacted.URL()
}
