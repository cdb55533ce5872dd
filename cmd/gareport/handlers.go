package main

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

	"github.com/Sternrassler/ga-report-client/internal/config"
	"github.com/Sternrassler/ga-report-client/pkg/client"
	"github.com/Sternrassler/ga-report-client/pkg/metrics"
	"github.com/Sternrassler/ga-report-client/pkg/query"
	"github.com/Sternrassler/ga-report-client/pkg/report"
	"github.com/Sternrassler/ga-report-client/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// maxQueryBytes bounds the size of a submitted query document.
const maxQueryBytes = 1 << 20

// reportArchive is the part of *store.Store the server uses.
type reportArchive interface {
	Save(ctx context.Context, rec *store.Record) error
	Load(ctx context.Context, id string) (*store.Record, error)
	Recent(ctx context.Context, n int) ([]string, error)
	Ping(ctx context.Context) error
}

// reporter runs report queries.
type reporter interface {
	Report(ctx context.Context, q query.Query) (*client.Run, error)
}

type server struct {
	client  reporter
	archive reportArchive

	// tokenSource is used when a request carries no bearer token.
	tokenSource oauth2.TokenSource

	baseURL string
	logger  zerolog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(s.archive))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/reports", func(r chi.Router) {
		r.Post("/", s.createReport)
		r.Get("/", s.listReports)
		r.Get("/{id}", s.getReport)
	})
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(archive reportArchive) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := archive.Ping(ctx); err != nil {
			http.Error(w, "Redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

type runResponse struct {
	ID            string               `json:"id"`
	ParameterSets int                  `json:"parameter_sets"`
	Pages         int                  `json:"pages"`
	StartedAt     time.Time            `json:"started_at"`
	DurationMS    int64                `json:"duration_ms"`
	Archived      bool                 `json:"archived"`
	Result        *report.MergedResult `json:"result"`
}

// createReport runs the YAML (or JSON) query in the request body. The access
// token comes from the Authorization header, else the server token source.
func (s *server) createReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read query: "+err.Error())
		return
	}

	q, err := config.ParseQuery(body, s.baseURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := s.accessToken(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	q.AccessToken = token

	run, err := s.client.Report(r.Context(), q)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := runResponse{
		ID:            run.ID,
		ParameterSets: run.ParameterSets,
		Pages:         run.Pages,
		StartedAt:     run.StartedAt,
		DurationMS:    run.Duration.Milliseconds(),
		Result:        run.Result,
	}

	if err := s.archive.Save(r.Context(), store.NewRecord(run, q)); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to archive report")
	} else {
		resp.Archived = true
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) accessToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), nil
	}
	if s.tokenSource == nil {
		return "", errors.New("bearer token required")
	}
	token, err := s.tokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	return token.AccessToken, nil
}

func (s *server) getReport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.archive.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load report")
		writeError(w, http.StatusInternalServerError, "load report failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) listReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ids, err := s.archive.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list reports")
		writeError(w, http.StatusInternalServerError, "list reports failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ids": ids})
}

// statusFor maps a run failure to the status returned to the caller.
func statusFor(err error) int {
	switch {
	case errors.Is(err, query.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, client.ErrTransport):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
