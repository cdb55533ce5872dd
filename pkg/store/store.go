// Package store archives merged reports in Redis so completed runs can be
// served again without re-querying the reporting API.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ga-report-client/pkg/client"
	"github.com/Sternrassler/ga-report-client/pkg/query"
	"github.com/Sternrassler/ga-report-client/pkg/report"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key layout.
const (
	KeyPrefix = "gareport:report:"
	RecentKey = "gareport:recent"
)

// Defaults applied by DefaultConfig.
const (
	DefaultTTL         = 24 * time.Hour
	DefaultRecentLimit = 50
)

var (
	// ErrNotFound indicates no report is archived under the requested id.
	ErrNotFound = errors.New("report not found")

	// ErrInvalidRecord indicates an archived record could not be decoded.
	ErrInvalidRecord = errors.New("invalid report record")
)

var storeOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ga_report_store_operations_total",
	Help: "Total report store operations by operation and result",
}, []string{"operation", "result"}) // operation: save, load, recent, delete; result: ok, miss, error

// Record is an archived report run.
type Record struct {
	ID            string               `json:"id"`
	Query         query.Query          `json:"query"`
	ParameterSets int                  `json:"parameter_sets"`
	Pages         int                  `json:"pages"`
	StartedAt     time.Time            `json:"started_at"`
	Duration      time.Duration        `json:"duration"`
	Result        *report.MergedResult `json:"result"`
}

// NewRecord captures a completed run of q.
func NewRecord(run *client.Run, q query.Query) *Record {
	return &Record{
		ID:            run.ID,
		Query:         q,
		ParameterSets: run.ParameterSets,
		Pages:         run.Pages,
		StartedAt:     run.StartedAt,
		Duration:      run.Duration,
		Result:        run.Result,
	}
}

// Config holds store configuration.
type Config struct {
	// TTL is how long a record is kept. Zero keeps records forever.
	TTL time.Duration

	// RecentLimit caps the list of recent run ids.
	RecentLimit int

	Logger *zerolog.Logger
}

// DefaultConfig returns a default store configuration.
func DefaultConfig() Config {
	return Config{
		TTL:         DefaultTTL,
		RecentLimit: DefaultRecentLimit,
	}
}

// Store handles report archiving with a Redis backend.
type Store struct {
	redis  *redis.Client
	config Config
	logger zerolog.Logger
}

// New creates a store. It panics on a nil client.
func New(redisClient *redis.Client, cfg Config) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = DefaultRecentLimit
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "report-store").Logger()
	}

	return &Store{
		redis:  redisClient,
		config: cfg,
		logger: logger,
	}
}

// Key returns the Redis key of the record with the given id.
func Key(id string) string {
	return KeyPrefix + id
}

// Save archives rec and records its id as the most recent run.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record with id is required")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		storeOperationsTotal.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, Key(rec.ID), data, s.config.TTL)
		pipe.LRem(ctx, RecentKey, 0, rec.ID)
		pipe.LPush(ctx, RecentKey, rec.ID)
		pipe.LTrim(ctx, RecentKey, 0, int64(s.config.RecentLimit-1))
		return nil
	})
	if err != nil {
		storeOperationsTotal.WithLabelValues("save", "error").Inc()
		return fmt.Errorf("redis save: %w", err)
	}

	storeOperationsTotal.WithLabelValues("save", "ok").Inc()
	s.logger.Debug().
		Str("run_id", rec.ID).
		Int("bytes", len(data)).
		Dur("ttl", s.config.TTL).
		Msg("Report archived")
	return nil
}

// Load returns the record archived under id.
// Returns ErrNotFound if it doesn't exist or has expired.
func (s *Store) Load(ctx context.Context, id string) (*Record, error) {
	data, err := s.redis.Get(ctx, Key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			storeOperationsTotal.WithLabelValues("load", "miss").Inc()
			return nil, ErrNotFound
		}
		storeOperationsTotal.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		storeOperationsTotal.WithLabelValues("load", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	storeOperationsTotal.WithLabelValues("load", "ok").Inc()
	return &rec, nil
}

// Recent returns up to n of the most recently saved run ids, newest first.
// Ids whose records have expired may still be listed.
func (s *Store) Recent(ctx context.Context, n int) ([]string, error) {
	if n <= 0 || n > s.config.RecentLimit {
		n = s.config.RecentLimit
	}

	ids, err := s.redis.LRange(ctx, RecentKey, 0, int64(n-1)).Result()
	if err != nil {
		storeOperationsTotal.WithLabelValues("recent", "error").Inc()
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	storeOperationsTotal.WithLabelValues("recent", "ok").Inc()
	return ids, nil
}

// Delete removes the record archived under id.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, Key(id))
		pipe.LRem(ctx, RecentKey, 0, id)
		return nil
	})
	if err != nil {
		storeOperationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("redis del: %w", err)
	}

	storeOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}
