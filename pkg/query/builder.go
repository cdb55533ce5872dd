package query

import (
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for query building.
var (
	parameterSetsBuilt = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ga_parameter_sets_built",
		Help:    "Number of parameter sets produced per built query",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
	})

	oversizedFiltersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ga_oversized_filters_total",
		Help: "Filters whose single-filter request already exceeds the URL length limit",
	})
)

// ParameterSet is one request-ready query derived from a Query.
type ParameterSet struct {
	// BaseURL is the endpoint the parameters are sent to.
	BaseURL string

	// Values are the encoded request parameters.
	Values url.Values

	// Filters is the filter subset carried by this set, in query order.
	Filters []string

	// IdentityKey partitions the request quota.
	IdentityKey string
}

// URL returns the full request URL.
func (p ParameterSet) URL() string {
	return p.BaseURL + "?" + p.Values.Encode()
}

// StartIndex returns the start-index parameter (0 if unset or invalid).
func (p ParameterSet) StartIndex() int {
	n, _ := strconv.Atoi(p.Values.Get(ParamStartIndex))
	return n
}

// WithStartIndex returns a copy of p requesting the given start index.
func (p ParameterSet) WithStartIndex(index int) ParameterSet {
	values := make(url.Values, len(p.Values))
	for k, v := range p.Values {
		values[k] = append([]string(nil), v...)
	}
	values.Set(ParamStartIndex, strconv.Itoa(index))
	p.Values = values
	return p
}

func (q Query) parameterSet(filters []string) ParameterSet {
	return ParameterSet{
		BaseURL:     q.BaseURL,
		Values:      q.params(filters),
		Filters:     append([]string(nil), filters...),
		IdentityKey: q.IdentityKey(),
	}
}

// Builder splits queries into parameter sets.
type Builder struct {
	logger zerolog.Logger
}

// NewBuilder creates a builder logging through logger.
func NewBuilder(logger zerolog.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build packs the query's filters into as few parameter sets as the URL
// length limit allows. The running estimate accumulates the full trial URL
// length of every candidate list, seeded with the unfiltered baseline.
//
// A filter whose own request already exceeds the limit is emitted alone and
// will exceed the limit when sent.
func (b *Builder) Build(q Query) []ParameterSet {
	baseline := BaseURLOverhead + q.EncodedLength(nil)
	running := baseline

	var sets []ParameterSet
	var committed, candidate []string

	for _, filter := range q.Filters {
		candidate = append(candidate, filter)
		running += q.EncodedLength(candidate)

		if running > URLLengthLimit {
			if len(committed) > 0 {
				sets = append(sets, q.parameterSet(committed))
			}

			committed = []string{filter}
			candidate = []string{filter}
			running = baseline + q.EncodedLength(candidate)

			if running > URLLengthLimit {
				oversizedFiltersTotal.Inc()
				b.logger.Warn().
					Int("estimated_length", running).
					Int("limit", URLLengthLimit).
					Msg("Filter alone exceeds estimated URL length limit")
			}
			continue
		}

		committed = append(committed, filter)
	}

	sets = append(sets, q.parameterSet(committed))

	parameterSetsBuilt.Observe(float64(len(sets)))
	b.logger.Debug().
		Int("filters", len(q.Filters)).
		Int("parameter_sets", len(sets)).
		Msg("Query built")

	return sets
}

// Build splits q using a builder that discards log output.
func Build(q Query) []ParameterSet {
	return NewBuilder(zerolog.Nop()).Build(q)
}
