// Package query models reporting queries and turns them into request-ready
// parameter sets that respect the remote API's URL length limit.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Request URL limits of the reporting API.
const (
	// BaseURLOverhead is the estimated length of everything a request carries
	// that the raw query string does not reflect (protocol, headers).
	BaseURLOverhead = 300

	// URLLengthLimit is the maximum length of a request URL.
	URLLengthLimit = 2000
)

// Defaults applied by New.
const (
	IDPrefix          = "ga:"
	DefaultMetric     = "ga:pageviews"
	DefaultStartIndex = 1
	DefaultMaxResults = 10000
	DefaultSeparator  = ","

	// DateLayout is the wire format of start-date and end-date.
	DateLayout = "2006-01-02"
)

// Parameter names sent to the reporting API.
const (
	ParamIDs         = "ids"
	ParamAccessToken = "access_token"
	ParamMetrics     = "metrics"
	ParamStartDate   = "start-date"
	ParamEndDate     = "end-date"
	ParamStartIndex  = "start-index"
	ParamMaxResults  = "max-results"
	ParamQuotaUser   = "quotaUser"
	ParamUserIP      = "userIp"
	ParamSegment     = "segment"
	ParamDimensions  = "dimensions"
	ParamSort        = "sort"
	ParamFilters     = "filters"
)

// Query is a logical reporting request. A Query is treated as an immutable
// snapshot once handed to Build.
type Query struct {
	// IDs are the account (view) ids, rendered as ga:<id>.
	IDs []string `json:"ids" yaml:"ids"`

	// BaseURL is the reporting endpoint, e.g. https://www.googleapis.com/analytics/v3/data/ga
	BaseURL string `json:"base_url" yaml:"base_url"`

	AccessToken string `json:"-" yaml:"-"`

	// StartDate and EndDate are decoded by UnmarshalYAML.
	StartDate time.Time `json:"start_date" yaml:"-"`
	EndDate   time.Time `json:"end_date" yaml:"-"`

	Metrics    []string `json:"metrics" yaml:"metrics"`
	Dimensions []string `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	Sorts      []string `json:"sorts,omitempty" yaml:"sorts,omitempty"`

	Filters          []string `json:"filters,omitempty" yaml:"filters,omitempty"`
	FiltersSeparator string   `json:"filters_separator,omitempty" yaml:"filters_separator,omitempty"`

	Segment string `json:"segment,omitempty" yaml:"segment,omitempty"`

	StartIndex int `json:"start_index" yaml:"start_index"`
	MaxResults int `json:"max_results" yaml:"max_results"`

	// UserIP partitions the per-identity request quota.
	UserIP string `json:"user_ip,omitempty" yaml:"user_ip,omitempty"`

	// QuotaUser is the secondary quota key.
	QuotaUser string `json:"quota_user,omitempty" yaml:"quota_user,omitempty"`
}

// New creates a query over the given ids with the default metric, the last
// month as date range and default pagination.
func New(ids []string, baseURL string) Query {
	now := time.Now()
	return Query{
		IDs:              ids,
		BaseURL:          baseURL,
		StartDate:        now.AddDate(0, -1, 0),
		EndDate:          now,
		Metrics:          []string{DefaultMetric},
		FiltersSeparator: DefaultSeparator,
		StartIndex:       DefaultStartIndex,
		MaxResults:       DefaultMaxResults,
	}
}

// UnmarshalYAML decodes a YAML or JSON query document. Dates may be given
// as YYYY-MM-DD or as RFC 3339 timestamps, quoted or not. Fields the
// document leaves out keep their current values.
func (q *Query) UnmarshalYAML(value *yaml.Node) error {
	type plain Query
	p := plain(*q)
	if err := value.Decode(&p); err != nil {
		return err
	}

	var dates struct {
		StartDate string `yaml:"start_date"`
		EndDate   string `yaml:"end_date"`
	}
	if err := value.Decode(&dates); err != nil {
		return err
	}

	*q = Query(p)
	if dates.StartDate != "" {
		t, err := ParseDate(dates.StartDate)
		if err != nil {
			return fmt.Errorf("start_date: %w", err)
		}
		q.StartDate = t
	}
	if dates.EndDate != "" {
		t, err := ParseDate(dates.EndDate)
		if err != nil {
			return fmt.Errorf("end_date: %w", err)
		}
		q.EndDate = t
	}
	return nil
}

// ParseDate parses a calendar date in DateLayout or an RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want %s or RFC 3339", s, DateLayout)
	}
	return t, nil
}

// ErrInvalid is returned by Validate for queries that cannot be sent.
var ErrInvalid = errors.New("invalid query")

// Validate checks the fields every request needs.
func (q Query) Validate() error {
	switch {
	case len(q.IDs) == 0:
		return fmt.Errorf("%w: at least one id is required", ErrInvalid)
	case len(q.Metrics) == 0:
		return fmt.Errorf("%w: at least one metric is required", ErrInvalid)
	case q.BaseURL == "":
		return fmt.Errorf("%w: base url is required", ErrInvalid)
	case q.StartIndex < 1:
		return fmt.Errorf("%w: start index must be >= 1 (got %d)", ErrInvalid, q.StartIndex)
	case q.MaxResults < 1:
		return fmt.Errorf("%w: max results must be >= 1 (got %d)", ErrInvalid, q.MaxResults)
	case q.EndDate.Before(q.StartDate):
		return fmt.Errorf("%w: end date %s is before start date %s", ErrInvalid,
			q.EndDate.Format(DateLayout), q.StartDate.Format(DateLayout))
	}
	return nil
}

// NormalizedIDs renders the ids as ga:xxxx,ga:yyyy.
func (q Query) NormalizedIDs() string {
	parts := make([]string, len(q.IDs))
	for i, id := range q.IDs {
		parts[i] = IDPrefix + id
	}
	return strings.Join(parts, ",")
}

// IdentityKey returns the key the remote quota is partitioned by.
func (q Query) IdentityKey() string {
	return q.UserIP
}

func (q Query) separator() string {
	if q.FiltersSeparator == "" {
		return DefaultSeparator
	}
	return q.FiltersSeparator
}

// params renders the request parameters using the given filter subset in
// place of q.Filters.
func (q Query) params(filters []string) url.Values {
	v := url.Values{}
	v.Set(ParamIDs, q.NormalizedIDs())
	v.Set(ParamAccessToken, q.AccessToken)
	v.Set(ParamMetrics, strings.Join(q.Metrics, ","))
	v.Set(ParamStartDate, q.StartDate.Format(DateLayout))
	v.Set(ParamEndDate, q.EndDate.Format(DateLayout))
	v.Set(ParamStartIndex, strconv.Itoa(q.StartIndex))
	v.Set(ParamMaxResults, strconv.Itoa(q.MaxResults))

	if q.QuotaUser != "" {
		v.Set(ParamQuotaUser, q.QuotaUser)
	}
	if q.UserIP != "" {
		v.Set(ParamUserIP, q.UserIP)
	}
	if q.Segment != "" {
		v.Set(ParamSegment, q.Segment)
	}
	if len(q.Dimensions) > 0 {
		v.Set(ParamDimensions, strings.Join(q.Dimensions, ","))
	}
	if len(q.Sorts) > 0 {
		v.Set(ParamSort, strings.Join(q.Sorts, ","))
	}
	if len(filters) > 0 {
		v.Set(ParamFilters, strings.Join(filters, q.separator()))
	}
	return v
}

// EncodedLength returns the length of the request URL q would produce when
// sent with the given filters.
func (q Query) EncodedLength(filters []string) int {
	return len(q.BaseURL) + 1 + len(q.params(filters).Encode())
}
