package pagination

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/ga-report-client/pkg/query"
	"github.com/Sternrassler/ga-report-client/pkg/report"
	"github.com/rs/zerolog"
)

// ErrStalled is returned when a continuation page does not advance the
// echoed start index, which would otherwise loop forever.
var ErrStalled = errors.New("pagination did not advance")

// PageFetcher fetches and decodes a single page.
type PageFetcher interface {
	FetchPage(ctx context.Context, params query.ParameterSet) (*report.Page, error)
}

// Visitor receives every fetched page in request order.
type Visitor func(ctx context.Context, page *report.Page) error

// Next returns the start index of the page following page and whether the
// result set continues past it.
func Next(page *report.Page) (int, bool) {
	if page.TotalResults >= page.Query.StartIndex*page.Query.MaxResults {
		return page.Query.StartIndex + 1, true
	}
	return 0, false
}

// Walker fetches a parameter set and all of its continuation pages.
type Walker struct {
	fetcher PageFetcher
	logger  zerolog.Logger
}

// NewWalker creates a walker fetching through fetcher.
func NewWalker(fetcher PageFetcher, logger zerolog.Logger) *Walker {
	return &Walker{
		fetcher: fetcher,
		logger:  logger,
	}
}

// Walk fetches params, then each continuation page while the result set
// continues, passing every page to visit. It returns the number of pages
// fetched.
func (w *Walker) Walk(ctx context.Context, params query.ParameterSet, visit Visitor) (int, error) {
	page, err := w.fetcher.FetchPage(ctx, params)
	if err != nil {
		return 0, err
	}
	if err := visit(ctx, page); err != nil {
		return 1, err
	}
	fetched := 1

	for {
		next, ok := Next(page)
		if !ok {
			break
		}

		w.logger.Debug().
			Int("start_index", next).
			Int("total_results", page.TotalResults).
			Int("max_results", page.Query.MaxResults).
			Msg("Fetching continuation page")

		prev := page.Query.StartIndex
		page, err = w.fetcher.FetchPage(ctx, params.WithStartIndex(next))
		if err != nil {
			return fetched, err
		}
		fetched++

		if page.Query.StartIndex <= prev {
			return fetched, fmt.Errorf("%w: requested start-index %d, response echoed %d",
				ErrStalled, next, page.Query.StartIndex)
		}

		if err := visit(ctx, page); err != nil {
			return fetched, err
		}
	}

	return fetched, nil
}
