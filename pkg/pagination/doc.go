// Package pagination follows the continuation pages of a reporting result set.
//
// The reporting API returns at most max-results rows per response and echoes
// the requested start-index and max-results in the response's query field.
// A result set continues while
//
//	totalResults >= start-index * max-results
//
// holding for the page just received, in which case the same parameters are
// requested again with start-index advanced by one.
//
// Example usage:
//
//	walker := pagination.NewWalker(fetcher, logger)
//	_, err := walker.Walk(ctx, params, func(ctx context.Context, page *report.Page) error {
//		pages = append(pages, page)
//		return nil
//	})
//
// Pages are fetched strictly one after another and handed to the visitor in
// request order. The visitor runs after every page, which is where the caller
// does its quota bookkeeping; a visitor error stops the walk.
package pagination
