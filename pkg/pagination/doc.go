// Package pagination collects every item of a cursor-paginated identity API
// collection.
//
// The identity API pages collections with opaque cursors: each page carries a
// Link header with rel="next" pointing at the following page, and the last
// page has none. Pages are fetched one after another through the scheduler,
// so pagination competes fairly with other callers and respects the rate
// limit.
//
// Example usage:
//
//	p := pagination.NewCursorPaginator(sched, pagination.DefaultConfig())
//	users, err := p.FetchAll(ctx, "/api/v1/users", func(loaded, page int) {
//		fmt.Printf("page %d, %d users so far\n", page, loaded)
//	})
//
// The paginator:
//   - Follows rel="next" links until none is left
//   - Reports progress after every page
//   - Returns no partial data: any failed page fails the whole fetch
//   - Stops on a repeated next link or after MaxPages pages
package pagination
