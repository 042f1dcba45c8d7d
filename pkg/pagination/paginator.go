package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
	"github.com/Sternrassler/idm-request-scheduler/pkg/transport"
	"github.com/rs/zerolog/log"
	"github.com/tomnomnom/linkheader"
)

var (
	// ErrPageLimit is returned when a collection exceeds Config.MaxPages.
	ErrPageLimit = errors.New("page limit reached")

	// ErrCursorLoop is returned when a next link points at a page already fetched.
	ErrCursorLoop = errors.New("repeated next link")
)

// Config holds paginator configuration.
type Config struct {
	// Priority of every page request.
	Priority scheduler.Priority

	// Origin tags page requests in logs and metrics.
	Origin string

	// PageSize is sent as limit= on the first request. 0 keeps the server default.
	PageSize int

	// MaxPages guards against endless cursors.
	MaxPages int
}

// DefaultConfig returns safe default configuration.
func DefaultConfig() Config {
	return Config{
		Priority: scheduler.PriorityNormal,
		Origin:   "pagination",
		MaxPages: 10000,
	}
}

// Scheduler is the part of the scheduler the paginator needs.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.Request) (*transport.Response, error)
}

// ProgressFunc is called after every page with the number of items loaded so
// far and the 1-based page number.
type ProgressFunc func(loaded, page int)

// CursorPaginator fetches all pages of a collection.
type CursorPaginator struct {
	sched  Scheduler
	config Config
}

// NewCursorPaginator creates a new paginator.
func NewCursorPaginator(sched Scheduler, config Config) *CursorPaginator {
	if config.MaxPages <= 0 {
		config.MaxPages = 10000
	}
	if config.Priority == "" {
		config.Priority = scheduler.PriorityNormal
	}
	return &CursorPaginator{sched: sched, config: config}
}

// FetchAll returns every item of the collection at endpoint, in page order.
// progress may be nil.
func (p *CursorPaginator) FetchAll(ctx context.Context, endpoint string, progress ProgressFunc) ([]json.RawMessage, error) {
	start := time.Now()

	next, err := p.firstPage(endpoint)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	seen := make(map[string]bool)
	page := 0

	for next != "" {
		if page >= p.config.MaxPages {
			return nil, fmt.Errorf("fetch %s: %w (%d pages)", endpoint, ErrPageLimit, p.config.MaxPages)
		}
		if seen[next] {
			return nil, fmt.Errorf("fetch %s: %w %q", endpoint, ErrCursorLoop, next)
		}
		seen[next] = true
		page++

		resp, err := p.sched.Schedule(ctx, scheduler.Request{
			Endpoint: next,
			Method:   http.MethodGet,
			Priority: p.config.Priority,
			Origin:   p.config.Origin,
		})
		if err != nil {
			log.Warn().
				Err(err).
				Str("endpoint", endpoint).
				Int("page", page).
				Msg("Page fetch failed")
			return nil, fmt.Errorf("fetch page %d of %s: %w", page, endpoint, err)
		}

		pageItems, err := decodePage(resp.Data)
		if err != nil {
			return nil, fmt.Errorf("decode page %d of %s: %w", page, endpoint, err)
		}
		items = append(items, pageItems...)

		if progress != nil {
			progress(len(items), page)
		}
		log.Debug().
			Str("endpoint", endpoint).
			Int("page", page).
			Int("loaded", len(items)).
			Msg("Page fetched")

		next = NextLink(resp.Headers)
	}

	log.Info().
		Str("endpoint", endpoint).
		Int("pages", page).
		Int("items", len(items)).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return items, nil
}

// firstPage applies the configured page size to the initial endpoint.
func (p *CursorPaginator) firstPage(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	if p.config.PageSize <= 0 {
		return endpoint, nil
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	if q.Get("limit") == "" {
		q.Set("limit", strconv.Itoa(p.config.PageSize))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// decodePage splits a page body into its items. An empty body is an empty page.
func decodePage(data json.RawMessage) ([]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("page is not a JSON array: %w", err)
	}
	return items, nil
}

// NextLink returns the rel="next" target of the response's Link headers, or
// "" on the last page.
func NextLink(h http.Header) string {
	links := linkheader.ParseMultiple(h.Values("Link")).FilterByRel("next")
	if len(links) == 0 {
		return ""
	}
	return links[0].URL
}

// FetchAllAs fetches every item and decodes each into T.
func FetchAllAs[T any](ctx context.Context, p *CursorPaginator, endpoint string, progress ProgressFunc) ([]T, error) {
	raw, err := p.FetchAll(ctx, endpoint, progress)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(raw))
	for i, item := range raw {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("decode item %d of %s: %w", i, endpoint, err)
		}
		out = append(out, v)
	}
	return out, nil
}
