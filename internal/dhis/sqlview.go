package dhis

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Mafende-III/metadata-dictionary-sub002/internal/cache"
)

// Result is a normalized SQL view response: uniform headers and row grid
// regardless of the shape the remote returned.
type Result struct {
	Headers   []string `json:"headers"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	ElapsedMs int64    `json:"elapsed_ms"`
}

// ExecConfig bounds SQL view execution.
type ExecConfig struct {
	PageSize    int // rows requested per page. Default: 500.
	MaxPages    int // safety cap against mis-paginating servers. Default: 50.
	PreviewRows int // row cap in preview mode. Default: 100.
}

func (c *ExecConfig) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.PreviewRows <= 0 {
		c.PreviewRows = 100
	}
}

// Executor runs SQL views against an instance, serving repeats from cache.
type Executor struct {
	client *Client
	cache  *cache.Cache[*Result]
	config ExecConfig
	logger *slog.Logger
}

// NewExecutor creates an Executor. The cache may be nil to disable caching.
func NewExecutor(client *Client, c *cache.Cache[*Result], cfg ExecConfig, logger *slog.Logger) *Executor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{client: client, cache: c, config: cfg, logger: logger}
}

// Preview fetches a single bounded page of a SQL view. Upstream failures
// propagate: a preview must never silently show stale data.
func (e *Executor) Preview(ctx context.Context, inst *Instance, viewID string, params map[string]string) (*Result, error) {
	key := cacheKey(viewID, params) + "|preview"
	if e.cache != nil {
		if res, ok := e.cache.Get(key); ok {
			return res, nil
		}
	}

	start := time.Now()
	headers, rows, err := e.fetchPage(ctx, inst, viewID, params, 1, e.config.PreviewRows)
	if err != nil {
		return nil, err
	}
	if len(rows) > e.config.PreviewRows {
		rows = rows[:e.config.PreviewRows]
	}

	res := &Result{
		Headers:   headers,
		Rows:      rows,
		RowCount:  len(rows),
		ElapsedMs: time.Since(start).Milliseconds(),
	}
	if e.cache != nil {
		e.cache.Set(key, res)
	}
	return res, nil
}

// PageFunc receives one fetched page. Returning an error stops pagination.
type PageFunc func(headers []string, rows [][]any) error

// Stream fetches a SQL view page by page, handing each page to fn as it
// arrives. Pagination continues while the previous page came back full, and
// stops on a short page, an empty page, or the MaxPages safety cap. A
// mid-pagination upstream failure is fatal: resuming after a lost page
// would corrupt row order. Results are not cached since streaming callers
// want the live source.
func (e *Executor) Stream(ctx context.Context, inst *Instance, viewID string, params map[string]string, fn PageFunc) error {
	for page := 1; page <= e.config.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		headers, rows, err := e.fetchPage(ctx, inst, viewID, params, page, e.config.PageSize)
		if err != nil {
			return fmt.Errorf("dhis: sql view %s page %d: %w", viewID, page, err)
		}

		if err := fn(headers, rows); err != nil {
			return err
		}

		if len(rows) < e.config.PageSize {
			return nil
		}
		if page == e.config.MaxPages {
			e.logger.Warn("dhis: page safety cap reached", "view", viewID, "pages", page)
		}
	}
	return nil
}

// ExecuteAll fetches every page of a SQL view into one Result. If an
// upstream failure interrupts a cache-willing call and a cached value
// exists, the stale value is returned with a warning rather than an error.
// Bypassing callers asked for a fresh read, so for them every failure is
// fatal, as is a cancelled context for everyone.
func (e *Executor) ExecuteAll(ctx context.Context, inst *Instance, viewID string, params map[string]string, bypassCache bool) (*Result, error) {
	key := cacheKey(viewID, params)
	if e.cache != nil && !bypassCache {
		if res, ok := e.cache.Get(key); ok {
			return res, nil
		}
	}

	start := time.Now()
	var headers []string
	var rows [][]any

	err := e.Stream(ctx, inst, viewID, params, func(h []string, pageRows [][]any) error {
		if len(headers) == 0 {
			headers = h
		}
		rows = append(rows, pageRows...)
		return nil
	})
	if err != nil {
		if e.cache != nil && !bypassCache && IsUpstream(err) {
			if res, ok := e.cache.Get(key); ok {
				e.logger.Warn("dhis: serving stale cached result after upstream failure",
					"view", viewID, "error", err)
				return res, nil
			}
		}
		return nil, err
	}

	res := &Result{
		Headers:   headers,
		Rows:      rows,
		RowCount:  len(rows),
		ElapsedMs: time.Since(start).Milliseconds(),
	}
	if e.cache != nil {
		e.cache.Set(key, res)
	}
	return res, nil
}

// fetchPage requests one page and normalizes whatever shape came back.
func (e *Executor) fetchPage(ctx context.Context, inst *Instance, viewID string, params map[string]string, page, pageSize int) ([]string, [][]any, error) {
	raw, err := e.client.GetJSON(ctx, inst, sqlViewURL(inst.BaseURL, viewID, params, page, pageSize))
	if err != nil {
		return nil, nil, err
	}
	return Normalize(raw)
}

// sqlViewURL builds the data URL for a SQL view, encoding params as
// DHIS2 var=key:value pairs.
func sqlViewURL(base, viewID string, params map[string]string, page, pageSize int) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteString("/api/sqlViews/")
	b.WriteString(url.PathEscape(viewID))
	b.WriteString("/data.json?page=")
	fmt.Fprintf(&b, "%d&pageSize=%d", page, pageSize)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("&var=")
		b.WriteString(url.QueryEscape(k + ":" + params[k]))
	}
	return b.String()
}

// cacheKey derives a stable cache key from view id and parameters.
func cacheKey(viewID string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("view:")
	b.WriteString(viewID)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(params[k])
	}
	return b.String()
}
