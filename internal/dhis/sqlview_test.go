package dhis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/Mafende-III/metadata-dictionary-sub002/internal/cache"
)

// viewServer fakes a paginating SQL view endpoint.
func viewServer(t *testing.T, totalRows int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		if page < 1 {
			page = 1
		}

		start := (page - 1) * pageSize
		var rows [][]any
		for i := start; i < totalRows && i < start+pageSize; i++ {
			rows = append(rows, []any{fmt.Sprintf("uid%08d", i), fmt.Sprintf("Item %d", i)})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"listGrid": map[string]any{
				"headers": []any{map[string]any{"name": "uid"}, map[string]any{"name": "name"}},
				"rows":    rows,
			},
		})
	}))
}

func testExecutor(srv *httptest.Server, cfg ExecConfig) (*Executor, *Instance) {
	client := NewClient(Config{})
	exec := NewExecutor(client, cache.New[*Result](50, 1024*1024, nil), cfg, nil)
	return exec, &Instance{BaseURL: srv.URL, AuthHeader: BasicAuth("admin", "district")}
}

func TestExecuteAllPaginates(t *testing.T) {
	// WHAT: A view bigger than one page is fetched completely.
	// WHY: Pagination must continue while pages come back full.
	srv := viewServer(t, 25)
	defer srv.Close()

	exec, inst := testExecutor(srv, ExecConfig{PageSize: 10})
	res, err := exec.ExecuteAll(context.Background(), inst, "view1", nil, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.RowCount != 25 {
		t.Errorf("rows: got %d, want 25", res.RowCount)
	}
	if len(res.Headers) != 2 {
		t.Errorf("headers: got %v", res.Headers)
	}
}

func TestExecuteAllStopsAtSafetyCap(t *testing.T) {
	// WHAT: A server that always returns a full page terminates at MaxPages.
	// WHY: Termination must be guaranteed against mis-paginating sources.
	pages := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages++
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		rows := make([][]any, pageSize)
		for i := range rows {
			rows[i] = []any{"x"}
		}
		json.NewEncoder(w).Encode(map[string]any{"headers": []any{"v"}, "rows": rows})
	}))
	defer srv.Close()

	exec, inst := testExecutor(srv, ExecConfig{PageSize: 5, MaxPages: 4})
	res, err := exec.ExecuteAll(context.Background(), inst, "runaway", nil, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if pages != 4 {
		t.Errorf("pages fetched: got %d, want 4", pages)
	}
	if res.RowCount != 20 {
		t.Errorf("rows: got %d, want 20", res.RowCount)
	}
}

func TestPreviewCapsRows(t *testing.T) {
	// WHAT: Preview never returns more than PreviewRows and never paginates.
	srv := viewServer(t, 500)
	defer srv.Close()

	exec, inst := testExecutor(srv, ExecConfig{PreviewRows: 100})
	res, err := exec.Preview(context.Background(), inst, "view1", nil)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if res.RowCount != 100 {
		t.Errorf("rows: got %d, want 100", res.RowCount)
	}
}

func TestUpstreamErrorCarriesStatus(t *testing.T) {
	// WHAT: A non-2xx response surfaces as a typed UpstreamError.
	// WHY: The HTTP layer maps these to 502 with diagnostics attached.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "view not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	exec, inst := testExecutor(srv, ExecConfig{})
	_, err := exec.Preview(context.Background(), inst, "missing", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsUpstream(err) {
		t.Fatalf("expected UpstreamError, got %T: %v", err, err)
	}
}

func TestExecuteAllServesCache(t *testing.T) {
	// WHAT: A repeated execution is served from cache without a remote call.
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"headers": []any{"v"}, "rows": [][]any{{"a"}}})
	}))
	defer srv.Close()

	exec, inst := testExecutor(srv, ExecConfig{})
	ctx := context.Background()
	if _, err := exec.ExecuteAll(ctx, inst, "v1", map[string]string{"ou": "abc"}, false); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := exec.ExecuteAll(ctx, inst, "v1", map[string]string{"ou": "abc"}, false); err != nil {
		t.Fatalf("second: %v", err)
	}
	if calls != 1 {
		t.Errorf("remote calls: got %d, want 1", calls)
	}

	// Bypass forces a refetch.
	if _, err := exec.ExecuteAll(ctx, inst, "v1", map[string]string{"ou": "abc"}, true); err != nil {
		t.Fatalf("bypass: %v", err)
	}
	if calls != 2 {
		t.Errorf("remote calls after bypass: got %d, want 2", calls)
	}
}

func TestStaleFallbackAfterUpstreamFailure(t *testing.T) {
	// WHAT: When the fetch fails upstream and a cached result landed in the
	// meantime, the cached result is served with a warning, not an error.
	// WHY: The cache is shared; another caller can refresh the entry between
	// our miss and our failing fetch. Stale-with-warning beats a hard error
	// for full executions.
	c := cache.New[*Result](50, 1024*1024, nil)
	stale := &Result{Headers: []string{"v"}, Rows: [][]any{{"a"}}, RowCount: 1}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Set(cacheKey("v1", nil), stale)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	exec := NewExecutor(NewClient(Config{}), c, ExecConfig{}, nil)
	inst := &Instance{BaseURL: srv.URL, AuthHeader: BasicAuth("admin", "district")}
	res, err := exec.ExecuteAll(context.Background(), inst, "v1", nil, false)
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if res.RowCount != 1 {
		t.Errorf("stale rows: got %d, want 1", res.RowCount)
	}
}

func TestBypassRefusesStaleFallback(t *testing.T) {
	// WHAT: A cache-bypassing execution surfaces the upstream failure even
	// though a usable cached result exists for the same key.
	// WHY: Reprocessing promises a re-read of the source; completing it from
	// cache would hide that the source is down.
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"headers": []any{"v"}, "rows": [][]any{{"a"}}})
	}))
	defer srv.Close()

	exec, inst := testExecutor(srv, ExecConfig{})
	ctx := context.Background()
	if _, err := exec.ExecuteAll(ctx, inst, "v1", nil, false); err != nil {
		t.Fatalf("warm: %v", err)
	}

	healthy = false
	_, err := exec.ExecuteAll(ctx, inst, "v1", nil, true)
	if err == nil {
		t.Fatal("expected upstream error, got stale result")
	}
	if !IsUpstream(err) {
		t.Fatalf("expected UpstreamError, got %T: %v", err, err)
	}
}

func TestCancellationNotMaskedByCache(t *testing.T) {
	// WHAT: A cancelled context surfaces as context.Canceled even when the
	// cache holds a result for the key.
	srv := viewServer(t, 1)
	defer srv.Close()

	exec, inst := testExecutor(srv, ExecConfig{})
	if _, err := exec.ExecuteAll(context.Background(), inst, "v1", nil, false); err != nil {
		t.Fatalf("warm: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.ExecuteAll(ctx, inst, "v1", nil, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
