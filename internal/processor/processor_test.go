package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mafende-III/metadata-dictionary-sub002/internal/cache"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/dhis"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/mapper"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := store.ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// uidFor builds a valid 11-char identifier from an index.
func uidFor(i int) string {
	return "deUID" + "000000"[:6-len(strconv.Itoa(i))] + strconv.Itoa(i)
}

// gridHandler serves rows through the paginated listGrid shape. Rows
// without a valid identifier can be injected via badRows indices.
func gridHandler(totalRows int, badRows map[int]bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
		if page < 1 {
			page = 1
		}

		start := (page - 1) * pageSize
		rows := [][]any{}
		for i := start; i < totalRows && i < start+pageSize; i++ {
			uid := uidFor(i)
			if badRows[i] {
				uid = "not-a-uid"
			}
			rows = append(rows, []any{uid, "Element " + strconv.Itoa(i)})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"listGrid": map[string]any{
				"headers": []any{
					map[string]any{"name": "DATA_ELEMENT_ID"},
					map[string]any{"name": "DATA_ELEMENT_NAME"},
				},
				"rows": rows,
			},
		})
	}
}

func newCoordinator(t *testing.T, db *sql.DB, srvURL string, pageSize int) (*Coordinator, *store.Store) {
	t.Helper()
	st := store.NewStore(db)
	ctx := context.Background()

	if err := st.InsertInstance(ctx, &store.Instance{
		ID: "inst-1", Name: "Test", BaseURL: srvURL, SealedCreds: "sealed",
	}); err != nil {
		t.Fatalf("insert instance: %v", err)
	}

	resolve := func(ctx context.Context, instanceID string) (*dhis.Instance, error) {
		inst, err := st.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		return &dhis.Instance{ID: inst.ID, BaseURL: inst.BaseURL, AuthHeader: dhis.BasicAuth("u", "p")}, nil
	}

	client := dhis.NewClient(dhis.Config{Timeout: 5 * time.Second})
	exec := dhis.NewExecutor(client, cache.New[*dhis.Result](20, 1024*1024, nil), dhis.ExecConfig{PageSize: pageSize}, nil)
	coord := New(st, exec, resolve, NewRegistry(), Config{}, nil)
	return coord, st
}

func seedDictionary(t *testing.T, st *store.Store, method string) {
	t.Helper()
	err := st.InsertDictionary(context.Background(), &store.Dictionary{
		ID:               "dict-1",
		Name:             "ANC Elements",
		InstanceID:       "inst-1",
		MetadataType:     mapper.TypeElement,
		SQLViewID:        "view0000001",
		ProcessingMethod: method,
	})
	if err != nil {
		t.Fatalf("insert dictionary: %v", err)
	}
}

func waitDone(t *testing.T, coord *Coordinator, dictID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for coord.IsProcessing(dictID) {
		if time.Now().After(deadline) {
			t.Fatal("job did not finish in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartPersistsAllRows(t *testing.T) {
	// WHAT: A clean run persists every row and finalizes the dictionary.
	// WHY: The happy path: generating → active with recomputed stats.
	srv := httptest.NewServer(gridHandler(5, nil))
	defer srv.Close()

	db := openTestDB(t)
	coord, st := newCoordinator(t, db, srv.URL, 10)
	seedDictionary(t, st, store.MethodBatch)

	if err := coord.Start(context.Background(), "dict-1", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, coord, "dict-1")

	ctx := context.Background()
	dict, err := st.GetDictionary(ctx, "dict-1")
	if err != nil {
		t.Fatalf("get dictionary: %v", err)
	}
	if dict.Status != store.StatusActive {
		t.Errorf("status: got %q, want active (message: %s)", dict.Status, dict.ErrorMessage)
	}
	if dict.VariableCount != 5 {
		t.Errorf("variable count: got %d, want 5", dict.VariableCount)
	}
	if dict.SuccessRate != 100 {
		t.Errorf("success rate: got %f, want 100", dict.SuccessRate)
	}
	if dict.QualityAverage < 0 || dict.QualityAverage > 100 {
		t.Errorf("quality average out of range: %f", dict.QualityAverage)
	}
	if dict.ProcessingTimeMs < 0 {
		t.Errorf("processing time: %d", dict.ProcessingTimeMs)
	}

	vars, _ := st.ListVariables(ctx, "dict-1")
	if len(vars) != 5 {
		t.Fatalf("variables: got %d, want 5", len(vars))
	}
	if vars[0].AnalyticsURL == "" || vars[0].MetadataURL == "" || vars[0].WebUIURL == "" {
		t.Errorf("derived urls missing: %+v", vars[0])
	}
	if vars[0].DataValuesURL == "" {
		t.Error("element type should carry a data-values url")
	}
}

func TestStartConflict(t *testing.T) {
	// WHAT: A second start while the first runs gets ErrJobRunning.
	// WHY: At most one live job per dictionary id.
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		gridHandler(2, nil)(w, r)
	}))
	defer srv.Close()

	db := openTestDB(t)
	coord, st := newCoordinator(t, db, srv.URL, 10)
	seedDictionary(t, st, store.MethodBatch)

	if err := coord.Start(context.Background(), "dict-1", Options{}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	<-entered

	if err := coord.Start(context.Background(), "dict-1", Options{}); !errors.Is(err, ErrJobRunning) {
		t.Errorf("second start: got %v, want ErrJobRunning", err)
	}
	if !coord.IsProcessing("dict-1") {
		t.Error("job should be live")
	}
	if active := coord.ListActive(); len(active) != 1 || active[0] != "dict-1" {
		t.Errorf("active: got %v", active)
	}

	close(release)
	waitDone(t, coord, "dict-1")
}

func TestRowFailureDoesNotAbort(t *testing.T) {
	// WHAT: One unmappable row is counted as failed; the loop continues.
	// WHY: Row-level errors are recovered locally, never job-fatal.
	srv := httptest.NewServer(gridHandler(3, map[int]bool{1: true}))
	defer srv.Close()

	db := openTestDB(t)
	coord, st := newCoordinator(t, db, srv.URL, 10)
	seedDictionary(t, st, store.MethodBatch)

	if err := coord.Start(context.Background(), "dict-1", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, coord, "dict-1")

	ctx := context.Background()
	dict, _ := st.GetDictionary(ctx, "dict-1")
	if dict.Status != store.StatusActive {
		t.Errorf("status: got %q, want active", dict.Status)
	}
	if dict.VariableCount != 2 {
		t.Errorf("variables: got %d, want 2", dict.VariableCount)
	}
	wantRate := 66.7
	if dict.SuccessRate < wantRate-0.1 || dict.SuccessRate > wantRate+0.1 {
		t.Errorf("success rate: got %f, want ~%f", dict.SuccessRate, wantRate)
	}
	if dict.ErrorMessage == "" {
		t.Error("error summary should mention the failed row")
	}
}

func TestAllRowsFailingMarksError(t *testing.T) {
	// WHAT: Zero successes finalize the dictionary as error.
	srv := httptest.NewServer(gridHandler(2, map[int]bool{0: true, 1: true}))
	defer srv.Close()

	db := openTestDB(t)
	coord, st := newCoordinator(t, db, srv.URL, 10)
	seedDictionary(t, st, store.MethodBatch)

	if err := coord.Start(context.Background(), "dict-1", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, coord, "dict-1")

	dict, _ := st.GetDictionary(context.Background(), "dict-1")
	if dict.Status != store.StatusError {
		t.Errorf("status: got %q, want error", dict.Status)
	}
	if dict.SuccessRate != 0 {
		t.Errorf("success rate: got %f, want 0", dict.SuccessRate)
	}
}

func TestCancelMidJob(t *testing.T) {
	// WHAT: Cancelling after the first page leaves its rows persisted and
	// marks the dictionary error with a cancellation message.
	// WHY: Cancellation is cooperative: already-persisted variables stay.
	pageTwo := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			select {
			case pageTwo <- struct{}{}:
			default:
			}
			<-r.Context().Done() // block until the job's fetch is cancelled
			return
		}
		gridHandler(10, nil)(w, r)
	}))
	defer srv.Close()

	db := openTestDB(t)
	coord, st := newCoordinator(t, db, srv.URL, 3)
	seedDictionary(t, st, store.MethodBatch)

	if err := coord.Start(context.Background(), "dict-1", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-pageTwo
	if !coord.Cancel("dict-1") {
		t.Fatal("cancel should find the live job")
	}
	waitDone(t, coord, "dict-1")

	ctx := context.Background()
	n, _ := st.CountVariables(ctx, "dict-1")
	if n != 3 {
		t.Errorf("persisted variables: got %d, want 3 (first page)", n)
	}
	dict, _ := st.GetDictionary(ctx, "dict-1")
	if dict.Status != store.StatusError {
		t.Errorf("status: got %q, want error", dict.Status)
	}
	if dict.ErrorMessage != "processing cancelled by user" {
		t.Errorf("message: got %q", dict.ErrorMessage)
	}
}

func TestCancelWithoutJob(t *testing.T) {
	db := openTestDB(t)
	coord, _ := newCoordinator(t, db, "http://unused", 10)
	if coord.Cancel("dict-1") {
		t.Error("cancel with no job should return false")
	}
}

func TestStartUnknownDictionary(t *testing.T) {
	db := openTestDB(t)
	coord, _ := newCoordinator(t, db, "http://unused", 10)
	err := coord.Start(context.Background(), "missing", Options{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReprocessIsIdempotent(t *testing.T) {
	// WHAT: Reprocessing the same source yields the same variable set and
	// the same quality average.
	// WHY: (dictionary, uid) upserts must not duplicate or drift.
	srv := httptest.NewServer(gridHandler(4, nil))
	defer srv.Close()

	db := openTestDB(t)
	coord, st := newCoordinator(t, db, srv.URL, 10)
	seedDictionary(t, st, store.MethodBatch)

	ctx := context.Background()
	if err := coord.Start(ctx, "dict-1", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, coord, "dict-1")
	first, _ := st.GetDictionary(ctx, "dict-1")

	if err := coord.Reprocess(ctx, "dict-1", Options{}); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	waitDone(t, coord, "dict-1")
	second, _ := st.GetDictionary(ctx, "dict-1")

	if second.VariableCount != first.VariableCount {
		t.Errorf("variable count drifted: %d → %d", first.VariableCount, second.VariableCount)
	}
	if second.QualityAverage != first.QualityAverage {
		t.Errorf("quality average drifted: %f → %f", first.QualityAverage, second.QualityAverage)
	}
	if second.Status != store.StatusActive {
		t.Errorf("status: got %q", second.Status)
	}
}

func TestIndividualMethodUsesEnrichedScore(t *testing.T) {
	// WHAT: The individual method scores via the weighted heuristic.
	// WHY: Unique identifiers and complete rows should band high.
	srv := httptest.NewServer(gridHandler(4, nil))
	defer srv.Close()

	db := openTestDB(t)
	coord, st := newCoordinator(t, db, srv.URL, 10)
	seedDictionary(t, st, store.MethodIndividual)

	if err := coord.Start(context.Background(), "dict-1", Options{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, coord, "dict-1")

	vars, _ := st.ListVariables(context.Background(), "dict-1")
	if len(vars) != 4 {
		t.Fatalf("variables: got %d", len(vars))
	}
	// Fully distinct uids (+30) and fully complete rows (+40), no code
	// field: expect exactly 70 for every variable.
	for _, v := range vars {
		if v.QualityScore != 70 {
			t.Errorf("variable %s: score %d, want 70", v.UID, v.QualityScore)
		}
	}
}
