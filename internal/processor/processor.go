// Package processor runs dictionary generation jobs: fetch the SQL view,
// map every row into a variable, persist as it goes, and write the final
// dictionary stats. At most one job runs per dictionary id.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mafende-III/metadata-dictionary-sub002/internal/dhis"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/mapper"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/store"
)

// InstanceResolver supplies an authenticated handle for a stored instance
// id. Implemented by the credential layer; returns dhis.ErrNoCredentials
// when the instance cannot be unsealed.
type InstanceResolver func(ctx context.Context, instanceID string) (*dhis.Instance, error)

// Options tune one generation run.
type Options struct {
	// Params are passed to the SQL view as variables.
	Params map[string]string
	// BypassCache forces a fresh fetch (always set for reprocessing).
	BypassCache bool
}

// Config bounds the coordinator.
type Config struct {
	// MaxErrorMessages caps the recorded per-row error list. Default: 10.
	MaxErrorMessages int
}

func (c *Config) defaults() {
	if c.MaxErrorMessages <= 0 {
		c.MaxErrorMessages = 10
	}
}

// Coordinator is the job state machine.
type Coordinator struct {
	store    *store.Store
	exec     *dhis.Executor
	resolve  InstanceResolver
	registry *Registry
	config   Config
	logger   *slog.Logger
}

// New creates a Coordinator. The registry is injected so the HTTP layer can
// observe it directly.
func New(st *store.Store, exec *dhis.Executor, resolve InstanceResolver, reg *Registry, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    st,
		exec:     exec,
		resolve:  resolve,
		registry: reg,
		config:   cfg,
		logger:   logger,
	}
}

// Start launches a generation job for the dictionary. Returns ErrJobRunning
// when one is already registered, store.ErrNotFound when the dictionary
// does not exist. The row loop runs detached; callers poll for progress.
func (c *Coordinator) Start(ctx context.Context, dictionaryID string, opts Options) error {
	return c.launch(ctx, dictionaryID, opts, false)
}

// Reprocess re-runs the full fetch→map→persist cycle, upserting variables.
// Same conflict semantics as Start; the cache is always bypassed so the
// remote source is re-read.
func (c *Coordinator) Reprocess(ctx context.Context, dictionaryID string, opts Options) error {
	opts.BypassCache = true
	return c.launch(ctx, dictionaryID, opts, true)
}

func (c *Coordinator) launch(ctx context.Context, dictionaryID string, opts Options, reprocess bool) error {
	dict, err := c.store.GetDictionary(ctx, dictionaryID)
	if err != nil {
		return err
	}

	// Job context is detached from the request: the loop outlives the
	// HTTP call that started it.
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job, err := c.registry.register(dictionaryID, cancel)
	if err != nil {
		cancel()
		return err
	}

	if reprocess {
		if err := c.store.MarkGenerating(ctx, dictionaryID); err != nil {
			c.registry.remove(dictionaryID)
			cancel()
			return err
		}
	}

	go c.run(jobCtx, job, dict, opts)
	return nil
}

// Cancel flags the running job for the dictionary, if any.
func (c *Coordinator) Cancel(dictionaryID string) bool {
	return c.registry.Cancel(dictionaryID)
}

// IsProcessing reports whether a job is live for the dictionary.
func (c *Coordinator) IsProcessing(dictionaryID string) bool {
	return c.registry.IsProcessing(dictionaryID)
}

// ListActive returns the ids of all dictionaries with live jobs.
func (c *Coordinator) ListActive() []string {
	return c.registry.Active()
}

// run is the processing loop. Row-level failures never abort it; only an
// upstream fetch failure (cannot safely resume mid-pagination) or
// cancellation ends it early.
func (c *Coordinator) run(ctx context.Context, job *Job, dict *store.Dictionary, opts Options) {
	defer c.registry.remove(dict.ID)

	inst, err := c.resolve(ctx, dict.InstanceID)
	if err != nil {
		c.finalize(dict.ID, job, fmt.Sprintf("instance %s: %v", dict.InstanceID, err), false)
		return
	}

	params := make(map[string]string, len(opts.Params)+1)
	for k, v := range opts.Params {
		params[k] = v
	}
	if dict.GroupFilter != "" {
		params["groupId"] = dict.GroupFilter
	}

	var rowErrors []string
	recordError := func(msg string) {
		if len(rowErrors) < c.config.MaxErrorMessages {
			rowErrors = append(rowErrors, msg)
		}
	}

	var columns []string
	rowIndex := 0
	uidDistinct := 0.0

	processRows := func(rows []map[string]any) error {
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			rowIndex++
			job.attempted.Add(1)

			cand, err := mapper.MapRow(row, columns)
			if err != nil {
				job.failed.Add(1)
				recordError(fmt.Sprintf("row %d: %v", rowIndex, err))
				continue
			}

			v, err := c.buildVariable(dict, inst, cand, uidDistinct)
			if err != nil {
				job.failed.Add(1)
				recordError(fmt.Sprintf("row %d (%s): %v", rowIndex, cand.UID, err))
				continue
			}

			if err := c.store.UpsertVariable(ctx, v); err != nil {
				job.failed.Add(1)
				recordError(fmt.Sprintf("row %d (%s): persist: %v", rowIndex, cand.UID, err))
				continue
			}
			job.succeeded.Add(1)
		}
		return nil
	}

	if dict.ProcessingMethod == store.MethodIndividual {
		// Enriched scoring needs the whole identifier column for its
		// uniqueness band, so the individual method materializes the full
		// result before mapping.
		res, err := c.exec.ExecuteAll(ctx, inst, dict.SQLViewID, params, opts.BypassCache)
		if err == nil {
			rows := mapper.RowsToMaps(res.Headers, res.Rows)
			columns = res.Headers
			if len(columns) == 0 {
				columns = mapper.DetectColumns(rows)
			}
			uidDistinct = identifierDistinctRatio(rows, columns)
			err = processRows(rows)
		}
		if err != nil {
			c.finishEarly(ctx, dict.ID, job, err)
			return
		}
	} else {
		err := c.exec.Stream(ctx, inst, dict.SQLViewID, params, func(headers []string, pageRows [][]any) error {
			rows := mapper.RowsToMaps(headers, pageRows)
			if len(columns) == 0 {
				columns = headers
				if len(columns) == 0 {
					columns = mapper.DetectColumns(rows)
				}
			}
			return processRows(rows)
		})
		if err != nil {
			c.finishEarly(ctx, dict.ID, job, err)
			return
		}
	}

	var summary string
	if n := len(rowErrors); n > 0 {
		summary = fmt.Sprintf("%d of %d rows failed; first errors: %s",
			job.failed.Load(), job.attempted.Load(), strings.Join(rowErrors, "; "))
	}
	c.finalize(dict.ID, job, summary, false)
}

// finishEarly distinguishes a cooperative cancellation from an upstream
// failure; both end the job, but with different terminal messages.
func (c *Coordinator) finishEarly(ctx context.Context, dictionaryID string, job *Job, err error) {
	if ctx.Err() != nil {
		c.logger.Info("processor: job cancelled", "dictionary", dictionaryID,
			"persisted", job.succeeded.Load())
		c.finalize(dictionaryID, job, "processing cancelled by user", true)
		return
	}
	c.finalize(dictionaryID, job, fmt.Sprintf("sql view fetch failed: %v", err), false)
}

// buildVariable assembles a persistable variable from a mapped candidate.
func (c *Coordinator) buildVariable(dict *store.Dictionary, inst *dhis.Instance, cand *mapper.Candidate, uidDistinct float64) (*store.Variable, error) {
	urls, err := mapper.DeriveURLs(cand.UID, dict.MetadataType, inst.BaseURL)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(cand.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	score := cand.QualityScore
	if dict.ProcessingMethod == store.MethodIndividual {
		score = mapper.EnrichedScore(mapper.Enrichment{
			CompletenessRatio: mapper.CompletenessRatio(cand.Payload),
			HasCode:           hasCode(cand.Payload),
			DistinctRatio:     uidDistinct,
		})
	}

	return &store.Variable{
		ID:            uuid.New().String(),
		DictionaryID:  dict.ID,
		UID:           cand.UID,
		Name:          cand.Name,
		MetadataType:  dict.MetadataType,
		QualityScore:  score,
		Status:        store.VarStatusSuccess,
		PayloadJSON:   string(payload),
		AnalyticsURL:  urls.Analytics,
		MetadataURL:   urls.Metadata,
		DataValuesURL: urls.DataValues,
		WebUIURL:      urls.WebUI,
		ExportURL:     urls.Export,
	}, nil
}

// finalize recomputes dictionary-level stats from what was actually
// persisted and writes the terminal status. A failed status write leaves
// the dictionary in its prior state; that inconsistency is logged, not
// fatal.
func (c *Coordinator) finalize(dictionaryID string, job *Job, errorMessage string, cancelled bool) {
	// Fresh context: finalize must run even after cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	succeeded := job.succeeded.Load()
	failed := job.failed.Load()

	successRate := 0.0
	if total := succeeded + failed; total > 0 {
		successRate = round1(100 * float64(succeeded) / float64(total))
	}

	count, err := c.store.CountVariables(ctx, dictionaryID)
	if err != nil {
		c.logger.Error("processor: count variables", "dictionary", dictionaryID, "error", err)
	}
	avg, err := c.store.QualityAverage(ctx, dictionaryID)
	if err != nil {
		c.logger.Error("processor: quality average", "dictionary", dictionaryID, "error", err)
	}

	// Cancellation is terminal error even when some rows persisted: the
	// catalog is incomplete.
	status := store.StatusActive
	if succeeded == 0 || cancelled {
		status = store.StatusError
	}

	elapsed := time.Since(job.StartedAt).Milliseconds()
	if err := c.store.FinalizeDictionary(ctx, dictionaryID, status, count, successRate, round1(avg), elapsed, errorMessage); err != nil {
		c.logger.Error("processor: final status write failed, dictionary left in prior state",
			"dictionary", dictionaryID, "status", status, "error", err)
		return
	}

	c.logger.Info("processor: job finished",
		"dictionary", dictionaryID,
		"status", status,
		"variables", count,
		"succeeded", succeeded,
		"failed", failed,
		"elapsed_ms", elapsed)
}

// identifierDistinctRatio measures uniqueness over the column that carries
// the row identifiers.
func identifierDistinctRatio(rows []map[string]any, columns []string) float64 {
	if len(rows) == 0 {
		return 0
	}
	// Find the column the first mappable row's UID came from.
	var uidColumn string
	for _, row := range rows {
		cand, err := mapper.MapRow(row, columns)
		if err != nil {
			continue
		}
		for _, col := range columns {
			if s, ok := row[col].(string); ok && s == cand.UID {
				uidColumn = col
				break
			}
		}
		break
	}
	if uidColumn == "" {
		return 0
	}

	values := make([]any, 0, len(rows))
	for _, row := range rows {
		values = append(values, row[uidColumn])
	}
	return mapper.DistinctRatio(values)
}

func hasCode(payload map[string]any) bool {
	for k, v := range payload {
		lk := strings.ToLower(k)
		if lk == "code" || strings.HasSuffix(lk, "_code") {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return true
			}
		}
		// Any non-text field counts as a secondary descriptive attribute.
		switch v.(type) {
		case float64, bool, int, int64:
			return true
		}
	}
	return false
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
