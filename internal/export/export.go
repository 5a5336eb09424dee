// Package export renders persisted variables, enriched with their remote
// analytics, into downloadable documents. Analytics come from the shared
// cache when present, from a live fetch when an authenticated handle is
// available, and from deterministic sample rows only when sample data is
// explicitly allowed.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/Mafende-III/metadata-dictionary-sub002/internal/cache"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/dhis"
	"github.com/Mafende-III/metadata-dictionary-sub002/internal/store"
)

// ErrBadFormat is returned for an unknown export format.
var ErrBadFormat = errors.New("export: unknown format")

// Export formats.
const (
	FormatJSON    = "json"
	FormatCSV     = "csv"
	FormatXML     = "xml"
	FormatSummary = "summary" // sheet-oriented: named groups of row arrays
)

// InstanceResolver supplies an authenticated handle for a stored instance
// id. Same shape as the processor's resolver so main wires one closure into
// both.
type InstanceResolver func(ctx context.Context, instanceID string) (*dhis.Instance, error)

// Config tunes the aggregator.
type Config struct {
	// AllowSampleData substitutes deterministic sample analytics when no
	// authenticated handle is available. Off by default: without it the
	// export fails with dhis.ErrNoCredentials instead.
	AllowSampleData bool
}

// Aggregator assembles export documents.
type Aggregator struct {
	store   *store.Store
	client  *dhis.Client
	cache   *cache.Cache[*dhis.Result]
	resolve InstanceResolver
	config  Config
	logger  *slog.Logger
}

// New creates an Aggregator. The cache may be nil to always fetch fresh.
func New(st *store.Store, client *dhis.Client, c *cache.Cache[*dhis.Result], resolve InstanceResolver, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, client: client, cache: c, resolve: resolve, config: cfg, logger: logger}
}

// Document is a rendered export body ready to serve.
type Document struct {
	ContentType string
	Filename    string
	Body        []byte
}

// Summary is the block shared by every export format.
type Summary struct {
	TotalVariables      int            `json:"totalVariables"`
	Successful          int            `json:"successfulVariables"`
	Failed              int            `json:"failedVariables"`
	SuccessRate         float64        `json:"successRate"`
	TotalDataPoints     int            `json:"totalDataPoints"`
	AverageQualityScore float64        `json:"averageQualityScore"`
	ByType              map[string]int `json:"byType"`
}

// variableExport is one variable with its resolved analytics.
type variableExport struct {
	Variable  *store.Variable
	Analytics *dhis.Result // nil when nothing could be resolved
	Source    string       // cache | remote | sample | none
}

// ExportCombined renders every variable of a dictionary in the given format.
func (a *Aggregator) ExportCombined(ctx context.Context, dictionaryID, format string) (*Document, error) {
	dict, err := a.store.GetDictionary(ctx, dictionaryID)
	if err != nil {
		return nil, err
	}
	vars, err := a.store.ListVariables(ctx, dictionaryID)
	if err != nil {
		return nil, err
	}
	return a.render(ctx, dict, vars, format)
}

// ExportVariable renders a single variable of a dictionary.
func (a *Aggregator) ExportVariable(ctx context.Context, dictionaryID, variableID, format string) (*Document, error) {
	dict, err := a.store.GetDictionary(ctx, dictionaryID)
	if err != nil {
		return nil, err
	}
	v, err := a.store.GetVariable(ctx, variableID)
	if err != nil {
		return nil, err
	}
	if v.DictionaryID != dictionaryID {
		return nil, store.ErrNotFound
	}
	return a.render(ctx, dict, []*store.Variable{v}, format)
}

func (a *Aggregator) render(ctx context.Context, dict *store.Dictionary, vars []*store.Variable, format string) (*Document, error) {
	exports, err := a.resolveAnalytics(ctx, dict, vars)
	if err != nil {
		return nil, err
	}
	summary := buildSummary(vars, exports)

	switch format {
	case FormatJSON:
		return renderJSON(dict, summary, exports)
	case FormatCSV:
		return renderCSV(dict, summary, exports)
	case FormatXML:
		return renderXML(dict, summary, exports)
	case FormatSummary:
		return renderSheets(dict, summary, exports)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadFormat, format)
	}
}

// resolveAnalytics fills in each variable's analytics: cached value first,
// then a live fetch through the instance handle, then sample rows when
// allowed. A failed live fetch degrades to no data with a warning; a missing
// handle without the sample flag is an error for the whole export.
func (a *Aggregator) resolveAnalytics(ctx context.Context, dict *store.Dictionary, vars []*store.Variable) ([]*variableExport, error) {
	inst, instErr := a.resolve(ctx, dict.InstanceID)
	if instErr != nil && !a.config.AllowSampleData {
		return nil, fmt.Errorf("export: instance %s: %w", dict.InstanceID, instErr)
	}

	exports := make([]*variableExport, 0, len(vars))
	for _, v := range vars {
		ve := &variableExport{Variable: v, Source: "none"}
		exports = append(exports, ve)

		if v.AnalyticsURL == "" {
			continue
		}
		key := "analytics:" + v.UID
		if a.cache != nil {
			if res, ok := a.cache.Get(key); ok {
				ve.Analytics, ve.Source = res, "cache"
				continue
			}
		}

		if instErr != nil {
			ve.Analytics, ve.Source = sampleAnalytics(v.UID), "sample"
			continue
		}

		res, err := a.fetchAnalytics(ctx, inst, v.AnalyticsURL)
		if err != nil {
			a.logger.Warn("export: analytics fetch failed, exporting placeholder",
				"variable", v.UID, "error", err)
			continue
		}
		ve.Analytics, ve.Source = res, "remote"
		if a.cache != nil {
			a.cache.Set(key, res)
		}
	}
	return exports, nil
}

// fetchAnalytics pulls and normalizes one analytics response.
func (a *Aggregator) fetchAnalytics(ctx context.Context, inst *dhis.Instance, url string) (*dhis.Result, error) {
	raw, err := a.client.GetJSON(ctx, inst, url)
	if err != nil {
		return nil, err
	}
	headers, rows, err := dhis.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return &dhis.Result{Headers: headers, Rows: rows, RowCount: len(rows)}, nil
}

// sampleAnalytics produces deterministic placeholder data points so exports
// stay shape-stable in environments without a live source.
func sampleAnalytics(uid string) *dhis.Result {
	seed := 0
	for _, c := range uid {
		seed = (seed*31 + int(c)) % 1000
	}
	rows := [][]any{
		{uid, "202501", fmt.Sprintf("%d", 100+seed)},
		{uid, "202502", fmt.Sprintf("%d", 200+seed)},
		{uid, "202503", fmt.Sprintf("%d", 300+seed)},
	}
	return &dhis.Result{
		Headers:  []string{"dx", "pe", "value"},
		Rows:     rows,
		RowCount: len(rows),
	}
}

func buildSummary(vars []*store.Variable, exports []*variableExport) *Summary {
	s := &Summary{TotalVariables: len(vars), ByType: map[string]int{}}

	qualitySum := 0
	for _, v := range vars {
		if v.Status == store.VarStatusSuccess {
			s.Successful++
		} else {
			s.Failed++
		}
		s.ByType[v.MetadataType]++
		qualitySum += v.QualityScore
	}
	if len(vars) > 0 {
		s.SuccessRate = round1(100 * float64(s.Successful) / float64(len(vars)))
		s.AverageQualityScore = round1(float64(qualitySum) / float64(len(vars)))
	}
	for _, ve := range exports {
		if ve.Analytics != nil {
			s.TotalDataPoints += len(ve.Analytics.Rows)
		}
	}
	return s
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

// filename builds a safe download name from the dictionary name.
func filename(dict *store.Dictionary, ext string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '_'
		}
		return -1
	}, dict.Name)
	if name == "" {
		name = dict.ID
	}
	return name + "." + ext
}

// ---- JSON ----

type jsonVariable struct {
	*store.Variable
	Payload         json.RawMessage `json:"payload"`
	Analytics       *dhis.Result    `json:"analytics,omitempty"`
	AnalyticsSource string          `json:"analyticsSource"`
}

func renderJSON(dict *store.Dictionary, summary *Summary, exports []*variableExport) (*Document, error) {
	out := make([]jsonVariable, 0, len(exports))
	for _, ve := range exports {
		payload := json.RawMessage(ve.Variable.PayloadJSON)
		if !json.Valid(payload) {
			payload = json.RawMessage("{}")
		}
		out = append(out, jsonVariable{
			Variable:        ve.Variable,
			Payload:         payload,
			Analytics:       ve.Analytics,
			AnalyticsSource: ve.Source,
		})
	}

	body, err := json.MarshalIndent(map[string]any{
		"dictionary": dict,
		"summary":    summary,
		"variables":  out,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Document{
		ContentType: "application/json",
		Filename:    filename(dict, "json"),
		Body:        body,
	}, nil
}

// ---- CSV ----

// renderCSV writes one row per analytics data point. A variable without
// analytics still contributes one "No Data" row so row counts stay
// predictable per variable.
func renderCSV(dict *store.Dictionary, summary *Summary, exports []*variableExport) (*Document, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"dictionary", "uid", "name", "metadata_type", "quality_score", "status", "data_point"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, ve := range exports {
		v := ve.Variable
		prefix := []string{dict.Name, v.UID, v.Name, v.MetadataType,
			fmt.Sprintf("%d", v.QualityScore), v.Status}

		if ve.Analytics == nil || len(ve.Analytics.Rows) == 0 {
			if err := w.Write(append(prefix, "No Data")); err != nil {
				return nil, err
			}
			continue
		}
		for _, cells := range ve.Analytics.Rows {
			if err := w.Write(append(prefix, joinCells(cells))); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &Document{
		ContentType: "text/csv",
		Filename:    filename(dict, "csv"),
		Body:        buf.Bytes(),
	}, nil
}

func joinCells(cells []any) string {
	parts := make([]string, 0, len(cells))
	for _, c := range cells {
		parts = append(parts, fmt.Sprintf("%v", c))
	}
	return strings.Join(parts, "|")
}

// ---- XML ----

type xmlExport struct {
	XMLName    xml.Name      `xml:"dictionaryExport"`
	Dictionary string        `xml:"dictionary,attr"`
	Summary    xmlSummary    `xml:"summary"`
	Variables  []xmlVariable `xml:"variables>variable"`
}

type xmlSummary struct {
	TotalVariables      int     `xml:"totalVariables"`
	Successful          int     `xml:"successfulVariables"`
	Failed              int     `xml:"failedVariables"`
	SuccessRate         float64 `xml:"successRate"`
	TotalDataPoints     int     `xml:"totalDataPoints"`
	AverageQualityScore float64 `xml:"averageQualityScore"`
}

type xmlVariable struct {
	UID          string   `xml:"uid,attr"`
	Name         string   `xml:"name"`
	MetadataType string   `xml:"metadataType"`
	QualityScore int      `xml:"qualityScore"`
	Status       string   `xml:"status"`
	DataPoints   []string `xml:"analytics>dataPoint"`
}

func renderXML(dict *store.Dictionary, summary *Summary, exports []*variableExport) (*Document, error) {
	doc := xmlExport{
		Dictionary: dict.Name,
		Summary: xmlSummary{
			TotalVariables:      summary.TotalVariables,
			Successful:          summary.Successful,
			Failed:              summary.Failed,
			SuccessRate:         summary.SuccessRate,
			TotalDataPoints:     summary.TotalDataPoints,
			AverageQualityScore: summary.AverageQualityScore,
		},
	}
	for _, ve := range exports {
		v := ve.Variable
		xv := xmlVariable{
			UID:          v.UID,
			Name:         v.Name,
			MetadataType: v.MetadataType,
			QualityScore: v.QualityScore,
			Status:       v.Status,
		}
		if ve.Analytics == nil || len(ve.Analytics.Rows) == 0 {
			xv.DataPoints = []string{"No Data"}
		} else {
			for _, cells := range ve.Analytics.Rows {
				xv.DataPoints = append(xv.DataPoints, joinCells(cells))
			}
		}
		doc.Variables = append(doc.Variables, xv)
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Document{
		ContentType: "application/xml",
		Filename:    filename(dict, "xml"),
		Body:        append([]byte(xml.Header), body...),
	}, nil
}

// ---- Sheets ----

// Sheet is one named group of rows in the sheet-oriented format.
type Sheet struct {
	Name string  `json:"name"`
	Rows [][]any `json:"rows"`
}

func renderSheets(dict *store.Dictionary, summary *Summary, exports []*variableExport) (*Document, error) {
	summarySheet := Sheet{Name: "Summary", Rows: [][]any{
		{"Dictionary", dict.Name},
		{"Total Variables", summary.TotalVariables},
		{"Successful", summary.Successful},
		{"Failed", summary.Failed},
		{"Success Rate", summary.SuccessRate},
		{"Total Data Points", summary.TotalDataPoints},
		{"Average Quality Score", summary.AverageQualityScore},
	}}
	types := make([]string, 0, len(summary.ByType))
	for t := range summary.ByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		summarySheet.Rows = append(summarySheet.Rows, []any{"Type: " + t, summary.ByType[t]})
	}

	variableSheet := Sheet{Name: "Variables", Rows: [][]any{
		{"UID", "Name", "Type", "Quality Score", "Status"},
	}}
	analyticsSheet := Sheet{Name: "Analytics", Rows: [][]any{
		{"UID", "Data Point"},
	}}

	for _, ve := range exports {
		v := ve.Variable
		variableSheet.Rows = append(variableSheet.Rows,
			[]any{v.UID, v.Name, v.MetadataType, v.QualityScore, v.Status})

		if ve.Analytics == nil || len(ve.Analytics.Rows) == 0 {
			analyticsSheet.Rows = append(analyticsSheet.Rows, []any{v.UID, "No Data"})
			continue
		}
		for _, cells := range ve.Analytics.Rows {
			analyticsSheet.Rows = append(analyticsSheet.Rows, []any{v.UID, joinCells(cells)})
		}
	}

	body, err := json.MarshalIndent(map[string]any{
		"sheets": []Sheet{summarySheet, variableSheet, analyticsSheet},
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return &Document{
		ContentType: "application/json",
		Filename:    filename(dict, "sheets.json"),
		Body:        body,
	}, nil
}
