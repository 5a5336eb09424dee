// Package mapper turns ambiguous tabular rows from a SQL view into typed
// variable candidates: a stable remote identifier, a display name, a
// completeness score, and the canonical access URLs for the variable's type.
package mapper

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// ErrNoIdentifier is returned when no field of a row carries a value with
// the canonical 11-character UID shape. The row is rejected, counted as a
// mapping failure by the caller.
var ErrNoIdentifier = errors.New("mapper: no identifier found in row")

// uidPattern is the canonical remote identifier shape: exactly 11
// alphanumeric characters.
var uidPattern = regexp.MustCompile(`^[A-Za-z0-9]{11}$`)

// IsUID reports whether s has the canonical identifier shape.
func IsUID(s string) bool {
	return uidPattern.MatchString(s)
}

// Candidate is one mapped row: a variable before persistence.
type Candidate struct {
	UID          string         `json:"uid"`
	Name         string         `json:"name"`
	QualityScore int            `json:"quality_score"`
	Payload      map[string]any `json:"payload"`
}

// Identifier fields checked in order of preference. Primary names are the
// ones SQL view authors use deliberately; secondary names show up in
// hand-rolled views. Matching is case-insensitive.
var (
	primaryIDFields   = []string{"uid", "id", "dx", "data_element_id", "dataelement_id", "indicator_id", "element_id", "dataelementuid"}
	secondaryIDFields = []string{"code", "identifier", "item_id", "object_id", "metadata_id"}
	nameFields        = []string{"name", "display_name", "displayname", "data_element_name", "dataelement_name", "indicator_name", "element_name", "title", "label", "description"}
)

// RowsToMaps zips positional rows with their headers into keyed rows, the
// form MapRow consumes. Short rows leave trailing columns absent.
func RowsToMaps(headers []string, rows [][]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, cells := range rows {
		row := make(map[string]any, len(headers))
		for i, h := range headers {
			if i < len(cells) {
				row[h] = cells[i]
			}
		}
		out = append(out, row)
	}
	return out
}

// DetectColumns unions the keys of the first ten rows, sorted. Used when the
// remote response carried no authoritative headers.
func DetectColumns(rows []map[string]any) []string {
	const sample = 10
	seen := map[string]bool{}
	var columns []string
	for i, row := range rows {
		if i >= sample {
			break
		}
		for k := range row {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

// MapRow maps one row into a Candidate. columns fixes iteration order so
// extraction is deterministic; pass DetectColumns output when the source had
// no headers.
func MapRow(row map[string]any, columns []string) (*Candidate, error) {
	if len(columns) == 0 {
		columns = DetectColumns([]map[string]any{row})
	}

	uid, ok := extractUID(row, columns)
	if !ok {
		return nil, fmt.Errorf("%w (fields: %s)", ErrNoIdentifier, strings.Join(columns, ", "))
	}

	payload := make(map[string]any, len(row))
	for k, v := range row {
		payload[k] = v
	}

	return &Candidate{
		UID:          uid,
		Name:         extractName(row, columns),
		QualityScore: QualityScore(row),
		Payload:      payload,
	}, nil
}

// extractUID applies the ordered identifier preference: primary well-known
// fields, then secondary well-known fields, then a full scan of every field.
// Every match is shape-checked; field name alone is never trusted.
func extractUID(row map[string]any, columns []string) (string, bool) {
	lower := lowerIndex(row)

	for _, field := range primaryIDFields {
		if v, ok := lower[field]; ok {
			if s := asUID(v); s != "" {
				return s, true
			}
		}
	}
	for _, field := range secondaryIDFields {
		if v, ok := lower[field]; ok {
			if s := asUID(v); s != "" {
				return s, true
			}
		}
	}
	for _, col := range columns {
		if s := asUID(row[col]); s != "" {
			return s, true
		}
	}
	return "", false
}

// extractName applies the ordered descriptive preference, then falls back to
// the first string field longer than a UID, then to "Unnamed".
func extractName(row map[string]any, columns []string) string {
	lower := lowerIndex(row)

	for _, field := range nameFields {
		if v, ok := lower[field]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	// Any *_name column counts as descriptive.
	for _, col := range columns {
		if strings.HasSuffix(strings.ToLower(col), "name") {
			if s, ok := row[col].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	for _, col := range columns {
		if s, ok := row[col].(string); ok && len(strings.TrimSpace(s)) > 11 {
			return strings.TrimSpace(s)
		}
	}
	return "Unnamed"
}

// QualityScore is the cheap completeness heuristic used at preview time:
// round(100 × nonEmpty / total), clamped to [0,100].
func QualityScore(row map[string]any) int {
	if len(row) == 0 {
		return 0
	}
	nonEmpty := 0
	for _, v := range row {
		if !isEmpty(v) {
			nonEmpty++
		}
	}
	return clampScore(math.Round(100 * float64(nonEmpty) / float64(len(row))))
}

func lowerIndex(row map[string]any) map[string]any {
	lower := make(map[string]any, len(row))
	// Sorted so a case collision resolves deterministically.
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lk := strings.ToLower(k)
		if _, exists := lower[lk]; !exists {
			lower[lk] = row[k]
		}
	}
	return lower
}

func asUID(v any) string {
	s, ok := v.(string)
	if !ok || !IsUID(s) {
		return ""
	}
	return s
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func clampScore(f float64) int {
	if f < 0 {
		return 0
	}
	if f > 100 {
		return 100
	}
	return int(f)
}
