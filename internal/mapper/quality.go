package mapper

import (
	"fmt"
	"math"
)

// Enrichment carries the richer signals available once a variable's remote
// metadata has been fetched, feeding the weighted post-persistence score.
type Enrichment struct {
	// CompletenessRatio is nonEmpty/total over the fetched metadata fields.
	CompletenessRatio float64
	// HasCode is true when the entity carries a secondary descriptive
	// attribute (short code, or any non-text value type).
	HasCode bool
	// DistinctRatio is distinct values / total values over the variable's
	// column in the source view.
	DistinctRatio float64
}

// EnrichedScore combines completeness (up to 40), a code/value-type bonus
// (30), and banded uniqueness (30/20/10 above 80/50/20 percent distinct).
// Always clamped to [0,100].
func EnrichedScore(e Enrichment) int {
	score := 40 * e.CompletenessRatio
	if e.HasCode {
		score += 30
	}
	switch {
	case e.DistinctRatio > 0.8:
		score += 30
	case e.DistinctRatio > 0.5:
		score += 20
	case e.DistinctRatio > 0.2:
		score += 10
	}
	return clampScore(math.Round(score))
}

// CompletenessRatio computes nonEmpty/total for a metadata object. Returns
// zero for an empty object.
func CompletenessRatio(fields map[string]any) float64 {
	if len(fields) == 0 {
		return 0
	}
	nonEmpty := 0
	for _, v := range fields {
		if !isEmpty(v) {
			nonEmpty++
		}
	}
	return float64(nonEmpty) / float64(len(fields))
}

// DistinctRatio computes distinct/total over a column of values. Empty
// values are excluded from both counts.
func DistinctRatio(values []any) float64 {
	seen := map[string]bool{}
	total := 0
	for _, v := range values {
		if isEmpty(v) {
			continue
		}
		total++
		seen[stringify(v)] = true
	}
	if total == 0 {
		return 0
	}
	return float64(len(seen)) / float64(total)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	// Numbers and bools from JSON decode to float64/bool; their formatted
	// form is distinct enough for a ratio.
	return fmt.Sprintf("%v", v)
}
