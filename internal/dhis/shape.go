package dhis

import (
	"errors"
	"fmt"
	"sort"
)

// Remote SQL view responses arrive in one of four shapes. Classification is
// a single explicit decision; each shape has its own pure normalizer.
type shapeKind int

const (
	shapeUnknown    shapeKind = iota
	shapeGrid                 // {"listGrid": {"headers": [...], "rows": [...]}}
	shapeHeaderRows           // {"headers": [...], "rows": [...]}
	shapeArray                // [ {...}, {...} ]
	shapeNested               // {"anything": [ {...}, ... ]}
)

// ErrUnrecognizedShape is returned when a response matches none of the
// known SQL view shapes.
var ErrUnrecognizedShape = errors.New("dhis: unrecognized response shape")

// Normalize converts any known response shape into uniform headers+rows.
func Normalize(raw any) ([]string, [][]any, error) {
	switch classifyShape(raw) {
	case shapeGrid:
		grid := raw.(map[string]any)["listGrid"].(map[string]any)
		return normalizeHeaderRows(grid)
	case shapeHeaderRows:
		return normalizeHeaderRows(raw.(map[string]any))
	case shapeArray:
		return normalizeObjectRows(raw.([]any))
	case shapeNested:
		return normalizeObjectRows(firstArrayField(raw.(map[string]any)))
	default:
		return nil, nil, ErrUnrecognizedShape
	}
}

func classifyShape(raw any) shapeKind {
	switch v := raw.(type) {
	case []any:
		return shapeArray
	case map[string]any:
		if grid, ok := v["listGrid"].(map[string]any); ok {
			if _, ok := grid["rows"].([]any); ok {
				return shapeGrid
			}
		}
		if _, ok := v["rows"].([]any); ok {
			return shapeHeaderRows
		}
		if firstArrayField(v) != nil {
			return shapeNested
		}
	}
	return shapeUnknown
}

// firstArrayField returns the value of the first key (in sorted order, for
// determinism) holding an array.
func firstArrayField(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if arr, ok := m[k].([]any); ok {
			return arr
		}
	}
	return nil
}

// normalizeHeaderRows handles grids that carry explicit headers alongside
// positional rows. Header entries may be bare strings or objects with a
// name/column field.
func normalizeHeaderRows(m map[string]any) ([]string, [][]any, error) {
	rawRows, ok := m["rows"].([]any)
	if !ok {
		return nil, nil, ErrUnrecognizedShape
	}

	var headers []string
	if rawHeaders, ok := m["headers"].([]any); ok {
		headers = make([]string, 0, len(rawHeaders))
		for i, h := range rawHeaders {
			headers = append(headers, headerName(h, i))
		}
	}

	rows := make([][]any, 0, len(rawRows))
	for _, r := range rawRows {
		cells, ok := r.([]any)
		if !ok {
			return nil, nil, fmt.Errorf("dhis: row is %T, want array: %w", r, ErrUnrecognizedShape)
		}
		rows = append(rows, cells)
	}

	if headers == nil && len(rows) > 0 {
		headers = make([]string, len(rows[0]))
		for i := range headers {
			headers[i] = fmt.Sprintf("column_%d", i+1)
		}
	}
	return headers, rows, nil
}

func headerName(h any, idx int) string {
	switch v := h.(type) {
	case string:
		return v
	case map[string]any:
		if name, ok := v["name"].(string); ok && name != "" {
			return name
		}
		if col, ok := v["column"].(string); ok && col != "" {
			return col
		}
	}
	return fmt.Sprintf("column_%d", idx+1)
}

// normalizeObjectRows handles arrays of keyed objects: headers become the
// sorted union of keys and each row is aligned to them.
func normalizeObjectRows(items []any) ([]string, [][]any, error) {
	if items == nil {
		return nil, nil, ErrUnrecognizedShape
	}

	seen := map[string]bool{}
	var headers []string
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				headers = append(headers, k)
			}
		}
	}
	sort.Strings(headers)

	rows := make([][]any, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cells := make([]any, len(headers))
		for i, h := range headers {
			cells[i] = obj[h]
		}
		rows = append(rows, cells)
	}
	return headers, rows, nil
}
