package objects

import (
	"fmt"
	"sort"
	"strings"
)

// FormatForHost renders an output object as host lines. Scalars become one
// line, maps become "Key : Value" lines in key order, and slices are
// flattened one element per line.
func FormatForHost(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return strings.Split(strings.TrimRight(val, "\r\n"), "\n")
	case fmt.Stringer:
		return []string{val.String()}
	case map[string]any:
		keys := make([]string, 0, len(val))
		width := 0
		for k := range val {
			keys = append(keys, k)
			width = max(width, len(k))
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%-*s : %v", width, k, val[k]))
		}
		return lines
	case []any:
		lines := make([]string, 0, len(val))
		for _, item := range val {
			lines = append(lines, FormatForHost(item)...)
		}
		return lines
	default:
		return []string{fmt.Sprint(val)}
	}
}
