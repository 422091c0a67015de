package convert

import (
	"sort"
	"strings"
)

// UniqueSorted returns the distinct values of vals in natural order.
// The input slice is not modified.
func UniqueSorted(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return LessNatural(out[i], out[j]) })
	return out
}

// IndexOf returns the position of v in sorted (natural order), or -1.
func IndexOf(sorted []string, v string) int {
	i := sort.Search(len(sorted), func(i int) bool { return CompareNatural(sorted[i], v) >= 0 })
	if i < len(sorted) && sorted[i] == v {
		return i
	}
	return -1
}

// NormalizeValue trims surrounding whitespace from a raw cell.
func NormalizeValue(s string) string {
	return strings.TrimSpace(s)
}
