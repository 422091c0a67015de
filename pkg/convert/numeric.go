// Package convert provides value parsing and ordering utilities for HoloFusion.
//
// Candidate values arrive as strings from tabular input. Wherever the pipeline
// needs a deterministic order over candidates (variable domains, tie-breaking
// in result reduction) it uses the natural order defined here: two values that
// both parse as finite numbers compare numerically, two non-numbers compare
// lexically, and numbers sort before non-numbers.
//
// Key Functions:
//   - ParseNumber: parse a candidate as a finite float64
//   - CompareNatural: three-way natural-order comparison
//   - UniqueSorted: deduplicate and sort candidates in natural order
//
// Example:
//
//	convert.CompareNatural("9", "10")       // -1: numeric
//	convert.CompareNatural("9a", "10a")     // 1: lexical
//	convert.CompareNatural("10", "1a")      // -1: numbers first
//	convert.UniqueSorted([]string{"10", "9", "9"}) // ["9", "10"]
package convert

import (
	"math"
	"strconv"
	"strings"
)

// ParseNumber parses s as a finite number after trimming whitespace.
// NaN and infinities are rejected so they never take part in numeric ordering.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// CompareNatural returns -1, 0 or 1.
//
// Numeric values that are equal as numbers ("1" and "1.0") fall back to a
// lexical comparison so distinct strings never compare equal. Mixed pairs put
// the number first, which keeps the order transitive.
func CompareNatural(a, b string) int {
	if a == b {
		return 0
	}
	fa, okA := ParseNumber(a)
	fb, okB := ParseNumber(b)
	switch {
	case okA && okB:
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
	case okA:
		return -1
	case okB:
		return 1
	}
	return strings.Compare(a, b)
}

// LessNatural reports whether a sorts before b in natural order.
func LessNatural(a, b string) bool {
	return CompareNatural(a, b) < 0
}
