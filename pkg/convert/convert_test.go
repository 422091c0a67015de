package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNumber(t *testing.T) {
	tests := []struct {
		input string
		want  float64
		ok    bool
	}{
		{"3.14", 3.14, true},
		{"  -2.5 ", -2.5, true},
		{"1.5e-3", 0.0015, true},
		{"hello", 0, false},
		{"", 0, false},
		{"NaN", 0, false},
		{"-Inf", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseNumber(tt.input)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.InDelta(t, tt.want, got, 0.0001)
			}
		})
	}
}

func TestCompareNatural(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"9", "10", -1},
		{"10", "9", 1},
		{"-1", "0.5", -1},
		{"1e3", "999", 1},
		{"9a", "10a", 1},
		{"X", "Y", -1},
		{"10", "X", -1},
		{"1a", "2", 1},
		{"10", "1a", -1},
		{"same", "same", 0},
		{"1", "1.0", -1},
		{"1.0", "1", 1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareNatural(tt.a, tt.b))
			assert.Equal(t, tt.want < 0, LessNatural(tt.a, tt.b))
		})
	}
}

func TestUniqueSorted(t *testing.T) {
	in := []string{"10", "9", "abc", "9", "2.5", "Abc"}
	got := UniqueSorted(in)
	assert.Equal(t, []string{"2.5", "9", "10", "Abc", "abc"}, got)
	assert.Equal(t, []string{"10", "9", "abc", "9", "2.5", "Abc"}, in, "input untouched")

	assert.Empty(t, UniqueSorted(nil))
}

func TestIndexOf(t *testing.T) {
	domain := UniqueSorted([]string{"10", "9", "X", "Y"})
	assert.Equal(t, 0, IndexOf(domain, "9"))
	assert.Equal(t, 1, IndexOf(domain, "10"))
	assert.Equal(t, 3, IndexOf(domain, "Y"))
	assert.Equal(t, -1, IndexOf(domain, "Z"))
	assert.Equal(t, -1, IndexOf(nil, "9"))
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "Harry Potter", NormalizeValue("  Harry Potter\t"))
}

func BenchmarkCompareNatural(b *testing.B) {
	for i := 0; i < b.N; i++ {
		CompareNatural("1234.5", "1234.50001")
	}
}
