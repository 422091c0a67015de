package eval

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/holofusion/pkg/dataset"
	"github.com/orneryd/holofusion/pkg/inference"
	"github.com/orneryd/holofusion/pkg/reduce"
)

const booksCSV = `source,isbn,author
a,1,X
b,1,Y
a,2,Z
`

const truthCSV = `isbn,author
1,Y
2,Z
3,Q
`

// fixture returns a keyed two-entity dataset, its variables and the cases
// built from truthCSV.
func fixture(t *testing.T) (*dataset.Keyed, []dataset.Variable, []Case) {
	t.Helper()
	d, err := dataset.Load([]byte(booksCSV), dataset.Options{Name: "books"})
	require.NoError(t, err)
	k, err := d.KeyBy("isbn")
	require.NoError(t, err)
	vars, _, err := k.BuildVariables(nil)
	require.NoError(t, err)

	truth, err := d.LoadLabels([]byte(truthCSV))
	require.NoError(t, err)
	cases, err := CasesFromLabels(k, vars, truth)
	require.NoError(t, err)
	return k, vars, cases
}

func fixtureRun(t *testing.T, vars []dataset.Variable) Run {
	t.Helper()
	marginals := []inference.Marginal{
		{VariableID: 0, Probs: []float64{0.2, 0.8}},
		{VariableID: 1, Probs: []float64{1}},
	}
	results, err := reduce.Reduce(marginals, vars, 0, 1)
	require.NoError(t, err)
	return Run{Variables: vars, Marginals: marginals, Results: results}
}

func TestCasesFromLabels(t *testing.T) {
	_, vars, cases := fixture(t)
	require.Len(t, vars, 2)
	require.Len(t, cases, 3)

	assert.Equal(t, Case{VariableID: 0, Key: "1", Attribute: "author", Truth: "Y"}, cases[0])
	assert.Equal(t, Case{VariableID: 1, Key: "2", Attribute: "author", Truth: "Z"}, cases[1])
	assert.Equal(t, Case{VariableID: -1, Key: "3", Attribute: "author", Truth: "Q"}, cases[2])
}

func TestCasesFromLabels_Errors(t *testing.T) {
	k, vars, _ := fixture(t)

	_, err := CasesFromLabels(nil, vars, nil)
	assert.Error(t, err)

	_, err = CasesFromLabels(k, vars, []dataset.LabelRow{{Values: map[string]string{"author": "Y"}}})
	assert.Error(t, err)
}

func TestHarnessBasic(t *testing.T) {
	_, vars, cases := fixture(t)
	h := NewHarness()
	h.SetSuiteName("books")
	h.AddCases(cases)

	result, err := h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)

	assert.Equal(t, "books", result.SuiteName)
	assert.Equal(t, 3, result.TotalCases)
	assert.Equal(t, 2, result.CoveredCases)
	assert.Equal(t, 2, result.CorrectCases)

	m := result.Aggregate
	assert.InDelta(t, 2.0/3, m.Accuracy, 1e-9)
	assert.InDelta(t, 2.0/3, m.Coverage, 1e-9)
	assert.InDelta(t, 1.0, m.Precision, 1e-9)
	assert.InDelta(t, 0.02, m.Brier, 1e-9)
	assert.InDelta(t, -math.Log(0.8)/2, m.LogLoss, 1e-9)
	assert.InDelta(t, 0.1, m.ECE, 1e-9)

	// Accuracy is below the default 0.7.
	assert.False(t, result.Passed)

	missing := result.Results[2]
	assert.False(t, missing.Covered)
	assert.NotEmpty(t, missing.Error)
}

func TestHarnessWrongPrediction(t *testing.T) {
	_, vars, _ := fixture(t)
	h := NewHarness()
	h.AddCase(Case{VariableID: 0, Key: "1", Attribute: "author", Truth: "X"})

	result, err := h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)

	cr := result.Results[0]
	assert.True(t, cr.Covered)
	assert.False(t, cr.Correct)
	assert.Equal(t, "Y", cr.Predicted)
	assert.InDelta(t, 0.2, cr.TruthProbability, 1e-9)
	// (1-0.2)^2 + 0.8^2
	assert.InDelta(t, 1.28, result.Aggregate.Brier, 1e-9)
	assert.InDelta(t, 0.0, result.Aggregate.Precision, 1e-9)
	assert.InDelta(t, 0.8, result.Aggregate.ECE, 1e-9)
}

func TestHarnessSkipsEvidence(t *testing.T) {
	_, vars, cases := fixture(t)
	vars[0].Evidence = 1

	h := NewHarness()
	h.AddCases(cases)
	result, err := h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)
	assert.Equal(t, 1, result.SkippedEvidence)
	assert.Equal(t, 2, result.TotalCases)

	h.KeepEvidence(true)
	result, err = h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)
	assert.Equal(t, 0, result.SkippedEvidence)
	assert.Equal(t, 3, result.TotalCases)
}

func TestHarnessNoTestCases(t *testing.T) {
	h := NewHarness()
	_, err := h.Run(context.Background(), Run{})
	assert.Error(t, err)
}

func TestHarnessCancelled(t *testing.T) {
	_, vars, cases := fixture(t)
	h := NewHarness()
	h.AddCases(cases)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Run(ctx, fixtureRun(t, vars))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThresholds(t *testing.T) {
	_, vars, cases := fixture(t)
	h := NewHarness()
	h.AddCases(cases[:2])
	h.SetThresholds(Thresholds{Accuracy: 0.9, Coverage: 0.9, MaxECE: 0.2})

	result, err := h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)
	assert.True(t, result.Passed)

	h.SetThresholds(Thresholds{Accuracy: 0.9, Coverage: 0.9, MaxECE: 0.05})
	result, err = h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)
	assert.False(t, result.Passed)

	d := DefaultThresholds()
	assert.Equal(t, 0.7, d.Accuracy)
	assert.Equal(t, 0.2, d.MaxECE)
}

func TestCalibrationError(t *testing.T) {
	results := []CaseResult{
		{Covered: true, Correct: true, Probability: 0.95},
		{Covered: true, Correct: false, Probability: 0.95},
		{Covered: false},
	}
	// One bin holding both covered cases: |0.95 - 0.5|.
	assert.InDelta(t, 0.45, calibrationError(results, 10), 1e-9)
	assert.Equal(t, 0.0, calibrationError([]CaseResult{{}}, 10))
}

func TestReporterPrintCompact(t *testing.T) {
	_, vars, cases := fixture(t)
	h := NewHarness()
	h.AddCases(cases)
	result, err := h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)

	var buf bytes.Buffer
	NewReporter(&buf).PrintCompact(result)
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "[FAIL] 2/3 correct"))
	assert.Contains(t, out, "acc=0.67")
}

func TestReporterPrintSummaryAndDetails(t *testing.T) {
	_, vars, cases := fixture(t)
	h := NewHarness()
	h.AddCases(cases)
	result, err := h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)

	var buf bytes.Buffer
	r := NewReporter(&buf)
	r.PrintSummary(result)
	r.PrintDetails(result)
	out := buf.String()
	assert.Contains(t, out, "Accuracy")
	assert.Contains(t, out, "ECE")
	assert.Contains(t, out, "3.author")
	assert.NotContains(t, out, "1.author")
}

func TestReporterSaveJSON(t *testing.T) {
	_, vars, cases := fixture(t)
	h := NewHarness()
	h.AddCases(cases)
	result, err := h.Run(context.Background(), fixtureRun(t, vars))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "eval.json")
	require.NoError(t, NewReporter(nil).SaveJSON(result, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"correct_cases": 2`)
}
