// Package eval provides an evaluation harness for scoring fused output
// against ground truth.
//
// The eval harness allows you to:
//   - Build cases from a ground-truth file (same layout as a labels file)
//   - Score the reduced results and the marginals behind them
//   - Compare runs with different feature functions or sampling settings
//
// Metrics computed:
//   - Accuracy: fraction of cases whose top fused value is the true value
//   - Precision: accuracy restricted to cases that produced a result
//   - Coverage: fraction of cases that produced a result at all
//   - Brier: mean squared error of the marginal against the one-hot truth
//   - LogLoss: mean negative log probability given to the true value
//   - ECE: expected calibration error of the top candidate's probability
//
// Example usage:
//
//	truth, err := ds.LoadLabelsFile("truth.csv")
//	cases, err := eval.CasesFromLabels(keyed, vars, truth)
//
//	harness := eval.NewHarness()
//	harness.AddCases(cases)
//	result, err := harness.Run(ctx, eval.Run{
//		Variables: vars,
//		Marginals: marginals,
//		Results:   results,
//	})
//
//	eval.NewReporter(os.Stdout).PrintSummary(result)
package eval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/orneryd/holofusion/pkg/convert"
	"github.com/orneryd/holofusion/pkg/dataset"
	"github.com/orneryd/holofusion/pkg/inference"
	"github.com/orneryd/holofusion/pkg/reduce"
)

// minProb bounds the log-loss of a true value given zero probability.
const minProb = 1e-12

// Case is one (entity, attribute) whose true value is known.
type Case struct {
	// VariableID is -1 when the entity or attribute has no variable.
	VariableID int    `json:"variable_id"`
	Key        string `json:"key"`
	Attribute  string `json:"attribute"`
	Truth      string `json:"truth"`
}

// Metrics contains the computed evaluation metrics.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Coverage  float64 `json:"coverage"`
	Brier     float64 `json:"brier"`
	LogLoss   float64 `json:"log_loss"`
	ECE       float64 `json:"ece"`
}

// CaseResult contains the outcome of a single case.
type CaseResult struct {
	Case        Case    `json:"case"`
	Predicted   string  `json:"predicted,omitempty"`
	Probability float64 `json:"probability"`
	// TruthProbability is the marginal probability of the true value.
	TruthProbability float64 `json:"truth_probability"`
	Covered          bool    `json:"covered"`
	Correct          bool    `json:"correct"`
	Error            string  `json:"error,omitempty"`
}

// EvalResult contains the complete evaluation results.
type EvalResult struct {
	SuiteName string        `json:"suite_name"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`

	Aggregate Metrics      `json:"aggregate"`
	Results   []CaseResult `json:"results"`

	TotalCases   int `json:"total_cases"`
	CoveredCases int `json:"covered_cases"`
	CorrectCases int `json:"correct_cases"`
	// SkippedEvidence counts cases dropped because the variable was labeled.
	SkippedEvidence int `json:"skipped_evidence"`

	Thresholds Thresholds `json:"thresholds"`
	Passed     bool       `json:"passed"`
}

// Thresholds define minimum acceptable metric values. MaxECE is an upper
// bound.
type Thresholds struct {
	Accuracy float64 `json:"accuracy"`
	Coverage float64 `json:"coverage"`
	MaxECE   float64 `json:"max_ece"`
}

// DefaultThresholds returns sensible default thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Accuracy: 0.7,
		Coverage: 0.8,
		MaxECE:   0.2,
	}
}

// Run is the pipeline output being scored.
type Run struct {
	Variables []dataset.Variable
	Marginals []inference.Marginal
	Results   []reduce.FusedResult
}

// Harness is the main evaluation harness.
type Harness struct {
	cases        []Case
	thresholds   Thresholds
	bins         int
	keepEvidence bool
	suiteName    string
	mu           sync.RWMutex
}

// NewHarness creates a new evaluation harness.
func NewHarness() *Harness {
	return &Harness{
		thresholds: DefaultThresholds(),
		bins:       10,
		suiteName:  "default",
	}
}

// SetThresholds sets the pass/fail thresholds.
func (h *Harness) SetThresholds(t Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.thresholds = t
}

// SetSuiteName names the run in reports.
func (h *Harness) SetSuiteName(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suiteName = name
}

// SetCalibrationBins sets the number of equal-width bins used for ECE.
func (h *Harness) SetCalibrationBins(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > 0 {
		h.bins = n
	}
}

// KeepEvidence scores labeled variables too. By default they are skipped,
// since their marginals are clamped to the label.
func (h *Harness) KeepEvidence(keep bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keepEvidence = keep
}

// AddCase adds a single case.
func (h *Harness) AddCase(c Case) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cases = append(h.cases, c)
}

// AddCases adds multiple cases.
func (h *Harness) AddCases(cases []Case) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cases = append(h.cases, cases...)
}

// CasesFromLabels resolves ground-truth rows to variables. Every non-key
// value of a row becomes one case; rows for unknown entities and attributes
// without a variable become cases with VariableID -1.
func CasesFromLabels(k *dataset.Keyed, vars []dataset.Variable, truth []dataset.LabelRow) ([]Case, error) {
	if k == nil {
		return nil, errors.New("dataset is not keyed")
	}
	byEntityAttr := make(map[string]int, len(vars))
	for _, v := range vars {
		byEntityAttr[fmt.Sprintf("%d\x00%s", v.EntityID, v.Attribute)] = v.ID
	}
	isKey := make(map[string]bool, len(k.KeyAttributes))
	for _, a := range k.KeyAttributes {
		isKey[a] = true
	}

	var cases []Case
	for i, row := range truth {
		keyVals := make([]string, len(k.KeyAttributes))
		for j, a := range k.KeyAttributes {
			v, ok := row.Values[a]
			if !ok {
				return nil, fmt.Errorf("truth row %d has no value for key attribute %q", i+1, a)
			}
			keyVals[j] = v
		}
		entity, known := k.EntityFor(keyVals)

		attrs := make([]string, 0, len(row.Values))
		for a := range row.Values {
			if !isKey[a] {
				attrs = append(attrs, a)
			}
		}
		sort.Strings(attrs)
		for _, a := range attrs {
			c := Case{VariableID: -1, Key: strings.Join(keyVals, "|"), Attribute: a, Truth: row.Values[a]}
			if known {
				if id, ok := byEntityAttr[fmt.Sprintf("%d\x00%s", entity, a)]; ok {
					c.VariableID = id
					c.Key = vars[id].Key
				}
			}
			cases = append(cases, c)
		}
	}
	return cases, nil
}

// Run scores the pipeline output against the cases.
func (h *Harness) Run(ctx context.Context, run Run) (*EvalResult, error) {
	h.mu.RLock()
	cases := make([]Case, len(h.cases))
	copy(cases, h.cases)
	thresholds := h.thresholds
	bins := h.bins
	keepEvidence := h.keepEvidence
	suiteName := h.suiteName
	h.mu.RUnlock()

	if len(cases) == 0 {
		return nil, fmt.Errorf("no test cases defined")
	}

	startTime := time.Now()
	marginals := make(map[int]inference.Marginal, len(run.Marginals))
	for _, m := range run.Marginals {
		marginals[m.VariableID] = m
	}
	best := reduce.Best(run.Results)

	result := &EvalResult{
		SuiteName:  suiteName,
		Timestamp:  startTime,
		Thresholds: thresholds,
	}
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !keepEvidence && c.VariableID >= 0 && c.VariableID < len(run.Variables) && run.Variables[c.VariableID].IsEvidence() {
			result.SkippedEvidence++
			continue
		}
		result.Results = append(result.Results, scoreCase(c, run.Variables, marginals, best))
	}
	if len(result.Results) == 0 {
		return nil, fmt.Errorf("all %d cases are labeled variables", len(cases))
	}

	result.Aggregate = aggregate(result.Results, bins)
	for _, r := range result.Results {
		if r.Covered {
			result.CoveredCases++
		}
		if r.Correct {
			result.CorrectCases++
		}
	}
	result.TotalCases = len(result.Results)
	result.Passed = result.Aggregate.Accuracy >= thresholds.Accuracy &&
		result.Aggregate.Coverage >= thresholds.Coverage &&
		result.Aggregate.ECE <= thresholds.MaxECE
	result.Duration = time.Since(startTime)
	return result, nil
}

// scoreCase scores one case.
func scoreCase(c Case, vars []dataset.Variable, marginals map[int]inference.Marginal, best map[int]reduce.FusedResult) CaseResult {
	res := CaseResult{Case: c}
	if c.VariableID < 0 || c.VariableID >= len(vars) {
		res.Error = "no variable for this entity and attribute"
		return res
	}
	m, ok := marginals[c.VariableID]
	if !ok {
		res.Error = "no marginal for this variable"
		return res
	}
	if idx := convert.IndexOf(vars[c.VariableID].Domain, c.Truth); idx >= 0 && idx < len(m.Probs) {
		res.TruthProbability = m.Probs[idx]
	}
	if top, ok := best[c.VariableID]; ok {
		res.Covered = true
		res.Predicted = top.Value
		res.Probability = top.Probability
		res.Correct = top.Value == c.Truth
	}
	return res
}

// aggregate computes the metrics over every case result.
func aggregate(results []CaseResult, bins int) Metrics {
	n := float64(len(results))
	var covered, correct float64
	brier := make([]float64, 0, len(results))
	logLoss := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Covered {
			covered++
		}
		if r.Correct {
			correct++
		}
		if r.Error != "" {
			continue
		}
		brier = append(brier, brierScore(r))
		logLoss = append(logLoss, -math.Log(math.Max(r.TruthProbability, minProb)))
	}

	m := Metrics{
		Accuracy: correct / n,
		Coverage: covered / n,
		ECE:      calibrationError(results, bins),
	}
	if covered > 0 {
		m.Precision = correct / covered
	}
	if len(brier) > 0 {
		m.Brier = stat.Mean(brier, nil)
		m.LogLoss = stat.Mean(logLoss, nil)
	}
	return m
}

// brierScore is the two-outcome Brier score of the truth: (1 - p_truth)^2
// plus the squared probability of the predicted value when it is wrong.
func brierScore(r CaseResult) float64 {
	s := (1 - r.TruthProbability) * (1 - r.TruthProbability)
	if r.Covered && !r.Correct {
		s += r.Probability * r.Probability
	}
	return s
}

// calibrationError is the expected calibration error of covered cases:
// confidence is bucketed into equal-width bins and the gap between mean
// confidence and accuracy is weighted by bin size.
func calibrationError(results []CaseResult, bins int) float64 {
	if bins <= 0 {
		bins = 10
	}
	conf := make([][]float64, bins)
	hits := make([][]float64, bins)
	total := 0
	for _, r := range results {
		if !r.Covered {
			continue
		}
		b := int(r.Probability * float64(bins))
		if b >= bins {
			b = bins - 1
		}
		if b < 0 {
			b = 0
		}
		conf[b] = append(conf[b], r.Probability)
		hit := 0.0
		if r.Correct {
			hit = 1
		}
		hits[b] = append(hits[b], hit)
		total++
	}
	if total == 0 {
		return 0
	}
	ece := 0.0
	for b := range conf {
		if len(conf[b]) == 0 {
			continue
		}
		gap := math.Abs(stat.Mean(conf[b], nil) - stat.Mean(hits[b], nil))
		ece += gap * float64(len(conf[b])) / float64(total)
	}
	return ece
}
