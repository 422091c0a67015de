package eval

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Reporter formats and outputs evaluation results.
type Reporter struct {
	writer io.Writer
}

// NewReporter creates a new reporter that writes to the given writer.
func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stdout
	}
	return &Reporter{writer: w}
}

// PrintSummary prints a human-readable summary of results.
func (r *Reporter) PrintSummary(result *EvalResult) {
	w := r.writer

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║              HoloFusion Evaluation Results                     ║")
	fmt.Fprintln(w, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "📊 Session: %s\n", result.SuiteName)
	fmt.Fprintf(w, "📅 Time:    %s\n", result.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "⏱️  Duration: %v\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	statusIcon := "✅"
	if !result.Passed {
		statusIcon = "❌"
	}
	fmt.Fprintf(w, "%s Cases: %d correct, %d covered, %d total", statusIcon,
		result.CorrectCases, result.CoveredCases, result.TotalCases)
	if result.SkippedEvidence > 0 {
		fmt.Fprintf(w, " (%d labeled skipped)", result.SkippedEvidence)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────────────┐")
	fmt.Fprintln(w, "│                     Aggregate Metrics                           │")
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")

	r.printMetricRow(w, "Accuracy", result.Aggregate.Accuracy, result.Thresholds.Accuracy, false)
	r.printMetricRow(w, "Precision", result.Aggregate.Precision, -1, false)
	r.printMetricRow(w, "Coverage", result.Aggregate.Coverage, result.Thresholds.Coverage, false)
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	r.printMetricRow(w, "Brier", result.Aggregate.Brier, -1, true)
	r.printMetricRow(w, "ECE", result.Aggregate.ECE, result.Thresholds.MaxECE, true)
	fmt.Fprintf(w, "│   %-14s %.3f\n", "Log loss", result.Aggregate.LogLoss)

	fmt.Fprintln(w, "└─────────────────────────────────────────────────────────────────┘")
	fmt.Fprintln(w)
}

// printMetricRow prints a single metric row with optional threshold
// comparison. When lowerIsBetter the threshold is an upper bound.
func (r *Reporter) printMetricRow(w io.Writer, name string, value, threshold float64, lowerIsBetter bool) {
	bar := r.progressBar(value, 20)
	status := " "
	if threshold >= 0 {
		ok := value >= threshold
		if lowerIsBetter {
			ok = value <= threshold
		}
		if ok {
			status = "✓"
		} else {
			status = "✗"
		}
	}

	threshStr := ""
	if threshold >= 0 {
		bound := "target"
		if lowerIsBetter {
			bound = "max"
		}
		threshStr = fmt.Sprintf(" (%s: %.2f)", bound, threshold)
	}

	fmt.Fprintf(w, "│ %s %-14s %s %.3f%s\n", status, name, bar, value, threshStr)
}

// progressBar creates a visual progress bar.
func (r *Reporter) progressBar(value float64, width int) string {
	filled := int(value * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s]", bar)
}

// PrintDetails prints the cases the fused output got wrong or missed.
func (r *Reporter) PrintDetails(result *EvalResult) {
	w := r.writer

	fmt.Fprintln(w)
	fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────────────┐")
	fmt.Fprintln(w, "│                     Incorrect Cases                             │")
	fmt.Fprintln(w, "└─────────────────────────────────────────────────────────────────┘")
	fmt.Fprintln(w)

	shown := 0
	for _, cr := range result.Results {
		if cr.Correct {
			continue
		}
		shown++
		status := "⚠️"
		if cr.Error != "" {
			status = "❌"
		}
		fmt.Fprintf(w, "%s %s.%s\n", status, truncate(cr.Case.Key, 40), cr.Case.Attribute)
		fmt.Fprintf(w, "   Truth: %q (p=%.3f)\n", truncate(cr.Case.Truth, 50), cr.TruthProbability)
		switch {
		case cr.Error != "":
			fmt.Fprintf(w, "   Error: %s\n", cr.Error)
		case cr.Covered:
			fmt.Fprintf(w, "   Fused: %q (p=%.3f)\n", truncate(cr.Predicted, 50), cr.Probability)
		default:
			fmt.Fprintln(w, "   Fused: no value above threshold")
		}
		fmt.Fprintln(w)
	}
	if shown == 0 {
		fmt.Fprintln(w, "All cases correct.")
		fmt.Fprintln(w)
	}
}

// PrintJSON outputs results as JSON.
func (r *Reporter) PrintJSON(result *EvalResult) error {
	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// SaveJSON saves results to a JSON file.
func (r *Reporter) SaveJSON(result *EvalResult, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// PrintCompact prints a one-line summary.
func (r *Reporter) PrintCompact(result *EvalResult) {
	status := "PASS"
	if !result.Passed {
		status = "FAIL"
	}

	fmt.Fprintf(r.writer, "[%s] %d/%d correct | acc=%.2f cov=%.2f brier=%.3f logloss=%.3f ece=%.3f | %v\n",
		status,
		result.CorrectCases, result.TotalCases,
		result.Aggregate.Accuracy,
		result.Aggregate.Coverage,
		result.Aggregate.Brier,
		result.Aggregate.LogLoss,
		result.Aggregate.ECE,
		result.Duration.Round(time.Millisecond),
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
