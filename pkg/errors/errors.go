// Package errors defines the error taxonomy shared by the fusion pipeline.
//
// Fatal conditions are returned as *FusionError values carrying a stable Code.
// They abort the current session transition. Non-fatal conditions are Warning
// values that are collected and reported next to normal output.
//
// Callers match on the code with the standard library:
//
//	if errors.Is(err, fuserr.ErrSequence) {
//		// method called out of order
//	}
package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Code identifies a class of fatal failure.
type Code string

const (
	// SchemaError: an attribute required for keying is absent.
	SchemaError Code = "SCHEMA_ERROR"
	// FeaturizationError: a feature function references an unknown attribute.
	FeaturizationError Code = "FEATURIZATION_ERROR"
	// SequenceError: a session method was invoked out of state-machine order.
	SequenceError Code = "SEQUENCE_ERROR"
	// ConfigError: a configuration value is out of range or unknown.
	ConfigError Code = "CONFIG_ERROR"
	// IngestError: the input file could not be read or parsed.
	IngestError Code = "INGEST_ERROR"
	// StorageError: the data engine failed to read or write a table.
	StorageError Code = "STORAGE_ERROR"
)

// FusionError is a fatal pipeline error.
type FusionError struct {
	Code    Code   `json:"code"`
	Op      string `json:"op,omitempty"`
	Message string `json:"message"`
	cause   error
}

// New creates a FusionError without an underlying cause.
func New(code Code, op, message string) *FusionError {
	return &FusionError{Code: code, Op: op, Message: message}
}

// Newf creates a FusionError with a formatted message.
func Newf(code Code, op, format string, args ...any) *FusionError {
	return &FusionError{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a FusionError around cause. Returns a nil error when cause is
// nil, so it can wrap a call's result directly. A cause that already is a
// *FusionError is returned unchanged.
func Wrap(code Code, op string, cause error) error {
	if cause == nil {
		return nil
	}
	if fe, ok := cause.(*FusionError); ok {
		return fe
	}
	return &FusionError{Code: code, Op: op, Message: cause.Error(), cause: cause}
}

// Error implements the error interface.
func (e *FusionError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	b.WriteString("] ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.cause != nil && e.cause.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *FusionError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a FusionError with the same code.
func (e *FusionError) Is(target error) bool {
	t, ok := target.(*FusionError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is matching. They only carry a code.
var (
	ErrSchema        = &FusionError{Code: SchemaError}
	ErrFeaturization = &FusionError{Code: FeaturizationError}
	ErrSequence      = &FusionError{Code: SequenceError}
	ErrConfig        = &FusionError{Code: ConfigError}
	ErrIngest        = &FusionError{Code: IngestError}
	ErrStorage       = &FusionError{Code: StorageError}
)

// WarningKind identifies a class of non-fatal condition.
type WarningKind string

const (
	// ConvergenceWarning: the gradient norm did not decrease monotonically.
	ConvergenceWarning WarningKind = "CONVERGENCE"
	// UnsupportedVariableWarning: a variable has no attached factors.
	UnsupportedVariableWarning WarningKind = "UNSUPPORTED_VARIABLE"
	// InsufficientSamplesWarning: a marginal's standard error exceeds the tolerance.
	InsufficientSamplesWarning WarningKind = "INSUFFICIENT_SAMPLES"
)

// Warning is a non-fatal condition surfaced alongside normal output.
type Warning struct {
	Kind        WarningKind `json:"kind"`
	Message     string      `json:"message"`
	VariableIDs []int       `json:"variable_ids,omitempty"`
}

// NewWarning creates a warning. Variable ids are copied and sorted.
func NewWarning(kind WarningKind, message string, variableIDs ...int) Warning {
	ids := append([]int(nil), variableIDs...)
	sort.Ints(ids)
	return Warning{Kind: kind, Message: message, VariableIDs: ids}
}

// String returns a one-line rendering suitable for logs.
func (w Warning) String() string {
	if len(w.VariableIDs) == 0 {
		return fmt.Sprintf("%s: %s", w.Kind, w.Message)
	}
	return fmt.Sprintf("%s: %s (variables %v)", w.Kind, w.Message, w.VariableIDs)
}

// FilterWarnings returns the warnings of the given kind.
func FilterWarnings(ws []Warning, kind WarningKind) []Warning {
	var out []Warning
	for _, w := range ws {
		if w.Kind == kind {
			out = append(out, w)
		}
	}
	return out
}
