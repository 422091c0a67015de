package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFusionErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *FusionError
		want string
	}{
		{"code and message", New(SchemaError, "", "missing key"), "[SCHEMA_ERROR] missing key"},
		{"with op", New(SequenceError, "feature", "dataset not ingested"), "[SEQUENCE_ERROR] feature: dataset not ingested"},
		{"formatted", Newf(ConfigError, "validate", "epochs must be > 0, got %d", 0), "[CONFIG_ERROR] validate: epochs must be > 0, got 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestFusionErrorIs(t *testing.T) {
	err := Newf(SchemaError, "key_attribute", "attribute %q not found", "isbn")
	wrapped := fmt.Errorf("featurize: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrSchema))
	assert.False(t, stderrors.Is(wrapped, ErrFeaturization))
	assert.False(t, stderrors.Is(wrapped, ErrSequence))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(StorageError, "write", nil))

	cause := stderrors.New("disk full")
	err := Wrap(StorageError, "write_table", cause)
	require.NotNil(t, err)

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, stderrors.Is(err, ErrStorage))
	assert.Equal(t, "[STORAGE_ERROR] write_table: disk full", err.Error())

	var fe *FusionError
	require.True(t, stderrors.As(fmt.Errorf("outer: %w", err), &fe))
	assert.Equal(t, StorageError, fe.Code)

	inner := New(SchemaError, "key_attribute", "missing isbn")
	assert.Same(t, inner, Wrap(StorageError, "save", inner))
}

func TestWarnings(t *testing.T) {
	w := NewWarning(InsufficientSamplesWarning, "stderr above tolerance", 9, 3, 5)
	assert.Equal(t, []int{3, 5, 9}, w.VariableIDs)
	assert.Contains(t, w.String(), "INSUFFICIENT_SAMPLES")
	assert.Contains(t, w.String(), "[3 5 9]")

	plain := NewWarning(ConvergenceWarning, "gradient norm increased at epoch 4")
	assert.Equal(t, "CONVERGENCE: gradient norm increased at epoch 4", plain.String())

	ws := []Warning{w, plain, NewWarning(UnsupportedVariableWarning, "no factors", 1)}
	assert.Len(t, FilterWarnings(ws, ConvergenceWarning), 1)
	assert.Len(t, FilterWarnings(ws, UnsupportedVariableWarning), 1)
	assert.Empty(t, FilterWarnings(nil, ConvergenceWarning))
}
