package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/holofusion/pkg/config"
	"github.com/orneryd/holofusion/pkg/reduce"
)

const booksCSV = `source,isbn,title,author
amazon,0439,Harry Potter,J. K. Rowling
barnes,0439,Harry Potter,Rowling
abebooks,0439,Harry Potter,J. K. Rowling
amazon,10,Dune,Frank Herbert
barnes,10,Dune,Herbert
abebooks,10,Dune,Frank Herbert
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "HoloFusion v"+version)
}

func TestRun_CSV(t *testing.T) {
	data := writeFile(t, "books.csv", booksCSV)
	out, err := execute(t, "run", data, "--key", "isbn", "--in-memory", "--quiet", "--output", "csv", "--seed", "7")
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5, "header plus one row per variable")
	assert.Equal(t, resultHeader, records[0])

	byVar := make(map[string]string)
	for _, rec := range records[1:] {
		byVar[rec[0]+"."+rec[1]] = rec[2]
		assert.Equal(t, "1", rec[4])
	}
	assert.Equal(t, "Harry Potter", byVar["0439.title"])
	assert.Equal(t, "Dune", byVar["10.title"])
}

func TestRun_JSON(t *testing.T) {
	data := writeFile(t, "books.csv", booksCSV)
	out, err := execute(t, "run", data, "--key", "isbn", "--in-memory", "--quiet", "-o", "json", "--first-k", "0")
	require.NoError(t, err)

	var results []reduce.FusedResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	// Titles have one candidate each, authors two.
	assert.Len(t, results, 6)
}

func TestRun_Errors(t *testing.T) {
	data := writeFile(t, "books.csv", booksCSV)

	_, err := execute(t, "run", data, "--key", "isbn", "--in-memory", "--quiet", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")

	_, err = execute(t, "run", data, "--in-memory", "--quiet")
	assert.Error(t, err, "no key attributes")

	_, err = execute(t, "run", data, "--key", "isbn", "--in-memory", "--quiet", "--threshold", "2")
	assert.ErrorContains(t, err, "fusion.threshold")

	_, err = execute(t, "run")
	assert.Error(t, err)
}

func TestEval(t *testing.T) {
	data := writeFile(t, "books.csv", booksCSV)
	truth := writeFile(t, "truth.csv", "isbn,title,author\n0439,Harry Potter,J. K. Rowling\n10,Dune,Frank Herbert\n")

	out, err := execute(t, "eval", data, "--key", "isbn", "--truth", truth, "--in-memory", "--quiet",
		"--format", "compact", "--min-accuracy", "0", "--min-coverage", "0", "--max-ece", "1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "[PASS]"), out)
	assert.Contains(t, out, "/4 correct")

	_, err = execute(t, "eval", data, "--key", "isbn", "--truth", truth, "--in-memory", "--quiet",
		"--format", "compact", "--min-coverage", "1.1")
	assert.ErrorIs(t, err, errEvalFailed)
}

func TestEval_KeepEvidence(t *testing.T) {
	data := writeFile(t, "books.csv", booksCSV)
	labels := writeFile(t, "labels.csv", "isbn,author\n0439,J. K. Rowling\n")
	truth := writeFile(t, "truth.csv", "isbn,author\n0439,J. K. Rowling\n10,Frank Herbert\n")
	save := filepath.Join(t.TempDir(), "eval.json")

	out, err := execute(t, "eval", data, "--key", "isbn", "--labels", labels, "--truth", truth,
		"--in-memory", "--quiet", "--format", "json", "--keep-evidence", "--max-ece", "1",
		"--min-accuracy", "0", "--min-coverage", "0", "--save", save)
	require.NoError(t, err)

	var result struct {
		TotalCases      int `json:"total_cases"`
		SkippedEvidence int `json:"skipped_evidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, 2, result.TotalCases)
	assert.Equal(t, 0, result.SkippedEvidence)
	assert.FileExists(t, save)
}

func TestInitConfig(t *testing.T) {
	out, err := execute(t, "init-config")
	require.NoError(t, err)
	cfg, err := config.ParseConfig([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "holofusion.yaml")
	_, err = execute(t, "init-config", path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = execute(t, "init-config", path)
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, "init-config", path, "--force")
	assert.NoError(t, err)
}

func TestTables_Persisted(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, "books.csv", booksCSV)
	_, err := execute(t, "run", data, "--key", "isbn", "--data-dir", dir, "--quiet")
	require.NoError(t, err)

	out, err := execute(t, "tables", "--data-dir", dir, "--quiet")
	require.NoError(t, err)
	ids := strings.Fields(out)
	require.Len(t, ids, 2, "the dataset and the run session's namespace")
	assert.Equal(t, ids[0]+"/run0", ids[1])

	out, err = execute(t, "tables", ids[0], "--data-dir", dir, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "rows")
	assert.NotContains(t, out, "results")

	out, err = execute(t, "tables", ids[1], "--data-dir", dir, "--quiet")
	require.NoError(t, err)
	assert.Contains(t, out, "TABLE")
	assert.Contains(t, out, "results")
	assert.Contains(t, out, "marginals")

	_, err = execute(t, "tables", "nope", "--data-dir", dir, "--quiet")
	assert.Error(t, err)
}

func TestResolveConfig_Precedence(t *testing.T) {
	path := writeFile(t, "cfg.yaml", "learning:\n  epochs: 7\nsampling:\n  workers: 2\n")
	t.Setenv("HOLOFUSION_WORKERS", "3")

	cmd := newRootCmd()
	runCmd, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, runCmd.ParseFlags([]string{
		"--config", path, "--key", "isbn,title", "--seed", "5", "--verbose", "--in-memory",
	}))

	cfg, err := resolveConfig(runCmd)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Learning.Epochs)
	assert.Equal(t, 3, cfg.Sampling.Workers, "environment overrides the file")
	assert.Equal(t, []string{"isbn", "title"}, cfg.Featurize.KeyAttributes)
	assert.Equal(t, int64(5), cfg.Learning.Seed)
	assert.Equal(t, int64(6), cfg.Sampling.Seed)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, 1, cfg.Fusion.FirstK, "unset flags keep the configured value")
}

func TestRun_MetricsTextfile(t *testing.T) {
	data := writeFile(t, "books.csv", booksCSV)
	prom := filepath.Join(t.TempDir(), "holofusion.prom")
	_, err := execute(t, "run", data, "--key", "isbn", "--in-memory", "--quiet", "--metrics-textfile", prom)
	require.NoError(t, err)

	body, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(body), "holofusion_session_transitions_total")
}
