package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuite_Fixtures(t *testing.T) {
	result, err := RunSuite(filepath.Join("testdata", "scenarios"), SuiteOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Passed, "%+v", result.Scenarios)
	assert.Equal(t, 0, result.Failed)
	for _, s := range result.Scenarios {
		assert.Equal(t, GoldenMatched, s.Golden, s.Name)
	}
}

func TestRunSuite_Filter(t *testing.T) {
	result, err := RunSuite(filepath.Join("testdata", "scenarios"), SuiteOptions{Filter: "offline_*"})
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	assert.Equal(t, "offline_bid_replay", result.Scenarios[0].Name)
}

func TestRunSuite_GoldenLifecycle(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join("testdata", "scenarios", "offline_bid_replay.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "offline_bid_replay.yaml"), src, 0644))

	result, err := RunSuite(dir, SuiteOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Passed)
	assert.Equal(t, GoldenMissing, result.Scenarios[0].Golden)

	result, err = RunSuite(dir, SuiteOptions{Update: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Passed)
	assert.Equal(t, GoldenUpdated, result.Scenarios[0].Golden)
	assert.FileExists(t, filepath.Join(dir, "golden", "offline_bid_replay.golden"))

	result, err = RunSuite(dir, SuiteOptions{})
	require.NoError(t, err)
	assert.Equal(t, GoldenMatched, result.Scenarios[0].Golden)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "offline_bid_replay.golden"), []byte("{}\n"), 0644))
	result, err = RunSuite(dir, SuiteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, GoldenMismatch, result.Scenarios[0].Golden)
}

func TestRunSuite_LoadErrorCountsAsFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: [\n"), 0644))

	result, err := RunSuite(dir, SuiteOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	assert.Equal(t, "broken.yaml", result.Scenarios[0].Name)
	assert.Contains(t, result.Scenarios[0].Errors[0], "failed to load scenario")
}

func TestRunSuite_MissingDir(t *testing.T) {
	_, err := RunSuite(filepath.Join(t.TempDir(), "nope"), SuiteOptions{})
	assert.Error(t, err)
}
