package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunWithGolden_Fixtures runs every fixture scenario and compares its
// trace and final state against the checked-in golden file.
//
// Regenerate with:
//
//	go test ./internal/harness -run TestRunWithGolden_Fixtures -update
func TestRunWithGolden_Fixtures(t *testing.T) {
	files, err := FindScenarios(filepath.Join("testdata", "scenarios"), "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		t.Run(filepath.Base(file), func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "scenario errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "failure_classification.yaml"))
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := MarshalSnapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestGoldenPath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("scenarios", "golden", "offline.golden"),
		GoldenPath(filepath.Join("scenarios", "offline.yaml")))
}

func TestWriteAndCompareGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "x.golden")
	result := sampleResult()

	require.NoError(t, WriteGolden(path, "x", result))

	match, err := CompareGolden(path, "x", result)
	require.NoError(t, err)
	assert.True(t, match)

	result.State.Pending = 9
	match, err = CompareGolden(path, "x", result)
	require.NoError(t, err)
	assert.False(t, match)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])

	_, err = CompareGolden(filepath.Join(t.TempDir(), "none.golden"), "x", result)
	assert.Error(t, err)
}
