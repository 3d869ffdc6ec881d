package harness

import (
	"fmt"
	"os"
	"path/filepath"
)

// SuiteOptions configures RunSuite.
type SuiteOptions struct {
	// Filter is a glob over scenario base names. Empty runs every file.
	Filter string
	// Update rewrites golden files instead of comparing against them.
	Update bool
}

// ScenarioReport is the outcome of one scenario file in a suite.
type ScenarioReport struct {
	Path   string   `json:"path"`
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Golden string   `json:"golden,omitempty"` // matched, updated, mismatch or missing
	Errors []string `json:"errors,omitempty"`
}

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Scenarios []ScenarioReport `json:"scenarios"`
	Total     int              `json:"total"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
}

// Golden comparison states reported per scenario.
const (
	GoldenMatched  = "matched"
	GoldenUpdated  = "updated"
	GoldenMismatch = "mismatch"
	GoldenMissing  = "missing"
)

// RunSuite runs every scenario file under dir.
//
// For each file:
// 1. Load and validate the scenario
// 2. Run it via Run
// 3. Compare against (or, with Update, rewrite) its golden file when one exists
// 4. Collect pass/fail with reasons
func RunSuite(dir string, opts SuiteOptions) (*SuiteResult, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("scenarios directory: %w", err)
	}
	files, err := FindScenarios(dir, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find scenarios: %w", err)
	}

	result := &SuiteResult{Scenarios: make([]ScenarioReport, 0, len(files))}
	for _, file := range files {
		report := runFile(file, opts)
		result.Scenarios = append(result.Scenarios, report)
		result.Total++
		if report.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

func runFile(file string, opts SuiteOptions) ScenarioReport {
	report := ScenarioReport{Path: file, Name: filepath.Base(file)}

	scenario, err := LoadScenario(file)
	if err != nil {
		report.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return report
	}
	report.Name = scenario.Name

	result, err := Run(scenario)
	if err != nil {
		report.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return report
	}
	report.Errors = result.Errors
	report.Pass = result.Pass

	golden := GoldenPath(file)
	switch {
	case opts.Update:
		if err := WriteGolden(golden, scenario.Name, result); err != nil {
			report.Pass = false
			report.Errors = append(report.Errors, err.Error())
			return report
		}
		report.Golden = GoldenUpdated
	default:
		if _, err := os.Stat(golden); os.IsNotExist(err) {
			report.Golden = GoldenMissing
			return report
		}
		match, err := CompareGolden(golden, scenario.Name, result)
		if err != nil {
			report.Pass = false
			report.Errors = append(report.Errors, fmt.Sprintf("golden comparison failed: %v", err))
			return report
		}
		if !match {
			report.Pass = false
			report.Golden = GoldenMismatch
			report.Errors = append(report.Errors, "trace does not match golden file (run with --update to regenerate)")
			return report
		}
		report.Golden = GoldenMatched
	}
	return report
}
