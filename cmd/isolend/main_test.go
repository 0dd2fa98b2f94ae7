package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const borrowScenario = `
name: supply and borrow
steps:
  - {action: fund, account: alice, asset: USDC, amount: "1000"}
  - {action: fund, account: bob, asset: ETH, amount: "1"}
  - {action: mint, pool: main, market: vUSDC, account: alice, amount: "1000"}
  - {action: mint, pool: main, market: vETH, account: bob, amount: "1"}
  - {action: enter, pool: main, market: vETH, account: bob}
  - {action: borrow, pool: main, market: vUSDC, account: bob, amount: "400"}
  - {action: advance, periods: 3600}
  - {action: accrue, pool: main, market: vUSDC}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeScenario(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestRunPrintsStepsAndState(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "run",
		"--config", filepath.Join(dir, "protocol.toml"),
		"--scenario", writeScenario(t, dir, borrowScenario),
		"--db", "mem")
	require.NoError(t, err)

	require.Contains(t, out, "STEPS")
	require.Contains(t, out, "borrow")
	require.NotContains(t, out, "error:")
	require.Contains(t, out, "lending.borrow")
	require.Contains(t, out, "vUSDC")
	require.FileExists(t, filepath.Join(dir, "protocol.toml"))
}

func TestRunReportsFailingStep(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "run",
		"--config", filepath.Join(dir, "protocol.toml"),
		"--scenario", writeScenario(t, dir, "steps:\n  - {action: borrow, pool: main, market: vUSDC, account: bob, amount: \"5\"}\n"),
		"--no-events")
	require.Error(t, err)
	require.Contains(t, out, "error:")
	require.NotContains(t, out, "EVENTS")
}

func TestRunRequiresScenario(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "protocol.toml"))
	require.ErrorContains(t, err, "--scenario")
}

func TestInspectReadsPersistedDeployment(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "protocol.toml")
	data := filepath.Join(dir, "data")
	index := "file:" + filepath.Join(dir, "events.db")

	_, err := execute(t, "run",
		"--config", config,
		"--scenario", writeScenario(t, dir, borrowScenario),
		"--db", "bolt", "--data", data, "--index", index)
	require.NoError(t, err)

	out, err := execute(t, "inspect",
		"--config", config,
		"--db", "bolt", "--data", data, "--index", index,
		"--type", "lending.borrow")
	require.NoError(t, err)
	require.Contains(t, out, "STATE at period")
	require.Contains(t, out, "INDEXED EVENTS")

	var borrowRows int
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") && strings.Contains(line, "lending.borrow") {
			borrowRows++
		}
	}
	require.Equal(t, 1, borrowRows)
}
