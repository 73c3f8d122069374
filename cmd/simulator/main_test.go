package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	scenarios := filepath.Join(dir, "scenarios")
	require.NoError(t, os.Mkdir(scenarios, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(scenarios, "lab.yaml"),
		[]byte("fleets:\n  - name: d-\n    amount: 4\n    api: ddi\n"), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte("scenarios:\n  search_paths: ["+scenarios+"]\n"), 0o600))

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", cfgPath})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "scenario lab: 4 devices in 1 fleets")
	assert.Contains(t, out.String(), "update mode command")
}

func TestValidateCommandReportsBrokenScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yaml"), []byte("name: empty\n"), 0o600))

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte("scenarios:\n  search_paths: ["+dir+"]\n"), 0o600))

	cmd := NewRootCommand()
	var errOut bytes.Buffer
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"validate", "--config", cfgPath})
	assert.Error(t, cmd.Execute())
	assert.Contains(t, errOut.String(), "scenario empty")
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		logger, err := newLogger(level)
		require.NoError(t, err, level)
		assert.NotNil(t, logger)
	}
	_, err := newLogger("loud")
	assert.Error(t, err)
}
