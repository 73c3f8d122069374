package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixedFleet = `
name: mixed
description: push and poll devices
fleets:
  - name: dmf-
    amount: 5
    tenant: acme
    api: dmf
  - name: ddi-
    amount: 2
    api: ddi
    endpoint: http://hawkbit:8080
    poll_delay: 10
`

func writeScenario(t *testing.T, dir, file, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o600))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "mixed.yaml", mixedFleet)

	l := NewLoader([]string{filepath.Join(dir, "nope"), dir})
	s, err := l.Load("mixed")
	require.NoError(t, err)

	assert.Equal(t, "mixed", s.Name)
	require.Len(t, s.Fleets, 2)
	assert.Equal(t, "acme", s.Fleets[0].Tenant)
	assert.Equal(t, "http://hawkbit:8080", s.Fleets[1].Endpoint)
	assert.Equal(t, 10, s.Fleets[1].PollDelay)
	assert.Equal(t, 7, s.Devices())

	// served from cache after the file is gone
	require.NoError(t, os.Remove(filepath.Join(dir, "mixed.yaml")))
	cached, err := l.Load("mixed")
	require.NoError(t, err)
	assert.Same(t, s, cached)

	l.ClearCache()
	_, err = l.Load("mixed")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadDefaultsNameAndYmlExtension(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "small.yml", "fleets:\n  - name: d\n    amount: 1\n")

	s, err := NewLoader([]string{dir}).Load("small")
	require.NoError(t, err)
	assert.Equal(t, "small", s.Name)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "empty.yaml", "name: empty\n")
	writeScenario(t, dir, "badapi.yaml", "fleets:\n  - name: d\n    amount: 1\n    api: carrier-pigeon\n")
	writeScenario(t, dir, "zero.yaml", "fleets:\n  - name: d\n    amount: 0\n")
	writeScenario(t, dir, "broken.yaml", "fleets: [\n")
	l := NewLoader([]string{dir})

	for _, name := range []string{"empty", "badapi", "zero", "broken", "../etc/passwd", ""} {
		_, err := l.Load(name)
		assert.Error(t, err, name)
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "b.yaml", mixedFleet)
	writeScenario(t, dir, "a.yml", mixedFleet)
	writeScenario(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o700))

	assert.Equal(t, []string{"a", "b"}, NewLoader([]string{dir}).List())
}
