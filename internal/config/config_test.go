package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndPrimaryFlag(t *testing.T) {
	path := writeConfig(t, `[
		{"cmd": "gopls"},
		{"cmd": "yamlls", "useCompletion": true, "useDiagnostics": false}
	]`)

	backends, err := Load(path)
	require.NoError(t, err)
	require.Len(t, backends, 2)

	assert.True(t, backends[0].Primary)
	assert.False(t, backends[1].Primary)

	// useDiagnostics defaults to true when absent from the document.
	assert.True(t, backends[0].UseDiagnostics)
	assert.False(t, backends[1].UseDiagnostics)

	assert.Equal(t, DefaultHost, backends[0].Host)
}

func TestLoadRejectsBothCmdAndPort(t *testing.T) {
	path := writeConfig(t, `[{"cmd": "gopls", "port": 1234}]`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNeitherCmdNorPort(t *testing.T) {
	path := writeConfig(t, `[{"host": "127.0.0.1"}]`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptyArray(t *testing.T) {
	path := writeConfig(t, `[]`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestBackendIsTCP(t *testing.T) {
	path := writeConfig(t, `[{"port": 9257, "host": "localhost"}]`)
	backends, err := Load(path)
	require.NoError(t, err)
	assert.True(t, backends[0].IsTCP())
	assert.Equal(t, "localhost", backends[0].Host)
}

func TestUseDiagnosticsExplicitFalseIsRespected(t *testing.T) {
	path := writeConfig(t, `[{"cmd": "gopls", "useDiagnostics": false}]`)
	backends, err := Load(path)
	require.NoError(t, err)
	assert.False(t, backends[0].UseDiagnostics)
}

func TestInitializationOptionsPreservedAsRaw(t *testing.T) {
	path := writeConfig(t, `[{"cmd": "gopls", "initializationOptions": {"foo": "bar"}}]`)
	backends, err := Load(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"foo":"bar"}`, string(backends[0].InitializationOptions))
}
