package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"ir", "res"}, c.BaseModules)
	assert.Equal(t, 100, c.CompletionLimit)
	assert.Equal(t, 5*time.Second, c.Worker.Timeout.Std())
	assert.Equal(t, 3, c.Worker.RespawnBurst)
	assert.Empty(t, c.Worker.Command)
}

func TestParseOverridesDefaults(t *testing.T) {
	t.Parallel()

	c := Default()
	data := []byte(`
module_paths: [/opt/trytond/modules]
ignore_codes: ["1008"]
worker:
  timeout: 250ms
special_parameters:
  - method: process
    index: 1
    cardinality: many
`)
	require.NoError(t, Parse(data, c))
	require.NoError(t, c.Validate())

	assert.Equal(t, []string{"/opt/trytond/modules"}, c.ModulePaths)
	assert.Equal(t, 250*time.Millisecond, c.Worker.Timeout.Std())
	assert.Equal(t, 30*time.Second, c.Worker.StartTimeout.Std(), "unset keys keep their default")
	assert.True(t, c.Ignored("1008"))
	assert.False(t, c.Ignored("1007"))
	require.Len(t, c.SpecialParameters, 1)
	assert.Equal(t, "process", c.SpecialParameters[0].Method)
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"bad level", "log_level: loud\n"},
		{"bad code", "ignore_codes: [\"17\"]\n"},
		{"zero limit", "completion_limit: 0\n"},
		{"bad cardinality", "special_parameters:\n  - method: x\n    index: 1\n    cardinality: some\n"},
		{"no method", "special_parameters:\n  - index: 1\n    cardinality: many\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Default()
			require.NoError(t, Parse([]byte(tt.yaml), c))
			err := c.Validate()
			assert.True(t, errors.Is(err, ErrInvalid), "err = %v", err)
		})
	}
}

func TestParseBadDuration(t *testing.T) {
	t.Parallel()

	c := Default()
	err := Parse([]byte("worker:\n  timeout: soon\n"), c)
	assert.Error(t, err)
}

func TestLoadFileRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("module_paths: [modules]\n"), 0o644))
	t.Setenv(EnvModulePaths, "")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, c.Path)
	assert.Equal(t, []string{filepath.Join(dir, "modules")}, c.ModulePaths)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("module_paths: [modules]\n"), 0o644))
	t.Setenv(EnvModulePaths, "/a"+string(os.PathListSeparator)+"/b")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, c.ModulePaths)
}

func TestFind(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), nil, 0o644))

	assert.Equal(t, filepath.Join(root, FileName), Find(nested))
}
