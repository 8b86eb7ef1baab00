package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/tryton-analyzer/internal/config"
	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/introspect"
	"github.com/phobologic/tryton-analyzer/internal/lint"
	"github.com/phobologic/tryton-analyzer/internal/manifest"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

func fixtureDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("testdata", "modules"))
	require.NoError(t, err)
	return dir
}

// testApp runs introspection workers in-process.
func testApp(stdin string) (*app, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	a := &app{stdin: strings.NewReader(stdin), stdout: &stdout, stderr: &stderr}
	a.spawner = func(paths []string) (introspect.Spawner, error) {
		reg := introspect.NewRegistry(manifest.NewLocator(paths), nil, ctxlog.Discard())
		return &introspect.InProcessSpawner{Registry: reg}, nil
	}
	return a, &stdout, &stderr
}

func TestRunVersion(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"version"}, &stdout, &stderr))
	assert.Equal(t, "tryton-analyzer dev\n", stdout.String())
}

func TestRunUnknownCommand(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	assert.Error(t, run([]string{"frobnicate"}, &stdout, &stderr))
}

func TestLintJSON(t *testing.T) {
	t.Parallel()

	a, stdout, _ := testApp("")
	dir := filepath.Join(fixtureDir(t), "sample_module")
	err := a.execute(context.Background(), []string{"lint", "--format", "json", dir})
	require.ErrorIs(t, err, lint.ErrFindings)

	var reports []model.ModuleReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, "sample_module", reports[0].Name)
	assert.Equal(t, dir, reports[0].Dir)
	assert.Len(t, reports[0].Files, 6)

	var codes []model.Code
	for _, d := range reports[0].Diagnostics {
		codes = append(codes, d.Code)
	}
	assert.Contains(t, codes, model.CodeUnknownAttribute)
	assert.Contains(t, codes, model.CodeMissingRegisterInInit)
}

func TestLintText(t *testing.T) {
	t.Parallel()

	a, stdout, _ := testApp("")
	dir := filepath.Join(fixtureDir(t), "sample_module")
	err := a.execute(context.Background(), []string{"lint", "--color", "never", dir})
	require.ErrorIs(t, err, lint.ErrFindings)

	out := stdout.String()
	assert.True(t, strings.HasPrefix(out, "sample_module\n"), out)
	assert.Contains(t, out, "library.py:")
	assert.Contains(t, out, "ERROR 1007 UnknownAttribute")
	assert.Contains(t, out, "6 files,")
	assert.NotContains(t, out, "\x1b[")
}

func TestLintFlags(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		args []string
		want string
	}{
		"format": {args: []string{"lint", "--format", "xml"}, want: "unknown format"},
		"color":  {args: []string{"lint", "--color", "sometimes"}, want: "unknown color mode"},
		"module": {args: []string{"lint", "no_such_module"}, want: "no_such_module"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			a, _, _ := testApp("")
			err := a.execute(context.Background(), tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfigFlag(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "analyzer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))

	a, _, _ := testApp("")
	err := a.execute(context.Background(), []string{"version", "--config", path})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestIntrospectCommand(t *testing.T) {
	t.Parallel()

	a, stdout, stderr := testApp(`{"id":"1","method":"ping"}` + "\n")
	err := a.execute(context.Background(), []string{"introspect", "--log-level", "debug", "--module-path", fixtureDir(t)})
	require.NoError(t, err)

	dec := json.NewDecoder(stdout)
	var ready, pong introspect.Response
	require.NoError(t, dec.Decode(&ready))
	require.NoError(t, dec.Decode(&pong))
	assert.Equal(t, introspect.StatusReady, ready.Status)
	assert.Equal(t, "1", pong.ID)
	assert.JSONEq(t, `"pong"`, string(pong.Result))
	assert.Contains(t, stderr.String(), "introspection worker starting")
}

func TestColorOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	on, err := colorOutput("always", &buf)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = colorOutput("auto", &buf)
	require.NoError(t, err)
	assert.False(t, on)

	_, err = colorOutput("rainbow", &buf)
	assert.Error(t, err)
}

func TestModulePaths(t *testing.T) {
	t.Parallel()

	a := &app{cfg: config.Default()}
	a.cfg.ModulePaths = []string{"/opt/tryton/modules"}
	fixtures := fixtureDir(t)

	got := a.modulePaths(
		filepath.Join(fixtures, "sample_module"),
		filepath.Join(fixtures, "sample_module", "view"),
		filepath.Join(fixtures, "ir"),
		"party",
		t.TempDir(),
	)
	assert.Equal(t, []string{"/opt/tryton/modules", fixtures}, got)
}
