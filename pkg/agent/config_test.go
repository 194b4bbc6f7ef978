package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivorynet/devtools-bridge/pkg/breakpoint"
)

var configEnv = []string{
	"DEVTOOLS_BRIDGE_ENDPOINT",
	"DEVTOOLS_BRIDGE_TARGET",
	"DEVTOOLS_BRIDGE_MAX_DEPTH",
	"DEVTOOLS_BRIDGE_EVAL_TIMEOUT",
	"DEVTOOLS_BRIDGE_CALL_TIMEOUT",
	"DEVTOOLS_BRIDGE_FAN_OUT_LIMIT",
	"DEVTOOLS_BRIDGE_TEMPLATE_DIR",
	"DEVTOOLS_BRIDGE_WATCH_TEMPLATES",
	"DEVTOOLS_BRIDGE_DEBUG",
}

func clearEnv(t *testing.T) {
	for _, key := range configEnv {
		t.Setenv(key, "")
	}
}

func TestNewConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg := NewConfig()

	assert.Equal(t, "9222", cfg.Endpoint)
	assert.Empty(t, cfg.Target)
	assert.Equal(t, 3, cfg.MaxDepth)
	assert.Equal(t, 500*time.Millisecond, cfg.EvalTimeout)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, "injectables", cfg.TemplateDir)
	assert.False(t, cfg.WatchTemplates)
	assert.False(t, cfg.Debug)
	assert.Nil(t, cfg.Logger)
}

func TestNewConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEVTOOLS_BRIDGE_ENDPOINT", "localhost:9333")
	t.Setenv("DEVTOOLS_BRIDGE_TARGET", `background\.html`)
	t.Setenv("DEVTOOLS_BRIDGE_MAX_DEPTH", "5")
	t.Setenv("DEVTOOLS_BRIDGE_EVAL_TIMEOUT", "250")
	t.Setenv("DEVTOOLS_BRIDGE_CALL_TIMEOUT", "3s")
	t.Setenv("DEVTOOLS_BRIDGE_WATCH_TEMPLATES", "true")
	t.Setenv("DEVTOOLS_BRIDGE_DEBUG", "true")

	cfg := NewConfig()
	assert.Equal(t, "localhost:9333", cfg.Endpoint)
	assert.Equal(t, `background\.html`, cfg.Target)
	assert.Equal(t, 5, cfg.MaxDepth)
	assert.Equal(t, 250*time.Millisecond, cfg.EvalTimeout)
	assert.Equal(t, 3*time.Second, cfg.CallTimeout)
	assert.True(t, cfg.WatchTemplates)
	assert.True(t, cfg.Debug)
}

func TestNewConfigIgnoresMalformedEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEVTOOLS_BRIDGE_MAX_DEPTH", "deep")
	t.Setenv("DEVTOOLS_BRIDGE_CALL_TIMEOUT", "soon")

	cfg := NewConfig()
	assert.Equal(t, 3, cfg.MaxDepth)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
}

func TestOptionsOverrideEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEVTOOLS_BRIDGE_ENDPOINT", "9333")

	cfg := NewConfig(WithEndpoint("9444"), WithTarget("app"), WithDebug(true))
	assert.Equal(t, "9444", cfg.Endpoint)
	assert.Equal(t, "app", cfg.Target)
	assert.True(t, cfg.Debug)
}

const configYAML = `
endpoint: "127.0.0.1:9333"
max_depth: 4
eval_timeout: 1s
constants:
  SENDER: "+1555"
breakpoints:
  - url_regex: 'file:///[a-zA-Z./]+conversations\.js$'
    line: 2220
    column: 4
    expression: msg
    timeout: 750ms
`

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DEVTOOLS_BRIDGE_ENDPOINT", "9000")
	t.Setenv("DEVTOOLS_BRIDGE_TARGET", "from-env")

	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o644))

	cfg, err := LoadConfigFile(path, WithMaxDepth(6))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9333", cfg.Endpoint)
	assert.Equal(t, "from-env", cfg.Target)
	assert.Equal(t, 6, cfg.MaxDepth)
	assert.Equal(t, time.Second, cfg.EvalTimeout)
	assert.Equal(t, "+1555", cfg.Constants["SENDER"])

	require.Len(t, cfg.Breakpoints, 1)
	reg := cfg.Breakpoints[0]
	assert.Equal(t, `file:///[a-zA-Z./]+conversations\.js$`, reg.URLRegex)
	assert.Equal(t, 2220, reg.LineNumber)
	require.NotNil(t, reg.ColumnNumber)
	assert.Equal(t, 4, *reg.ColumnNumber)
	assert.Equal(t, "msg", reg.Expression)
	assert.Equal(t, 750*time.Millisecond, reg.Timeout)
}

func TestLoadConfigFileErrors(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_depth: [1"), 0o644))
	_, err = LoadConfigFile(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestWithBreakpointsAppends(t *testing.T) {
	a := breakpoint.Registration{URL: "a.js", Expression: "a"}
	b := breakpoint.Registration{URL: "b.js", Expression: "b"}

	cfg := NewConfig(WithBreakpoints(a), WithBreakpoints(b))
	assert.Equal(t, []breakpoint.Registration{a, b}, cfg.Breakpoints)
}
