package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/aivorynet/devtools-bridge/pkg/capture"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		"ID=42",
		"NAME=alice",
		`BODY="hi there"`,
		`OPTS={"a":[1,2]}`,
		"EXPR=a=b",
		"EMPTY=",
	})
	require.NoError(t, err)

	assert.Equal(t, 42.0, params["ID"])
	assert.Equal(t, "alice", params["NAME"])
	assert.Equal(t, "hi there", params["BODY"])
	assert.Equal(t, map[string]interface{}{"a": []interface{}{1.0, 2.0}}, params["OPTS"])
	assert.Equal(t, "a=b", params["EXPR"])
	assert.Equal(t, "", params["EMPTY"])
}

func TestParseParamsRejectsMalformedPairs(t *testing.T) {
	for _, pair := range []string{"NOVALUE", "=x"} {
		_, err := parseParams([]string{pair})
		assert.Error(t, err, pair)
	}
}

func TestHookRegistration(t *testing.T) {
	hookURL, hookURLRegex, hookColumn = "", "", -1
	_, ok := hookRegistration()
	assert.False(t, ok)

	hookURLRegex = `conversations\.js$`
	hookLine = 2220
	hookExpr = "msg"
	hookColumn = 4
	t.Cleanup(func() {
		hookURLRegex, hookLine, hookExpr, hookColumn = "", 0, "", -1
	})

	reg, ok := hookRegistration()
	require.True(t, ok)
	assert.Equal(t, `conversations\.js$`, reg.URLRegex)
	assert.Equal(t, 2220, reg.LineNumber)
	assert.Equal(t, "msg", reg.Expression)
	require.NotNil(t, reg.ColumnNumber)
	assert.Equal(t, 4, *reg.ColumnNumber)
}

func TestLineWriterEmitsOneRecordPerLine(t *testing.T) {
	var buf bytes.Buffer
	w := newLineWriter(&buf)

	value := capture.ObjectValue(
		capture.Field{Key: "text", Value: capture.StringValue("<hi>")},
		capture.Field{Key: "n", Value: capture.NumberValue(1)},
	)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.callback(context.Background(), nil, value))
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 8)
	for _, line := range lines {
		var rec struct {
			Time  string          `json:"time"`
			Value json.RawMessage `json:"value"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		assert.NotEmpty(t, rec.Time)
		assert.Equal(t, `{"text":"<hi>","n":1}`, string(rec.Value))
	}
}

func TestDebugFromConfigFileSetsLoggerLevel(t *testing.T) {
	t.Setenv("DEVTOOLS_BRIDGE_DEBUG", "")
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\n"), 0o644))

	configPath = path
	t.Cleanup(func() {
		configPath, config, logger = "", nil, nil
	})

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	assert.True(t, config.Debug)
	assert.Same(t, logger, config.Logger)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestDebugFromEnvSetsLoggerLevel(t *testing.T) {
	t.Setenv("DEVTOOLS_BRIDGE_DEBUG", "true")
	t.Cleanup(func() {
		config, logger = nil, nil
	})

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestLoggerDefaultsToInfo(t *testing.T) {
	t.Setenv("DEVTOOLS_BRIDGE_DEBUG", "")
	t.Cleanup(func() {
		config, logger = nil, nil
	})

	require.NoError(t, rootCmd.PersistentPreRunE(rootCmd, nil))
	assert.False(t, config.Debug)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
