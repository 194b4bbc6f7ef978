package inject

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aivorynet/devtools-bridge/internal/cdptest"
	"github.com/aivorynet/devtools-bridge/pkg/capture"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestComposeSubstitutesJSONLiterals(t *testing.T) {
	got, err := Compose("x+{{A}}", map[string]interface{}{"A": 5})
	require.NoError(t, err)
	assert.Equal(t, "x+5", got)

	got, err = Compose(`send({{TO}}, {{BODY}}, {{TO}})`, map[string]interface{}{
		"TO":   "+1555",
		"BODY": `say "hi" <b>`,
	})
	require.NoError(t, err)
	assert.Equal(t, `send("+1555", "say \"hi\" <b>", "+1555")`, got)

	got, err = Compose("f({{OPTS}})", map[string]interface{}{
		"OPTS": map[string]interface{}{"n": 1, "tags": []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `f({"n":1,"tags":["a"]})`, got)
}

func TestComposeIgnoresExtraParams(t *testing.T) {
	got, err := Compose("1+1", map[string]interface{}{"UNUSED": true})
	require.NoError(t, err)
	assert.Equal(t, "1+1", got)
}

func TestComposeReportsEveryMissingParameter(t *testing.T) {
	_, err := Compose("{{B}}+{{A}}+{{C}}", map[string]interface{}{"C": 1})

	var missing *MissingParameterError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"A", "B"}, missing.Names)
	assert.Contains(t, err.Error(), "A, B")
}

func TestComposeRejectsUnencodableParameter(t *testing.T) {
	_, err := Compose("{{F}}", map[string]interface{}{"F": func() {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode parameter F")
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"A", "b_1"}, Placeholders("{{A}} {{b_1}} {{A}} {{ spaced }} {{1x}}"))
	assert.Empty(t, Placeholders("no placeholders"))
}

func evaluateReturning(rt *cdptest.Runtime, result map[string]interface{}) {
	rt.Handle("Runtime.evaluate", func(json.RawMessage) (interface{}, error) {
		return result, nil
	})
}

func TestEvaluateSubmitsComposedExpression(t *testing.T) {
	rt := cdptest.New()
	evaluateReturning(rt, map[string]interface{}{"result": cdptest.Num(6)})

	g := NewGateway(rt)
	v, err := g.Evaluate(context.Background(), "x+{{A}}", map[string]interface{}{"A": 5})
	require.NoError(t, err)
	assert.Equal(t, 6.0, v.Number())

	calls := rt.Calls("Runtime.evaluate")
	require.Len(t, calls, 1)
	var req proto.RuntimeEvaluate
	require.NoError(t, json.Unmarshal(calls[0].Params, &req))
	assert.Equal(t, "x+5", req.Expression)
	assert.True(t, req.AwaitPromise)
	assert.NotEmpty(t, req.ObjectGroup)

	releases := rt.Calls("Runtime.releaseObjectGroup")
	require.Len(t, releases, 1)
	var rel proto.RuntimeReleaseObjectGroup
	require.NoError(t, json.Unmarshal(releases[0].Params, &rel))
	assert.Equal(t, req.ObjectGroup, rel.ObjectGroup)
}

func TestEvaluateMissingParameterSubmitsNothing(t *testing.T) {
	rt := cdptest.New()
	g := NewGateway(rt)

	_, err := g.Evaluate(context.Background(), "x+{{A}}", nil)

	var missing *MissingParameterError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"A"}, missing.Names)
	assert.Empty(t, rt.Calls(""))
}

func TestEvaluateConstantsYieldToParams(t *testing.T) {
	rt := cdptest.New()
	evaluateReturning(rt, map[string]interface{}{"result": cdptest.Undefined()})

	g := NewGateway(rt, WithConstants(map[string]interface{}{"A": 1, "B": 2}))
	_, err := g.Evaluate(context.Background(), "{{A}}+{{B}}", map[string]interface{}{"B": 3})
	require.NoError(t, err)

	var req proto.RuntimeEvaluate
	require.NoError(t, json.Unmarshal(rt.Calls("Runtime.evaluate")[0].Params, &req))
	assert.Equal(t, "1+3", req.Expression)
}

func TestEvaluateTargetException(t *testing.T) {
	rt := cdptest.New()
	evaluateReturning(rt, map[string]interface{}{
		"result": map[string]interface{}{"type": "object", "subtype": "error", "objectId": "e1"},
		"exceptionDetails": map[string]interface{}{
			"exceptionId":  1,
			"text":         "Uncaught",
			"lineNumber":   0,
			"columnNumber": 7,
			"exception": map[string]interface{}{
				"type":        "object",
				"subtype":     "error",
				"description": "ReferenceError: nope is not defined",
			},
		},
	})

	g := NewGateway(rt)
	_, err := g.Evaluate(context.Background(), "nope()", nil)

	var target *capture.TargetEvaluationError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "nope()", target.Expression)
	assert.Equal(t, "ReferenceError: nope is not defined", target.Description)
	assert.Equal(t, 7, target.ColumnNumber)
	assert.Len(t, rt.Calls("Runtime.releaseObjectGroup"), 1)
}

func TestEvaluateTransportFailure(t *testing.T) {
	rt := cdptest.New()
	boom := errors.New("connection reset")
	rt.Handle("Runtime.evaluate", func(json.RawMessage) (interface{}, error) {
		return nil, boom
	})

	g := NewGateway(rt)
	_, err := g.Evaluate(context.Background(), "1", nil)
	require.ErrorIs(t, err, boom)
	assert.Len(t, rt.Calls("Runtime.evaluate"), 1)
}

func TestEvaluateMaterializesObjects(t *testing.T) {
	rt := cdptest.New()
	evaluateReturning(rt, map[string]interface{}{"result": cdptest.Obj("r")})
	rt.Object("r",
		cdptest.Property{Name: "ok", Value: cdptest.Bool(true)},
		cdptest.Property{Name: "ids", Value: cdptest.Arr("ids")},
	)
	rt.Object("ids",
		cdptest.Property{Name: "0", Value: cdptest.Str("a")},
		cdptest.Property{Name: "1", Value: cdptest.Str("b")},
		cdptest.Property{Name: "length", Value: cdptest.Num(2)},
	)

	g := NewGateway(rt, WithMaxDepth(1))
	v, err := g.Evaluate(context.Background(), "send()", nil)
	require.NoError(t, err)

	ok, found := v.Get("ok")
	require.True(t, found)
	assert.True(t, ok.Bool())
	ids, found := v.Get("ids")
	require.True(t, found)
	assert.True(t, ids.IsUnresolved())

	g = NewGateway(rt)
	v, err = g.Evaluate(context.Background(), "send()", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true,"ids":["a","b"]}`, v.String())
}

func writeTemplate(t *testing.T, dir, name, src string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
}

func TestStoreLoadsTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "send_message.js", "send({{TO}})")
	writeTemplate(t, dir, "ping.js", "1")
	writeTemplate(t, dir, "README.md", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.js"), 0o755))

	s, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ping", "send_message"}, s.Names())

	src, ok := s.Get("send_message")
	require.True(t, ok)
	assert.Equal(t, "send({{TO}})", src)

	_, ok = s.Get("README")
	assert.False(t, ok)
}

func TestStoreMissingDir(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestEvaluateNamed(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "send_message.js", "send({{TO}})")
	s, err := LoadDir(dir)
	require.NoError(t, err)

	rt := cdptest.New()
	evaluateReturning(rt, map[string]interface{}{"result": cdptest.Bool(true)})

	g := NewGateway(rt, WithStore(s))
	v, err := g.EvaluateNamed(context.Background(), "send_message", map[string]interface{}{"TO": "+1555"})
	require.NoError(t, err)
	assert.True(t, v.Bool())

	var req proto.RuntimeEvaluate
	require.NoError(t, json.Unmarshal(rt.Calls("Runtime.evaluate")[0].Params, &req))
	assert.Equal(t, `send("+1555")`, req.Expression)

	_, err = g.EvaluateNamed(context.Background(), "absent", nil)
	assert.ErrorContains(t, err, "not found")

	_, err = NewGateway(rt).EvaluateNamed(context.Background(), "send_message", nil)
	assert.ErrorContains(t, err, "no template store")
}

func TestStoreWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "ping.js", "1")
	s, err := LoadDir(dir, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// The watcher may not be registered yet; keep touching until it sees one.
	require.Eventually(t, func() bool {
		writeTemplate(t, dir, "pong.js", "2")
		_, ok := s.Get("pong")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "ping.js")))
	require.Eventually(t, func() bool {
		_, ok := s.Get("ping")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
