package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPageURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"ws://127.0.0.1:9222/devtools/page/ABC", true},
		{"wss://host/devtools/page/ABC", true},
		{"ws://127.0.0.1:9222/devtools/browser/ABC", false},
		{"http://127.0.0.1:9222/devtools/page/ABC", false},
		{"9222", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPageURL(tt.url), tt.url)
	}
}

func TestResolveEndpointPassesThroughWebSocketURLs(t *testing.T) {
	for _, u := range []string{
		"ws://127.0.0.1:9222/devtools/page/ABC",
		"ws://127.0.0.1:9222/devtools/browser/XYZ",
	} {
		got, err := ResolveEndpoint(u)
		require.NoError(t, err)
		assert.Equal(t, u, got)
	}
}

func TestSelectTarget(t *testing.T) {
	targets := []Target{
		{ID: "1", Type: "page", URL: "devtools://devtools/bundled/inspector.html"},
		{ID: "2", Type: "page", URL: "file:///usr/lib/signal/resources/app.asar/background.html"},
	}

	got, err := SelectTarget(targets, `background\.html$`)
	require.NoError(t, err)
	assert.Equal(t, "2", got.ID)

	got, err = SelectTarget(targets, "")
	require.NoError(t, err)
	assert.Equal(t, "1", got.ID)

	_, err = SelectTarget(targets, "nothing-here")
	assert.Error(t, err)

	_, err = SelectTarget(targets, "(")
	assert.Error(t, err)
}

func TestAttachOpensFlattenedSession(t *testing.T) {
	attachParams := make(chan json.RawMessage, 1)
	e := newEndpoint(t, func(req inbound, send func(v interface{})) {
		switch req.Method {
		case "Target.getTargets":
			send(map[string]interface{}{
				"id": req.ID,
				"result": map[string]interface{}{
					"targetInfos": []map[string]interface{}{
						{"targetId": "W1", "type": "service_worker", "title": "sw", "url": "file:///sw.js"},
						{"targetId": "P1", "type": "page", "title": "Signal", "url": "file:///app/background.html"},
					},
				},
			})
		case "Target.attachToTarget":
			attachParams <- req.Params
			send(map[string]interface{}{"id": req.ID, "result": map[string]interface{}{"sessionId": "SESSION-1"}})
		default:
			send(map[string]interface{}{"id": req.ID, "error": map[string]interface{}{"code": -32601, "message": "unknown"}})
		}
	})

	u := "ws" + e.srv.URL[len("http"):] + "/devtools/browser/B1"
	conn, session, err := Attach(context.Background(), u, "background")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "SESSION-1", session.ID())
	var params map[string]interface{}
	require.NoError(t, json.Unmarshal(<-attachParams, &params))
	assert.Equal(t, "P1", params["targetId"])
	assert.Equal(t, true, params["flatten"])
}

func TestAttachToPageURLSkipsTargetDiscovery(t *testing.T) {
	e := newEndpoint(t, func(req inbound, send func(v interface{})) {
		t.Errorf("unexpected request %s", req.Method)
	})

	conn, session, err := Attach(context.Background(), e.url()+"/devtools/page/P1", "ignored")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "", session.ID())
}
