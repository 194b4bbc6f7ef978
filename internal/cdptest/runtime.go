// Package cdptest provides an in-memory CDP endpoint for tests. It answers
// typed go-rod proto calls and emits events to subscribers.
package cdptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/aivorynet/devtools-bridge/pkg/transport"
)

// Property is one entry of a Runtime.getProperties result.
type Property struct {
	Name  string
	Value map[string]interface{}
}

// HandlerFunc answers one method. The returned value is JSON encoded as the
// call result.
type HandlerFunc func(params json.RawMessage) (interface{}, error)

// Call records a request received by the Runtime.
type Call struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

// Runtime is a fake remote runtime. The zero value is not usable; use New.
type Runtime struct {
	mu       sync.Mutex
	objects  map[string][]Property
	internal map[string][]Property
	fail     map[string]error
	handlers map[string]HandlerFunc
	calls    []Call
	subs     map[string][]*sub

	// Delay is applied to every Runtime.getProperties call.
	Delay time.Duration

	inFlight    int32
	maxInFlight int32
}

// New returns an empty Runtime.
func New() *Runtime {
	return &Runtime{
		objects:  make(map[string][]Property),
		internal: make(map[string][]Property),
		fail:     make(map[string]error),
		handlers: make(map[string]HandlerFunc),
		subs:     make(map[string][]*sub),
	}
}

// Object registers the own properties of a remote object.
func (r *Runtime) Object(id string, props ...Property) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[id] = props
}

// Internal registers internal properties such as [[PrimitiveValue]].
func (r *Runtime) Internal(id string, props ...Property) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.internal[id] = props
}

// Fail makes property fetches for id return err.
func (r *Runtime) Fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[id] = err
}

// Handle installs a handler for method, replacing any default behavior.
func (r *Runtime) Handle(method string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = fn
}

// Calls returns the requests received for method, or all requests when
// method is empty.
func (r *Runtime) Calls(method string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// MaxInFlight returns the highest number of concurrent property fetches seen.
func (r *Runtime) MaxInFlight() int {
	return int(atomic.LoadInt32(&r.maxInFlight))
}

// Call implements proto.Client.
func (r *Runtime) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.calls = append(r.calls, Call{SessionID: sessionID, Method: method, Params: raw})
	handler := r.handlers[method]
	r.mu.Unlock()

	var result interface{}
	switch {
	case handler != nil:
		result, err = handler(raw)
	case method == "Runtime.getProperties":
		result, err = r.getProperties(ctx, raw)
	default:
		result = map[string]interface{}{}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return json.Marshal(result)
}

func (r *Runtime) getProperties(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		max := atomic.LoadInt32(&r.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&r.maxInFlight, max, n) {
			break
		}
	}

	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var req proto.RuntimeGetProperties
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	id := string(req.ObjectID)

	r.mu.Lock()
	props, ok := r.objects[id]
	internal := r.internal[id]
	failErr := r.fail[id]
	r.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	if !ok && internal == nil {
		return nil, &transport.Error{Code: -32000, Message: "Could not find object with given id"}
	}

	return map[string]interface{}{
		"result":             encode(props),
		"internalProperties": encode(internal),
	}, nil
}

func encode(props []Property) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(props))
	for _, p := range props {
		entry := map[string]interface{}{
			"name":         p.Name,
			"configurable": true,
			"enumerable":   true,
		}
		if p.Value != nil {
			entry["value"] = p.Value
		}
		out = append(out, entry)
	}
	return out
}

type sub struct {
	ch     chan transport.Event
	closed bool
}

// Subscribe mirrors transport.Session.Subscribe.
func (r *Runtime) Subscribe(method string) (<-chan transport.Event, func()) {
	s := &sub{ch: make(chan transport.Event, 16)}

	r.mu.Lock()
	r.subs[method] = append(r.subs[method], s)
	r.mu.Unlock()

	return s.ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		close(s.ch)
		list := r.subs[method]
		for i, other := range list {
			if other == s {
				r.subs[method] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Subscribers returns the number of live subscriptions for method.
func (r *Runtime) Subscribers(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[method])
}

// Emit delivers an event to every subscriber of method.
func (r *Runtime) Emit(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs[method] {
		s.ch <- transport.Event{Method: method, Params: raw}
	}
	return nil
}

// Remote decodes a CDP RemoteObject literal as the transport would.
func Remote(v map[string]interface{}) *proto.RuntimeRemoteObject {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var obj proto.RuntimeRemoteObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		panic(err)
	}
	return &obj
}

// Str is a string RemoteObject literal.
func Str(s string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "value": s}
}

// Num is a number RemoteObject literal.
func Num(n float64) map[string]interface{} {
	return map[string]interface{}{"type": "number", "value": n, "description": fmt.Sprint(n)}
}

// Bool is a boolean RemoteObject literal.
func Bool(b bool) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "value": b}
}

// Undefined is the undefined RemoteObject literal.
func Undefined() map[string]interface{} {
	return map[string]interface{}{"type": "undefined"}
}

// Null is the null RemoteObject literal.
func Null() map[string]interface{} {
	return map[string]interface{}{"type": "object", "subtype": "null", "value": nil}
}

// Fn is a function RemoteObject literal.
func Fn(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "function",
		"className":   "Function",
		"description": description,
		"objectId":    "fn:" + description,
	}
}

// Obj is an object RemoteObject literal referring to id.
func Obj(id string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"className":   "Object",
		"description": "Object",
		"objectId":    id,
	}
}

// Arr is an array RemoteObject literal referring to id.
func Arr(id string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "object",
		"subtype":     "array",
		"className":   "Array",
		"description": "Array",
		"objectId":    id,
	}
}
