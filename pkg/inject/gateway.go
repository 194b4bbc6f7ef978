package inject

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/aivorynet/devtools-bridge/pkg/capture"
	"github.com/aivorynet/devtools-bridge/pkg/transport"
)

// Gateway submits composed templates for one-shot evaluation.
type Gateway struct {
	client    proto.Client
	logger    *zap.Logger
	maxDepth  int
	constants map[string]interface{}
	store     *Store
	fanOut    int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMaxDepth sets the depth budget for results.
func WithMaxDepth(depth int) Option {
	return func(g *Gateway) {
		g.maxDepth = depth
	}
}

// WithConstants sets parameters available to every template. Parameters
// passed to Evaluate take precedence.
func WithConstants(constants map[string]interface{}) Option {
	return func(g *Gateway) {
		g.constants = constants
	}
}

// WithStore sets the store used by EvaluateNamed.
func WithStore(store *Store) Option {
	return func(g *Gateway) {
		g.store = store
	}
}

// WithFanOutLimit caps concurrent property fetches while materializing.
func WithFanOutLimit(n int) Option {
	return func(g *Gateway) {
		g.fanOut = n
	}
}

// NewGateway returns a Gateway evaluating on client.
func NewGateway(client proto.Client, opts ...Option) *Gateway {
	g := &Gateway{
		client:   client,
		logger:   zap.NewNop(),
		maxDepth: capture.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate composes src with params, evaluates it in the target awaiting any
// returned promise, and materializes the result. Nothing is submitted when a
// placeholder has no parameter.
func (g *Gateway) Evaluate(ctx context.Context, src string, params map[string]interface{}) (capture.Value, error) {
	merged := make(map[string]interface{}, len(g.constants)+len(params))
	for k, v := range g.constants {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	expression, err := Compose(src, merged)
	if err != nil {
		return capture.Value{}, err
	}

	group := capture.NewGroup()
	client := transport.Bind(ctx, g.client)

	g.logger.Debug("Evaluating", zap.Int("bytes", len(expression)), zap.String("group", group))

	res, err := proto.RuntimeEvaluate{
		Expression:   expression,
		ObjectGroup:  group,
		AwaitPromise: true,
	}.Call(client)
	if err != nil {
		return capture.Value{}, fmt.Errorf("evaluate: %w", err)
	}
	defer func() {
		if rerr := capture.ReleaseGroup(ctx, g.client, group); rerr != nil {
			g.logger.Debug("Release failed", zap.String("group", group), zap.Error(rerr))
		}
	}()

	if res.ExceptionDetails != nil {
		return capture.Value{}, capture.NewTargetEvaluationError(expression, res.ExceptionDetails)
	}

	m := capture.NewMaterializer(g.client, capture.WithLogger(g.logger), capture.WithFanOutLimit(g.fanOut))
	return m.Materialize(ctx, capture.DescriptorOf(res.Result), g.maxDepth), nil
}

// EvaluateNamed evaluates the store template called name.
func (g *Gateway) EvaluateNamed(ctx context.Context, name string, params map[string]interface{}) (capture.Value, error) {
	if g.store == nil {
		return capture.Value{}, fmt.Errorf("template %q: no template store configured", name)
	}
	src, ok := g.store.Get(name)
	if !ok {
		return capture.Value{}, fmt.Errorf("template %q: not found in %s", name, g.store.Dir())
	}
	return g.Evaluate(ctx, src, params)
}
