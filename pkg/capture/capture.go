// Package capture turns remote values reported by a DevTools session into
// local values.
package capture

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aivorynet/devtools-bridge/pkg/transport"
)

// DefaultMaxDepth is the depth budget used when none is configured.
const DefaultMaxDepth = 3

// primitiveValueKey names the internal property holding a boxed primitive.
const primitiveValueKey = "[[PrimitiveValue]]"

// Materializer resolves descriptors against one session.
type Materializer struct {
	client proto.Client
	logger *zap.Logger
	fanOut int
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFanOutLimit caps concurrent property fetches per node. Zero or less
// means no cap.
func WithFanOutLimit(n int) Option {
	return func(m *Materializer) {
		m.fanOut = n
	}
}

// NewMaterializer returns a Materializer issuing property fetches on client.
func NewMaterializer(client proto.Client, opts ...Option) *Materializer {
	m := &Materializer{
		client: client,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize resolves d with a default Materializer.
func Materialize(ctx context.Context, client proto.Client, d Descriptor, maxDepth int) Value {
	return NewMaterializer(client).Materialize(ctx, d, maxDepth)
}

// Materialize resolves d into a local value. Each composite level consumes
// one unit of maxDepth; a composite met with the budget spent becomes the
// placeholder. It never fails: a subtree whose fetch fails becomes a
// placeholder too.
func (m *Materializer) Materialize(ctx context.Context, d Descriptor, maxDepth int) Value {
	return m.resolve(ctx, d, maxDepth, 0)
}

// resolve handles one node. passes counts forwards from a boxed object to its
// primitive; they do not consume depth but are capped by it.
func (m *Materializer) resolve(ctx context.Context, d Descriptor, depth, passes int) Value {
	switch d.Type {
	case TypeUndefined, TypeNull:
		return NilValue()
	case TypeNumber, TypeString, TypeBoolean, TypeFunction:
		return d.literal
	case TypeObject, TypeArray:
	default:
		return UnresolvedValue()
	}

	// Only composites are held to the depth budget.
	if depth <= 0 || passes > depth || !d.handle.Valid() {
		return UnresolvedValue()
	}

	props, forward, err := m.fetch(ctx, d.handle)
	if err != nil {
		m.logger.Debug("Property fetch failed",
			zap.String("object", d.handle.String()),
			zap.Error(err))
		return UnresolvedValue()
	}
	if forward != nil {
		return m.resolve(ctx, *forward, depth, passes+1)
	}

	if d.Type == TypeArray {
		props = indexed(props)
	}

	values := make([]Value, len(props))
	var g errgroup.Group
	if m.fanOut > 0 {
		g.SetLimit(m.fanOut)
	}
	for i := range props {
		i := i
		g.Go(func() error {
			values[i] = m.resolve(ctx, props[i].desc, depth-1, 0)
			return nil
		})
	}
	_ = g.Wait()

	if d.Type == TypeArray {
		return ArrayValue(values...)
	}

	fields := make([]Field, len(props))
	for i, p := range props {
		fields[i] = Field{Key: p.name, Value: values[i]}
	}
	return ObjectValue(fields...)
}

type property struct {
	name  string
	index uint64
	desc  Descriptor
}

// fetch issues one Runtime.getProperties. A boxed primitive is reported as
// forward instead of its properties.
func (m *Materializer) fetch(ctx context.Context, h Handle) ([]property, *Descriptor, error) {
	res, err := proto.RuntimeGetProperties{
		ObjectID:      h.id,
		OwnProperties: true,
	}.Call(transport.Bind(ctx, m.client))
	if err != nil {
		return nil, nil, err
	}
	if res.ExceptionDetails != nil {
		return nil, nil, NewTargetEvaluationError("", res.ExceptionDetails)
	}

	for _, ip := range res.InternalProperties {
		if ip.Name == primitiveValueKey && ip.Value != nil {
			d := DescriptorOf(ip.Value)
			return nil, &d, nil
		}
	}

	props := make([]property, 0, len(res.Result))
	for _, p := range res.Result {
		props = append(props, property{name: p.Name, desc: DescriptorOf(p.Value)})
	}
	return props, nil, nil
}

// indexed keeps array elements, dropping non-index keys such as "length",
// and orders them by index.
func indexed(props []property) []property {
	out := make([]property, 0, len(props))
	for _, p := range props {
		idx, ok := arrayIndex(p.name)
		if !ok {
			continue
		}
		p.index = idx
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// arrayIndex accepts canonical array indexes, 0 through 2^32-2: "0", "17",
// but not "01", "-1", "1.5", "4294967295" or "length".
func arrayIndex(name string) (uint64, bool) {
	if name == "" || (len(name) > 1 && name[0] == '0') {
		return 0, false
	}
	idx, err := strconv.ParseUint(name, 10, 32)
	if err != nil || idx == math.MaxUint32 {
		return 0, false
	}
	return idx, true
}
