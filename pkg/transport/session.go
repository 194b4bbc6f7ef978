package transport

import (
	"context"

	"github.com/go-rod/rod/lib/proto"
)

// Session routes calls and events through one flattened target session of a
// Connection. Bridge and gateway share a single Session per target.
type Session struct {
	conn *Connection
	id   string
}

// ID returns the CDP session id, empty for the connection's own target.
func (s *Session) ID() string {
	return s.id
}

// Connection returns the underlying connection.
func (s *Session) Connection() *Connection {
	return s.conn
}

// Call implements proto.Client. Calls that do not name a session are sent
// on this one.
func (s *Session) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	if sessionID == "" {
		sessionID = s.id
	}
	return s.conn.Call(ctx, sessionID, method, params)
}

// Subscribe delivers events of the given method raised in this session.
func (s *Session) Subscribe(method string) (<-chan Event, func()) {
	return s.conn.subscribe(method, s.id)
}

// Bind returns a proto.Client whose typed calls (proto.X{}.Call(c)) carry ctx.
func Bind(ctx context.Context, client proto.Client) proto.Client {
	return bound{client: client, ctx: ctx}
}

type bound struct {
	client proto.Client
	ctx    context.Context
}

func (b bound) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	return b.client.Call(ctx, sessionID, method, params)
}

// GetContext makes bound a proto.Contextable.
func (b bound) GetContext() context.Context {
	return b.ctx
}
