// Package transport provides the websocket connection to a Chrome DevTools
// Protocol endpoint.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by calls issued on, or pending when, the connection
// shuts down.
var ErrClosed = errors.New("transport: connection closed")

// Error is a protocol-level error reported by the remote endpoint.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Event is an unsolicited message pushed by the endpoint.
type Event struct {
	SessionID string
	Method    string
	Params    json.RawMessage
}

type request struct {
	ID        int64       `json:"id"`
	SessionID string      `json:"sessionId,omitempty"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
}

type message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Connection is a duplex CDP connection. Requests are correlated with
// responses by id, so it is safe for concurrent use.
type Connection struct {
	url         string
	logger      *zap.Logger
	header      http.Header
	callTimeout time.Duration
	conn        *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *message
	subs    map[*subscription]struct{}
	closed  bool
	err     error

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCallTimeout bounds every call that does not already carry a deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Connection) {
		c.callTimeout = d
	}
}

// WithHeader sets extra handshake headers.
func WithHeader(header http.Header) Option {
	return func(c *Connection) {
		c.header = header
	}
}

// Dial connects to the websocket debugger URL and starts the read loop.
func Dial(ctx context.Context, url string, opts ...Option) (*Connection, error) {
	c := &Connection{
		url:      url,
		logger:   zap.NewNop(),
		pending:  make(map[int64]chan *message),
		subs:     make(map[*subscription]struct{}),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Debug("Connecting", zap.String("url", url))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, c.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.conn = conn

	go c.readLoop()

	c.logger.Debug("WebSocket connected", zap.String("url", url))
	return c, nil
}

// URL returns the websocket URL the connection was dialed with.
func (c *Connection) URL() string {
	return c.url
}

// Call sends a request and blocks until its response arrives, ctx is done or
// the connection closes. It satisfies proto.Client.
func (c *Connection) Call(ctx context.Context, sessionID, method string, params interface{}) ([]byte, error) {
	if c.callTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
	}

	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request{
		ID:        id,
		SessionID: sessionID,
		Method:    method,
		Params:    params,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal params: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: write: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", method, ErrClosed)
	}
}

// Subscribe delivers events of the given method sent outside any target
// session. The returned function unsubscribes; the channel is closed after
// unsubscribing or when the connection shuts down.
func (c *Connection) Subscribe(method string) (<-chan Event, func()) {
	return c.subscribe(method, "")
}

func (c *Connection) subscribe(method, sessionID string) (<-chan Event, func()) {
	s := newSubscription(method, sessionID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.close()
		go s.pump()
		return s.out, func() {}
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.pump()

	return s.out, func() {
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
		s.close()
	}
}

// Session returns a handle that routes calls and events through the given
// flattened target session. An empty id addresses the connection's own target.
func (c *Connection) Session(id string) *Session {
	return &Session{conn: c, id: id}
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that terminated the read loop, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close shuts the connection down and waits for the read loop to exit.
func (c *Connection) Close() error {
	c.shutdown(nil)
	err := c.conn.Close()
	<-c.readDone
	return err
}

func (c *Connection) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = cause
		subs := c.subs
		c.subs = make(map[*subscription]struct{})
		c.mu.Unlock()

		close(c.done)
		for s := range subs {
			s.close()
		}
	})
}

func (c *Connection) readLoop() {
	defer close(c.readDone)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Warn("Read error", zap.String("url", c.url), zap.Error(err))
				}
			}
			c.shutdown(err)
			c.conn.Close()
			return
		}
		c.handleMessage(data)
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("Error parsing message", zap.Error(err))
		return
	}

	if msg.ID != 0 {
		c.mu.Lock()
		ch := c.pending[msg.ID]
		c.mu.Unlock()
		if ch != nil {
			ch <- &msg
		}
		return
	}

	if msg.Method == "" {
		return
	}

	ev := Event{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params}

	c.mu.Lock()
	for s := range c.subs {
		if s.method == ev.Method && s.sessionID == ev.SessionID {
			s.push(ev)
		}
	}
	c.mu.Unlock()
}

// subscription buffers events without bound so the read loop never blocks
// on a slow consumer.
type subscription struct {
	method    string
	sessionID string

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
	out    chan Event
	stop   chan struct{}
	once   sync.Once
}

func newSubscription(method, sessionID string) *subscription {
	return &subscription{
		method:    method,
		sessionID: sessionID,
		signal:    make(chan struct{}, 1),
		out:       make(chan Event),
		stop:      make(chan struct{}),
	}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}
