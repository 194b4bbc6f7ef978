package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/aivorynet/devtools-bridge/pkg/breakpoint"
	"github.com/aivorynet/devtools-bridge/pkg/capture"
	"github.com/aivorynet/devtools-bridge/pkg/inject"
	"github.com/aivorynet/devtools-bridge/pkg/transport"
)

// ErrNotStarted is returned by operations that need an attached target.
var ErrNotStarted = errors.New("agent not started")

// Agent owns the connection to one target and the components sharing it.
type Agent struct {
	config *Config
	logger *zap.Logger

	mu        sync.RWMutex
	started   bool
	conn      *transport.Connection
	session   *transport.Session
	bridge    *breakpoint.Bridge
	gateway   *inject.Gateway
	store     *inject.Store
	handles   []*breakpoint.Handle
	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// New creates an agent. Nothing is connected until Start.
func New(config *Config) *Agent {
	if config == nil {
		config = NewConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		config: config,
		logger: logger,
	}
}

// Start attaches to the configured target and loads the template store.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}

	conn, session, err := transport.Attach(ctx, a.config.Endpoint, a.config.Target,
		transport.WithLogger(a.logger),
		transport.WithCallTimeout(a.config.CallTimeout))
	if err != nil {
		return err
	}

	var store *inject.Store
	if a.config.TemplateDir != "" {
		store, err = inject.LoadDir(a.config.TemplateDir, inject.WithStoreLogger(a.logger))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			a.logger.Debug("Template dir not found, named templates disabled",
				zap.String("dir", a.config.TemplateDir))
			store = nil
		case err != nil:
			conn.Close()
			return err
		}
	}

	a.conn = conn
	a.session = session
	a.store = store
	a.bridge = breakpoint.NewBridge(session,
		breakpoint.WithLogger(a.logger),
		breakpoint.WithFanOutLimit(a.config.FanOutLimit))
	a.gateway = inject.NewGateway(session,
		inject.WithLogger(a.logger),
		inject.WithMaxDepth(a.config.MaxDepth),
		inject.WithConstants(a.config.Constants),
		inject.WithStore(store),
		inject.WithFanOutLimit(a.config.FanOutLimit))

	if store != nil && a.config.WatchTemplates {
		watchCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		a.stopWatch = cancel
		a.watchDone = done
		go func() {
			defer close(done)
			if err := store.Watch(watchCtx); err != nil {
				a.logger.Error("Template watch stopped", zap.Error(err))
			}
		}()
	}

	a.started = true
	a.logger.Info("Agent started",
		zap.String("endpoint", conn.URL()),
		zap.String("session", session.ID()))
	return nil
}

// Stop removes every breakpoint installed through the agent, then closes
// the connection.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	handles := a.handles
	stopWatch, watchDone := a.stopWatch, a.watchDone
	conn := a.conn
	a.handles = nil
	a.stopWatch = nil
	a.started = false
	a.mu.Unlock()

	// Callbacks of in-flight cycles may still call into the agent, so the
	// lock is not held while waiting for them.
	var errs []error
	for _, h := range handles {
		if err := h.Uninstall(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if stopWatch != nil {
		stopWatch()
		<-watchDone
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}

	a.logger.Info("Agent stopped")
	return errors.Join(errs...)
}

// Hook installs a breakpoint. Zero MaxDepth and Timeout take the agent
// defaults.
func (a *Agent) Hook(ctx context.Context, reg breakpoint.Registration, cb breakpoint.Callback) (*breakpoint.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil, ErrNotStarted
	}
	if reg.MaxDepth == 0 {
		reg.MaxDepth = a.config.MaxDepth
	}
	if reg.Timeout == 0 {
		reg.Timeout = a.config.EvalTimeout
	}

	h, err := a.bridge.Install(ctx, reg, cb)
	if err != nil {
		return nil, err
	}
	a.handles = append(a.handles, h)
	return h, nil
}

// Evaluate runs a template in the target.
func (a *Agent) Evaluate(ctx context.Context, src string, params map[string]interface{}) (capture.Value, error) {
	g, err := a.gatewayOrErr()
	if err != nil {
		return capture.Value{}, err
	}
	return g.Evaluate(ctx, src, params)
}

// EvaluateNamed runs a template from the template directory.
func (a *Agent) EvaluateNamed(ctx context.Context, name string, params map[string]interface{}) (capture.Value, error) {
	g, err := a.gatewayOrErr()
	if err != nil {
		return capture.Value{}, err
	}
	return g.EvaluateNamed(ctx, name, params)
}

// Targets lists the page targets of the endpoint.
func (a *Agent) Targets(ctx context.Context) ([]transport.Target, error) {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotStarted
	}
	return transport.Targets(ctx, conn)
}

// Run installs the configured breakpoints, passing each value to cb, and
// blocks until ctx is done, SIGINT or SIGTERM arrives, or the connection
// drops. The agent is stopped before Run returns.
func (a *Agent) Run(ctx context.Context, cb breakpoint.Callback) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	for _, reg := range a.config.Breakpoints {
		h, err := a.Hook(ctx, reg, cb)
		if err != nil {
			return errors.Join(err, a.Stop(context.WithoutCancel(ctx)))
		}
		go a.drainErrors(h)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()

	var cause error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case <-conn.Done():
		cause = fmt.Errorf("connection lost: %w", conn.Err())
	}

	return errors.Join(cause, a.Stop(context.WithoutCancel(ctx)))
}

// Config returns the agent configuration.
func (a *Agent) Config() *Config {
	return a.config
}

// Session returns the attached session, nil before Start.
func (a *Agent) Session() *transport.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

func (a *Agent) gatewayOrErr() (*inject.Gateway, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.started {
		return nil, ErrNotStarted
	}
	return a.gateway, nil
}

// drainErrors logs cycle failures until the handle is uninstalled.
func (a *Agent) drainErrors(h *breakpoint.Handle) {
	for err := range h.Errors() {
		a.logger.Warn("Breakpoint cycle failed", zap.String("breakpoint", h.ID()), zap.Error(err))
	}
}
