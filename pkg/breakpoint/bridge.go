package breakpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/aivorynet/devtools-bridge/pkg/capture"
	"github.com/aivorynet/devtools-bridge/pkg/transport"
)

const pausedEvent = "Debugger.paused"

// Session is the part of a transport session the bridge needs.
type Session interface {
	proto.Client
	Subscribe(method string) (<-chan transport.Event, func())
}

// Callback receives the materialized value of each pause. The target stays
// paused until it returns, and the session must not be used after that.
type Callback func(ctx context.Context, session proto.Client, value capture.Value) error

// Bridge installs breakpoints on one session.
type Bridge struct {
	session       Session
	logger        *zap.Logger
	fanOut        int
	errBuffer     int
	resumeUnowned bool

	mu          sync.Mutex
	installed   int
	stopUnowned func()
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithFanOutLimit caps concurrent property fetches while materializing.
func WithFanOutLimit(n int) Option {
	return func(b *Bridge) {
		b.fanOut = n
	}
}

// WithErrorBuffer sets how many cycle errors a Handle queues before dropping.
func WithErrorBuffer(n int) Option {
	return func(b *Bridge) {
		b.errBuffer = n
	}
}

// WithResumeUnowned controls whether pauses that hit no breakpoint at all
// (debugger statements, exceptions) are resumed while the bridge has
// breakpoints installed. Each such pause is resumed once per Bridge.
// Enabled by default.
func WithResumeUnowned(resume bool) Option {
	return func(b *Bridge) {
		b.resumeUnowned = resume
	}
}

// NewBridge returns a Bridge for session.
func NewBridge(session Session, opts ...Option) *Bridge {
	b := &Bridge{
		session:       session,
		logger:        zap.NewNop(),
		errBuffer:     16,
		resumeUnowned: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Install enables the debugger, sets the breakpoint and starts handling
// pauses. The location must bind to exactly one loaded script unless
// reg.AllowPending is set.
func (b *Bridge) Install(ctx context.Context, reg Registration, cb Callback) (*Handle, error) {
	if reg.URL == "" && reg.URLRegex == "" {
		return nil, &InstallationError{Location: reg.Location(), Reason: "no url or url regex"}
	}
	if reg.Expression == "" {
		return nil, errors.New("breakpoint: empty expression")
	}
	if cb == nil {
		return nil, errors.New("breakpoint: nil callback")
	}
	if reg.MaxDepth == 0 {
		reg.MaxDepth = capture.DefaultMaxDepth
	}
	if reg.Timeout == 0 {
		reg.Timeout = DefaultTimeout
	}

	client := transport.Bind(ctx, b.session)

	if _, err := (proto.DebuggerEnable{}).Call(client); err != nil {
		return nil, fmt.Errorf("enable debugger: %w", err)
	}

	events, unsubscribe := b.session.Subscribe(pausedEvent)

	res, err := proto.DebuggerSetBreakpointByURL{
		LineNumber:   reg.LineNumber,
		URL:          reg.URL,
		URLRegex:     reg.URLRegex,
		ColumnNumber: reg.ColumnNumber,
		Condition:    reg.Condition,
	}.Call(client)
	if err != nil {
		unsubscribe()
		return nil, &InstallationError{Location: reg.Location(), Reason: "rejected", Err: err}
	}

	locations := make([]ResolvedLocation, 0, len(res.Locations))
	var scripts []string
	seen := make(map[string]bool)
	for _, loc := range res.Locations {
		rl := ResolvedLocation{ScriptID: string(loc.ScriptID), LineNumber: loc.LineNumber}
		if loc.ColumnNumber != nil {
			rl.ColumnNumber = *loc.ColumnNumber
		}
		locations = append(locations, rl)
		if !seen[rl.ScriptID] {
			seen[rl.ScriptID] = true
			scripts = append(scripts, rl.ScriptID)
		}
	}

	var reason string
	switch {
	case len(scripts) == 0 && !reg.AllowPending:
		reason = "no script matches"
	case len(scripts) > 1:
		reason = "ambiguous, matches several scripts"
	}
	if reason != "" {
		unsubscribe()
		if rerr := (proto.DebuggerRemoveBreakpoint{BreakpointID: res.BreakpointID}).Call(client); rerr != nil {
			b.logger.Warn("Failed to remove rejected breakpoint",
				zap.String("breakpoint", string(res.BreakpointID)),
				zap.Error(rerr))
		}
		return nil, &InstallationError{Location: reg.Location(), Reason: reason, Scripts: scripts}
	}

	h := &Handle{
		bridge:       b,
		reg:          reg,
		cb:           cb,
		id:           res.BreakpointID,
		ctx:          context.WithoutCancel(ctx),
		materializer: capture.NewMaterializer(b.session, capture.WithLogger(b.logger), capture.WithFanOutLimit(b.fanOut)),
		events:       events,
		unsubscribe:  unsubscribe,
		state:        StateInstalled,
		locations:    locations,
		createdAt:    time.Now(),
		errs:         make(chan error, b.errBuffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	b.acquire()
	go h.run()

	b.logger.Info("Breakpoint installed",
		zap.String("breakpoint", string(h.id)),
		zap.String("location", reg.Location()),
		zap.Int("locations", len(locations)))

	return h, nil
}

// acquire counts an installed handle and starts resuming unowned pauses
// with the first one.
func (b *Bridge) acquire() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.installed++
	if b.installed > 1 || !b.resumeUnowned {
		return
	}

	events, unsubscribe := b.session.Subscribe(pausedEvent)
	done := make(chan struct{})
	go b.resumeUnownedPauses(events, done)
	b.stopUnowned = func() {
		unsubscribe()
		<-done
	}
}

// release undoes acquire and stops resuming unowned pauses with the last
// handle.
func (b *Bridge) release() {
	b.mu.Lock()
	b.installed--
	var stop func()
	if b.installed == 0 {
		stop, b.stopUnowned = b.stopUnowned, nil
	}
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
}

func (b *Bridge) resumeUnownedPauses(events <-chan transport.Event, done chan<- struct{}) {
	defer close(done)

	for ev := range events {
		var paused proto.DebuggerPaused
		if err := json.Unmarshal(ev.Params, &paused); err != nil {
			b.logger.Warn("Failed to decode pause", zap.Error(err))
			continue
		}
		if len(paused.HitBreakpoints) > 0 {
			continue
		}

		b.logger.Debug("Resuming pause not owned by any breakpoint",
			zap.String("reason", string(paused.Reason)))
		if err := (proto.DebuggerResume{}).Call(transport.Bind(context.Background(), b.session)); err != nil {
			b.logger.Error("Failed to resume unowned pause", zap.Error(err))
		}
	}
}

// Handle is an installed breakpoint. Pauses are handled one at a time on a
// single goroutine.
type Handle struct {
	bridge       *Bridge
	reg          Registration
	cb           Callback
	id           proto.DebuggerBreakpointID
	ctx          context.Context
	materializer *capture.Materializer
	events       <-chan transport.Event
	unsubscribe  func()

	mu        sync.Mutex
	state     State
	hitCount  int
	locations []ResolvedLocation
	createdAt time.Time

	errs    chan error
	stop    chan struct{}
	done    chan struct{}
	removed atomic.Bool
}

// ID returns the breakpoint id assigned by the target.
func (h *Handle) ID() string {
	return string(h.id)
}

// State returns the current pause-cycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Info returns a snapshot of the breakpoint.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Info{
		ID:           string(h.id),
		Registration: h.reg,
		Locations:    append([]ResolvedLocation(nil), h.locations...),
		HitCount:     h.hitCount,
		CreatedAt:    h.createdAt,
	}
}

// Errors delivers failed pause cycles. It is closed once the handle has
// stopped after Uninstall.
func (h *Handle) Errors() <-chan error {
	return h.errs
}

// Uninstall removes the breakpoint and stops handling pauses. It waits for an
// in-flight cycle to resume the target, except while the cycle's callback is
// running: the callback may itself call Uninstall, and the cycle resumes the
// target once the callback returns. Only the first call has any effect;
// later calls return nil.
func (h *Handle) Uninstall(ctx context.Context) error {
	if !h.removed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if rerr := (proto.DebuggerRemoveBreakpoint{BreakpointID: h.id}).Call(transport.Bind(ctx, h.bridge.session)); rerr != nil {
		err = fmt.Errorf("remove breakpoint %s: %w", h.id, rerr)
	}
	h.unsubscribe()
	close(h.stop)
	h.bridge.release()

	if h.State() != StateInvoking {
		<-h.done
	}

	h.bridge.logger.Info("Breakpoint removed", zap.String("breakpoint", string(h.id)))
	return err
}

func (h *Handle) run() {
	defer func() {
		h.setState(StateUninstalled)
		close(h.errs)
		close(h.done)
	}()

	for {
		select {
		case <-h.stop:
			return
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.dispatch(ev)
		}
	}
}

func (h *Handle) dispatch(ev transport.Event) {
	var paused proto.DebuggerPaused
	if err := json.Unmarshal(ev.Params, &paused); err != nil {
		h.report(fmt.Errorf("decode %s: %w", pausedEvent, err))
		return
	}

	if !hits(paused.HitBreakpoints, string(h.id)) {
		return
	}
	if err := h.cycle(h.ctx, &paused); err != nil {
		h.report(err)
	}
}

// cycle runs evaluate, materialize and callback for one pause. The deferred
// block resumes the target on every path, including a callback panic, before
// the error is returned.
func (h *Handle) cycle(ctx context.Context, paused *proto.DebuggerPaused) (err error) {
	h.mu.Lock()
	h.state = StatePaused
	h.hitCount++
	h.mu.Unlock()

	group := capture.NewGroup()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("breakpoint %s: callback panicked: %v", h.id, r)
		}
		if rerr := capture.ReleaseGroup(ctx, h.bridge.session, group); rerr != nil {
			h.bridge.logger.Debug("Release failed", zap.String("group", group), zap.Error(rerr))
		}
		if rerr := h.resume(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
		h.setState(StateInstalled)
	}()

	if len(paused.CallFrames) == 0 {
		return fmt.Errorf("breakpoint %s: pause without call frames", h.id)
	}
	frame := paused.CallFrames[0]

	h.setState(StateEvaluating)
	res, err := proto.DebuggerEvaluateOnCallFrame{
		CallFrameID:           frame.CallFrameID,
		Expression:            h.reg.Expression,
		ObjectGroup:           group,
		IncludeCommandLineAPI: true,
		GeneratePreview:       true,
		ThrowOnSideEffect:     !h.reg.AllowSideEffects,
		Timeout:               proto.RuntimeTimeDelta(h.reg.Timeout.Milliseconds()),
	}.Call(transport.Bind(ctx, h.bridge.session))
	if err != nil {
		return fmt.Errorf("breakpoint %s: evaluate %q: %w", h.id, h.reg.Expression, err)
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("breakpoint %s: %w", h.id, capture.NewTargetEvaluationError(h.reg.Expression, res.ExceptionDetails))
	}

	h.setState(StateResolving)
	value := h.materializer.Materialize(ctx, capture.DescriptorOf(res.Result), h.reg.MaxDepth)

	h.setState(StateInvoking)
	if err := h.cb(ctx, h.bridge.session, value); err != nil {
		return fmt.Errorf("breakpoint %s: callback: %w", h.id, err)
	}
	return nil
}

func (h *Handle) resume(ctx context.Context) error {
	if err := (proto.DebuggerResume{}).Call(transport.Bind(ctx, h.bridge.session)); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

func (h *Handle) report(err error) {
	h.bridge.logger.Error("Pause cycle failed", zap.String("breakpoint", string(h.id)), zap.Error(err))
	select {
	case h.errs <- err:
	default:
		h.bridge.logger.Warn("Error buffer full, dropping", zap.String("breakpoint", string(h.id)))
	}
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func hits(ids []string, id string) bool {
	for _, hit := range ids {
		if hit == id {
			return true
		}
	}
	return false
}
