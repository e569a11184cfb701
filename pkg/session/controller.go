// Package session drives one remote debugging session.
//
// A Controller launches the target, waits for its debug stub to connect and
// translates the stub events into debugger notifications for an Observer. It
// also accepts the host commands (continue, step, terminate) and turns them
// into protocol commands.
//
// Every session ends through exactly one of three paths: the target process
// exits, the debug connection is lost, or the host terminates the session.
// Whichever happens first reports OnProcessExit and releases the session
// resources; the others return silently.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Manu343726/stubdbg/pkg/asm"
	"github.com/Manu343726/stubdbg/pkg/breakpoints"
	"github.com/Manu343726/stubdbg/pkg/config"
	"github.com/Manu343726/stubdbg/pkg/connector"
	"github.com/Manu343726/stubdbg/pkg/launcher"
	"github.com/Manu343726/stubdbg/pkg/logging"
	"github.com/Manu343726/stubdbg/pkg/protocol"
	"github.com/Manu343726/stubdbg/pkg/symbols"
	"github.com/Manu343726/stubdbg/pkg/toolwindow"
	"github.com/Manu343726/stubdbg/pkg/utils"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
)

var (
	// ErrTerminated is returned by host commands issued after the session ended
	ErrTerminated = errors.New("session terminated")
	// ErrNoObserver is returned when a session is created without an observer
	ErrNoObserver = errors.New("session requires an observer")
)

// LaunchGraceDelay is how long a freshly launched target must stay alive to
// be considered started
const LaunchGraceDelay = 250 * time.Millisecond

const (
	terminateTimeout = 2 * time.Second
	noAddress        = -1
)

// Options configures a session
type Options struct {
	Config   *config.Config
	Observer Observer
	// Breakpoints is the breakpoint set of the session. A new empty set is
	// used when nil.
	Breakpoints *breakpoints.Manager
	// Notifier receives the state mirrored to the tool window. Optional.
	Notifier toolwindow.Notifier
	// Launch starts the target. Defaults to LaunchTarget.
	Launch func(ctx context.Context) (Process, error)
	// Connect returns the connector the target stub will talk to. Defaults
	// to ListenTarget.
	Connect    func(ctx context.Context) (*connector.Connector, error)
	Logger     *slog.Logger
	AfterBreak AfterBreakPolicy
}

type nopNotifier struct{}

func (nopNotifier) Send(toolwindow.Message, []byte) error { return nil }

// Controller is a running debug session
type Controller struct {
	id       uuid.UUID
	observer Observer
	bps      *breakpoints.Manager
	notifier toolwindow.Notifier
	logger   *slog.Logger
	policy   AfterBreakPolicy

	symbols *symbols.Symbols
	asm     *asm.Reconstructor
	conn    *connector.Connector
	proc    Process
	thread  Thread

	state      atomic.Int32
	current    atomic.Int64
	afterBreak atomic.Bool
	exitSent   atomic.Bool

	// notifyMu orders observer notifications against OnProcessExit
	notifyMu    sync.Mutex
	releaseOnce sync.Once
	done        chan struct{}
	wg          conc.WaitGroup
}

// New launches the target and starts a session. It returns once the target
// survived the launch grace delay; the stub connects asynchronously.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Observer == nil {
		return nil, ErrNoObserver
	}
	if opts.Config == nil {
		return nil, utils.MakeError(config.ErrInvalidConfig, "no configuration")
	}

	c := &Controller{
		id:       uuid.New(),
		observer: opts.Observer,
		bps:      opts.Breakpoints,
		notifier: opts.Notifier,
		policy:   opts.AfterBreak,
		done:     make(chan struct{}),
	}
	c.logger = logging.OrDiscard(opts.Logger).With("component", "session", "session", c.id.String())
	c.state.Store(int32(StateLaunching))
	c.current.Store(noAddress)
	if c.bps == nil {
		c.bps = breakpoints.NewManager()
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}

	cfg := opts.Config
	launch := opts.Launch
	if launch == nil {
		launch = func(context.Context) (Process, error) { return LaunchTarget(cfg) }
	}
	connect := opts.Connect
	if connect == nil {
		connect = func(ctx context.Context) (*connector.Connector, error) { return ListenTarget(ctx, cfg, c.logger) }
	}

	var err error
	c.symbols, err = symbols.Load(cfg.Symbols)
	if err != nil {
		return nil, err
	}
	c.asm = &asm.Reconstructor{Symbols: c.symbols, ListingPath: cfg.Listing}

	c.conn, err = connect(ctx)
	if err != nil {
		c.release()
		return nil, err
	}

	c.proc, err = launch(ctx)
	if err != nil {
		c.release()
		return nil, err
	}
	c.logger.Info("target launched", "path", c.proc.Path(), "pid", c.proc.Pid())

	if err := c.awaitLaunch(ctx); err != nil {
		c.release()
		return nil, err
	}

	c.thread = Thread{ID: c.proc.Pid(), Name: "main"}
	c.observer.OnThreadStart(c.thread)

	if cfg.GDB.Enabled && cfg.GDB.StartClient {
		if err := launcher.StartAuxClient(cfg.GDB.Client, cfg.GDB.ClientArgs...); err != nil {
			c.logger.Warn("cannot start GDB client", "error", err)
			c.observer.OnOutputString(fmt.Sprintf("RmtDbg: cannot start GDB client: %v\n", err))
		}
	}

	c.state.Store(int32(StateReady))
	c.wg.Go(c.dispatch)
	c.wg.Go(c.watchExit)
	return c, nil
}

func (c *Controller) awaitLaunch(ctx context.Context) error {
	timer := time.NewTimer(LaunchGraceDelay)
	defer timer.Stop()

	select {
	case <-c.proc.Exited():
		diag := c.proc.Diagnostics()
		return &launcher.LaunchError{
			Path:     c.proc.Path(),
			Stdout:   diag.Stdout,
			Stderr:   diag.Stderr,
			ExitCode: c.proc.ExitCode(),
		}
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) dispatch() {
	for ev := range c.conn.Events() {
		if c.exitSent.Load() {
			continue
		}
		c.handle(ev)
	}
}

func (c *Controller) watchExit() {
	select {
	case <-c.proc.Exited():
		c.finish(c.proc.ExitCode(), "target exited")
	case <-c.done:
	}
}

func (c *Controller) handle(ev connector.Event) {
	c.logger.Debug("event", "kind", ev.Kind)

	switch ev.Kind {
	case connector.EventStarted:
		c.onStarted()
	case connector.EventTrace:
		c.onTrace(ev.Trace)
	case connector.EventText:
		c.report(func() { c.observer.OnOutputStringUser(ev.Text + "\r\n") })
		c.notify(toolwindow.MsgUserText, []byte(ev.Text))
	case connector.EventRegisters:
		c.notify(toolwindow.MsgRegisters, ev.Data)
	case connector.EventFrame:
		c.notify(toolwindow.MsgFrame, ev.Data)
	case connector.EventStack:
		c.notify(toolwindow.MsgStack, ev.Data)
	case connector.EventPong:
		c.notify(toolwindow.MsgPong, ev.Data)
	case connector.EventConnectionLost:
		if errors.Is(ev.Err, protocol.ErrUnsupportedCommand) || errors.Is(ev.Err, protocol.ErrMalformedFrame) {
			c.debugMessage(fmt.Sprintf("RmtDbg: protocol error: %v", ev.Err))
		} else if ev.Err != nil {
			c.logger.Debug("connection lost", "error", ev.Err)
		}
		c.finish(0, "connection lost")
	}
}

func (c *Controller) onStarted() {
	c.debugMessage("RmtDbg: Started")

	frames := lo.Map(c.bps.Attach(c), func(b breakpoints.Bound, _ int) protocol.Frame {
		return protocol.SetBreakpoint(b.ID, b.Address)
	})
	frames = append(frames, protocol.Frame{Opcode: protocol.CmdBatchEnd})

	if err := c.conn.SendBatch(frames...); err != nil {
		c.logger.Error("cannot send breakpoints", "error", err)
		c.debugMessage(fmt.Sprintf("RmtDbg: cannot send breakpoints: %v", err))
	}
	c.state.Store(int32(StateRunning))
}

func (c *Controller) onTrace(trace protocol.Trace) {
	c.state.Store(int32(StateStopped))
	c.current.Store(int64(trace.Address))

	hits := c.bps.Match(trace.Address)
	c.logger.Debug("stopped", "address", fmt.Sprintf("0x%08X", trace.Address), "kind", trace.Kind, "hits", len(hits))

	if len(hits) == 0 && c.afterBreak.Load() {
		c.refresh(trace.Address)
		c.report(func() { c.observer.OnStepComplete(c.thread) })
		return
	}

	c.refresh(trace.Address)
	c.report(func() { c.observer.OnBreakpoint(c.thread, hits) })
	if len(hits) > 0 || c.policy == AfterBreakOnAnyStop {
		c.afterBreak.Store(true)
	}
}

// refresh pushes the view of the stop location to the tool window and asks
// the stub for the rest of the state without waiting for it
func (c *Controller) refresh(addr uint32) {
	source, err := c.asm.At(addr)
	if err != nil {
		c.logger.Warn("cannot reconstruct assembly", "address", fmt.Sprintf("0x%08X", addr), "error", err)
		c.report(func() { c.observer.OnOutputString(fmt.Sprintf("RmtDbg: no assembly for 0x%08X: %v\n", addr, err)) })
	} else {
		c.notify(toolwindow.MsgAssemblySource, []byte(source))
	}

	for _, request := range []func() error{c.conn.RequestRegisters, c.conn.RequestFrame, c.conn.RequestStack} {
		if err := request(); err != nil {
			c.logger.Warn("state request failed", "error", err)
			return
		}
	}
}

func (c *Controller) notify(msg toolwindow.Message, data []byte) {
	if err := c.notifier.Send(msg, data); err != nil {
		c.logger.Debug("tool window unavailable", "message", msg, "error", err)
	}
}

func (c *Controller) debugMessage(msg string) {
	c.logger.Info(msg)
	c.report(func() { c.observer.OnOutputString(msg + "\n") })
}

// report delivers an observer notification unless the session already ended.
// Notifications already in flight complete before OnProcessExit.
func (c *Controller) report(notify func()) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.exitSent.Load() {
		return
	}
	notify()
}

func (c *Controller) reportExit(code int) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.observer.OnProcessExit(code)
}

// finish runs the terminal path once per session
func (c *Controller) finish(code int, reason string) {
	if !c.exitSent.CompareAndSwap(false, true) {
		return
	}
	c.logger.Info("session finished", "reason", reason, "code", code)
	c.release()
	c.reportExit(code)
}

// release frees every session resource. It is safe to call any number of
// times from any goroutine.
func (c *Controller) release() {
	c.releaseOnce.Do(func() {
		c.state.Store(int32(StateTerminated))
		c.bps.Unbind()
		if c.conn != nil {
			c.conn.Dispose()
		}
		if c.proc != nil {
			if err := c.proc.Kill(); err != nil {
				c.logger.Warn("cannot kill target", "error", err)
			}
		}
		if c.symbols != nil {
			c.symbols.Close()
		}
		close(c.done)
	})
}

// SendBreakpoint transmits a breakpoint added while the target runs
func (c *Controller) SendBreakpoint(b breakpoints.Bound) error {
	return c.conn.SetBreakpoint(b.ID, b.Address)
}

func (c *Controller) command() error {
	if c.exitSent.Load() {
		return ErrTerminated
	}
	return nil
}

// Continue resumes the target until the next breakpoint
func (c *Controller) Continue() error {
	if err := c.command(); err != nil {
		return err
	}
	c.current.Store(noAddress)
	c.afterBreak.Store(false)
	c.state.Store(int32(StateRunning))
	return c.conn.Continue()
}

// Step executes one step of the given kind. Steps the stub cannot perform
// complete immediately without reaching the target.
func (c *Controller) Step(kind StepKind) error {
	if err := c.command(); err != nil {
		return err
	}

	var send func() error
	switch kind {
	case StepInto:
		send = c.conn.StepInto
	case StepOver:
		send = c.conn.StepOver
	case StepOut:
		send = c.conn.StepOut
	default:
		c.report(func() { c.observer.OnStepComplete(c.thread) })
		return nil
	}

	c.state.Store(int32(StateRunning))
	return send()
}

// Break asks the target to stop as soon as possible
func (c *Controller) Break() error {
	if err := c.command(); err != nil {
		return err
	}
	return c.conn.Break()
}

// Ping asks the stub for a pong, forwarded to the tool window
func (c *Controller) Ping() error {
	if err := c.command(); err != nil {
		return err
	}
	return c.conn.Ping()
}

// ResumeFromLaunch releases a target that waits for input before running
func (c *Controller) ResumeFromLaunch() error {
	if err := c.command(); err != nil {
		return err
	}
	return c.proc.Resume()
}

// AddBreakpoint resolves a location against the session symbols and adds it
func (c *Controller) AddBreakpoint(location string) (breakpoints.Pending, error) {
	return c.bps.Resolve(location, c.symbols)
}

// Terminate kills the target and ends the session. OnProcessExit reports the
// exit code of the killed process, or -1 if it did not exit in time.
func (c *Controller) Terminate() error {
	if !c.exitSent.CompareAndSwap(false, true) {
		return nil
	}

	err := c.proc.Kill()
	code := -1
	select {
	case <-c.proc.Exited():
		code = c.proc.ExitCode()
	case <-time.After(terminateTimeout):
		c.logger.Warn("target did not exit after kill")
	}

	c.logger.Info("session finished", "reason", "terminated", "code", code)
	c.release()
	c.reportExit(code)
	return err
}

// Done is closed when the session ends
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the session ends and its goroutines return. It must not
// be called from an Observer callback.
func (c *Controller) Wait() {
	<-c.done
	c.wg.Wait()
}

// ID returns the unique session id
func (c *Controller) ID() string {
	return c.id.String()
}

// State returns the current session state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// CurrentAddress returns the address the target is stopped at
func (c *Controller) CurrentAddress() (uint32, bool) {
	addr := c.current.Load()
	if addr == noAddress {
		return 0, false
	}
	return uint32(addr), true
}

// AfterBreak reports whether the next unmatched stop completes a step
func (c *Controller) AfterBreak() bool {
	return c.afterBreak.Load()
}

// Symbols returns the session symbol tables
func (c *Controller) Symbols() *symbols.Symbols {
	return c.symbols
}

// Breakpoints returns the session breakpoint set
func (c *Controller) Breakpoints() *breakpoints.Manager {
	return c.bps
}

// Thread returns the target thread
func (c *Controller) Thread() Thread {
	return c.thread
}
