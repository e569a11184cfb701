// Package connector hides the physical transport to the target stub behind a
// uniform command/event endpoint.
//
// Commands are fire-and-forget: their effects are only observable through the
// events that follow. Inbound frames are decoded by a single reader goroutine
// and published, in arrival order, on the channel returned by Events. The
// channel is closed after the final EventConnectionLost or after Dispose, so a
// consumer ranging over it never sees anything past the end of the connection.
package connector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/Manu343726/stubdbg/pkg/logging"
	"github.com/Manu343726/stubdbg/pkg/protocol"
	"go.uber.org/atomic"
)

var (
	// ErrNotConnected is returned when sending before the target stub connected
	ErrNotConnected = errors.New("debug stub not connected")
	// ErrDisposed is returned when sending through a disposed connector
	ErrDisposed = errors.New("connector disposed")
	// ErrConnectionLost is returned when sending after the connection dropped
	ErrConnectionLost = errors.New("connection lost")
)

// DefaultEventBuffer is the default capacity of the events channel
const DefaultEventBuffer = 64

// Option configures a Connector
type Option func(*Connector)

// WithLogger sets the logger used for protocol tracing
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithEventBuffer sets the capacity of the events channel
func WithEventBuffer(n int) Option {
	return func(c *Connector) {
		c.buffer = n
	}
}

// Connector is the host side endpoint of the debug protocol
type Connector struct {
	logger *slog.Logger
	buffer int
	events chan Event
	done   chan struct{}

	disposeOnce sync.Once
	lost        atomic.Bool

	// writeMu serializes whole frames (and batches of frames) on the wire
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    io.ReadWriteCloser

	listener net.Listener
}

func newConnector(opts []Option) *Connector {
	c := &Connector{buffer: DefaultEventBuffer}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger).With("component", "connector")
	c.events = make(chan Event, c.buffer)
	c.done = make(chan struct{})
	return c
}

// New creates a connector over an already established stream
func New(conn io.ReadWriteCloser, opts ...Option) *Connector {
	c := newConnector(opts)
	c.attach(conn)
	return c
}

// Dial connects to a target stub listening at address
func Dial(ctx context.Context, network, address string, opts ...Option) (*Connector, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Listen waits in the background for the target stub to connect at address.
// Commands sent before the stub connects fail with ErrNotConnected.
func Listen(ctx context.Context, network, address string, opts ...Option) (*Connector, error) {
	if network == "unix" {
		// stale socket left behind by a previous session
		_ = os.Remove(address)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}

	c := newConnector(opts)
	c.listener = ln
	c.logger.Debug("waiting for debug stub", "network", network, "address", ln.Addr().String())
	go c.acceptLoop(ln)
	return c, nil
}

// Addr returns the listening address, or nil if the connector does not listen
func (c *Connector) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Events returns the channel where inbound events are published
func (c *Connector) Events() <-chan Event {
	return c.events
}

// Done is closed once the connector has been disposed
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

func (c *Connector) disposed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connector) acceptLoop(ln net.Listener) {
	conn, err := ln.Accept()
	ln.Close() // one stub per session

	if err != nil {
		if !c.disposed() {
			c.lost.Store(true)
			c.emit(Event{Kind: EventConnectionLost, Err: err})
		}
		close(c.events)
		return
	}

	c.logger.Debug("debug stub connected", "remote", conn.RemoteAddr().String())
	c.attach(conn)
}

func (c *Connector) attach(conn io.ReadWriteCloser) {
	c.connMu.Lock()
	if c.disposed() {
		c.connMu.Unlock()
		conn.Close()
		close(c.events)
		return
	}
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop(conn)
}

func (c *Connector) readLoop(conn io.ReadWriteCloser) {
	defer close(c.events)

	for {
		f, err := protocol.ReadFrame(conn)
		if err == nil {
			var ev *Event
			ev, err = decodeEvent(f)
			if err == nil {
				if ev == nil {
					continue
				}
				c.logger.Debug("event received", "kind", ev.Kind.String(), "opcode", f.Opcode.String())
				if !c.emit(*ev) {
					return
				}
				continue
			}
		}

		if c.disposed() {
			return
		}

		c.lost.Store(true)
		conn.Close()
		c.logger.Debug("connection lost", "error", err)
		c.emit(Event{Kind: EventConnectionLost, Err: err})
		return
	}
}

// emit delivers an event unless the connector is disposed first
func (c *Connector) emit(ev Event) bool {
	if c.disposed() {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connector) currentConn() (io.ReadWriteCloser, error) {
	if c.disposed() {
		return nil, ErrDisposed
	}
	if c.lost.Load() {
		return nil, ErrConnectionLost
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// SendBatch writes the frames in order without letting any other command
// interleave with them.
func (c *Connector) SendBatch(frames ...protocol.Frame) error {
	for _, f := range frames {
		if !f.Opcode.IsCommand() {
			_, err := protocol.Command(f.Opcode, f.Payload)
			return err
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn, err := c.currentConn()
	if err != nil {
		return err
	}

	for _, f := range frames {
		c.logger.Debug("sending command", "opcode", f.Opcode.String(), "size", len(f.Payload))
		if err := protocol.WriteFrame(conn, f); err != nil {
			return err
		}
	}
	return nil
}

// Send writes a single command
func (c *Connector) Send(op protocol.Opcode, payload []byte) error {
	f, err := protocol.Command(op, payload)
	if err != nil {
		return err
	}
	return c.SendBatch(f)
}

// Continue resumes the target
func (c *Connector) Continue() error { return c.Send(protocol.CmdContinue, nil) }

// StepInto executes one step entering calls
func (c *Connector) StepInto() error { return c.Send(protocol.CmdStepInto, nil) }

// StepOver executes one step over calls
func (c *Connector) StepOver() error { return c.Send(protocol.CmdStepOver, nil) }

// StepOut runs until the current function returns
func (c *Connector) StepOut() error { return c.Send(protocol.CmdStepOut, nil) }

// Break asks the target to stop as soon as possible
func (c *Connector) Break() error { return c.Send(protocol.CmdBreak, nil) }

// SetBreakpoint arms breakpoint slot id at addr
func (c *Connector) SetBreakpoint(id uint16, addr uint32) error {
	return c.SendBatch(protocol.SetBreakpoint(id, addr))
}

// BatchEnd tells the stub no more setup commands follow
func (c *Connector) BatchEnd() error { return c.Send(protocol.CmdBatchEnd, nil) }

// RequestRegisters asks for a registers snapshot, delivered as EventRegisters
func (c *Connector) RequestRegisters() error { return c.Send(protocol.CmdSendRegisters, nil) }

// RequestFrame asks for the current frame, delivered as EventFrame
func (c *Connector) RequestFrame() error { return c.Send(protocol.CmdSendFrame, nil) }

// RequestStack asks for the stack contents, delivered as EventStack
func (c *Connector) RequestStack() error { return c.Send(protocol.CmdSendStack, nil) }

// Ping asks for a pong, delivered as EventPong
func (c *Connector) Ping() error { return c.Send(protocol.CmdPing, nil) }

// Dispose closes the transport and stops event delivery. It is idempotent
// and safe to call from any goroutine, including while an event is being
// delivered.
func (c *Connector) Dispose() {
	c.disposeOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn != nil {
			conn.Close()
		}
		if c.listener != nil {
			c.listener.Close()
		}
		c.logger.Debug("connector disposed")
	})
}
