// Package stub simulates the debug stub that runs inside a target.
//
// The simulator does not execute code: it walks the addresses of a source map
// in ascending order as if each one were an instruction, which is enough to
// drive a debug session through breakpoints, steps and program termination
// without a virtual machine.
package stub

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/Manu343726/stubdbg/pkg/logging"
	"github.com/Manu343726/stubdbg/pkg/protocol"
	"github.com/Manu343726/stubdbg/pkg/symbols"
	"github.com/Manu343726/stubdbg/pkg/utils"
)

// ErrEmptyProgram is returned when the source map has no addresses to walk
var ErrEmptyProgram = errors.New("program has no addresses")

// StopReason tells why the simulated program stopped executing
type StopReason int

const (
	StopNone StopReason = iota
	StopStep
	StopBreakpoint
	StopTermination
)

// String returns the string representation of a StopReason
func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopStep:
		return "step"
	case StopBreakpoint:
		return "breakpoint"
	case StopTermination:
		return "termination"
	default:
		return "unknown"
	}
}

// Option configures a Simulator
type Option func(*Simulator)

// WithLogger sets the simulator logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// WithGreeting sets the text message sent right before Started. An empty
// greeting sends no message.
func WithGreeting(text string) Option {
	return func(s *Simulator) {
		s.greeting = text
	}
}

// WithBreakMessages makes the stub print a user message every time it stops
// at a breakpoint
func WithBreakMessages() Option {
	return func(s *Simulator) {
		s.breakMessages = true
	}
}

// Simulator is the target side of one debug connection
type Simulator struct {
	source        *symbols.SourceMap
	addresses     []uint32
	logger        *slog.Logger
	greeting      string
	breakMessages bool

	// pc is an index into addresses, -1 before the program starts
	pc          int
	started     bool
	breakpoints map[uint16]uint32
	trail       []uint32
}

// New creates a simulator walking the given source map
func New(source *symbols.SourceMap, opts ...Option) (*Simulator, error) {
	if source == nil || source.Len() == 0 {
		return nil, ErrEmptyProgram
	}

	s := &Simulator{
		source:      source,
		addresses:   source.Addresses(),
		greeting:    "stub ready",
		pc:          -1,
		breakpoints: make(map[uint16]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "stub")
	return s, nil
}

// Dial connects to a debugger and serves it until the program terminates
func (s *Simulator) Dial(ctx context.Context, network, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return err
	}
	return s.Run(ctx, conn)
}

// Run serves a debugger over conn. It returns nil when the program
// terminates or the debugger hangs up, and always closes conn.
func (s *Simulator) Run(ctx context.Context, conn io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if s.greeting != "" {
		if err := s.send(conn, protocol.EvMessage, []byte(s.greeting)); err != nil {
			return err
		}
	}
	if err := s.send(conn, protocol.EvStarted, nil); err != nil {
		return err
	}

	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.logger.Debug("debugger hung up")
				return nil
			}
			return err
		}

		reason, err := s.execute(conn, f)
		if err != nil {
			return err
		}
		if reason == StopTermination {
			s.logger.Info("program terminated", "steps", len(s.trail))
			return nil
		}
	}
}

func (s *Simulator) execute(w io.Writer, f protocol.Frame) (StopReason, error) {
	s.logger.Debug("command", "opcode", f.Opcode, "len", len(f.Payload))

	switch f.Opcode {
	case protocol.CmdNoop, protocol.CmdBatchBegin:
		return StopNone, nil
	case protocol.CmdSetBreakpoint:
		id, addr, err := protocol.DecodeSetBreakpoint(f)
		if err != nil {
			return StopNone, err
		}
		s.breakpoints[id] = addr
		return StopNone, nil
	case protocol.CmdBatchEnd:
		// the first batch releases the program from its entry point
		if s.started {
			return StopNone, nil
		}
		s.started = true
		return s.report(w, s.resume())
	case protocol.CmdContinue:
		return s.report(w, s.resume())
	case protocol.CmdStepInto, protocol.CmdStepOver:
		return s.report(w, s.stepLine())
	case protocol.CmdStepOut:
		return s.report(w, s.stepOut())
	case protocol.CmdBreak:
		return s.report(w, StopStep)
	case protocol.CmdSendRegisters:
		return StopNone, s.send(w, protocol.EvRegisters, s.registers())
	case protocol.CmdSendFrame:
		return StopNone, s.send(w, protocol.EvFrame, []byte(s.location().String()))
	case protocol.CmdSendStack:
		return StopNone, s.send(w, protocol.EvStack, s.stack())
	case protocol.CmdPing:
		return StopNone, s.send(w, protocol.EvPong, nil)
	default:
		return StopNone, utils.MakeError(protocol.ErrUnsupportedCommand, "stub got %s", f.Opcode)
	}
}

func (s *Simulator) report(w io.Writer, reason StopReason) (StopReason, error) {
	switch reason {
	case StopBreakpoint:
		if s.breakMessages {
			if err := s.send(w, protocol.EvMessage, []byte("break at "+s.location().String())); err != nil {
				return reason, err
			}
		}
		return reason, protocol.WriteFrame(w, protocol.TraceFrame(protocol.TraceBreakpointHit, s.address()))
	case StopStep:
		return reason, protocol.WriteFrame(w, protocol.TraceFrame(protocol.TraceOther, s.address()))
	default:
		return reason, nil
	}
}

func (s *Simulator) send(w io.Writer, op protocol.Opcode, payload []byte) error {
	f, err := protocol.Event(op, payload)
	if err != nil {
		return err
	}
	return protocol.WriteFrame(w, f)
}

// advance moves to the next address. It returns false when the program ends.
func (s *Simulator) advance() bool {
	if s.pc+1 >= len(s.addresses) {
		s.pc = len(s.addresses)
		return false
	}
	s.pc++
	s.trail = append(s.trail, s.addresses[s.pc])
	return true
}

func (s *Simulator) armed(addr uint32) bool {
	for _, bp := range s.breakpoints {
		if bp == addr {
			return true
		}
	}
	return false
}

func (s *Simulator) resume() StopReason {
	for s.advance() {
		if s.armed(s.address()) {
			return StopBreakpoint
		}
	}
	return StopTermination
}

func (s *Simulator) stepLine() StopReason {
	start := s.location()
	for s.advance() {
		if s.armed(s.address()) {
			return StopBreakpoint
		}
		if loc := s.location(); !start.IsValid() || loc.File != start.File || loc.Line != start.Line {
			return StopStep
		}
	}
	return StopTermination
}

// stepOut runs until the source file changes, the closest thing to leaving
// the current function a flat address walk can offer
func (s *Simulator) stepOut() StopReason {
	start := s.location()
	for s.advance() {
		if s.armed(s.address()) {
			return StopBreakpoint
		}
		if s.location().File != start.File {
			return StopStep
		}
	}
	return StopTermination
}

func (s *Simulator) address() uint32 {
	if s.pc < 0 || s.pc >= len(s.addresses) {
		return 0
	}
	return s.addresses[s.pc]
}

func (s *Simulator) location() symbols.SourceLocation {
	if s.pc < 0 || s.pc >= len(s.addresses) {
		return symbols.SourceLocation{}
	}
	return s.source.At(s.pc)
}

// registers encodes the program counter and the number of executed steps
func (s *Simulator) registers() []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], s.address())
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(s.trail)))
	return payload
}

const stackDepth = 8

// stack encodes the most recently executed addresses, newest first
func (s *Simulator) stack() []byte {
	n := min(len(s.trail), stackDepth)
	payload := make([]byte, 0, 4*n)
	for i := len(s.trail) - 1; i >= len(s.trail)-n; i-- {
		payload = binary.LittleEndian.AppendUint32(payload, s.trail[i])
	}
	return payload
}

// PC returns the current address and whether the program is running
func (s *Simulator) PC() (uint32, bool) {
	return s.address(), s.pc >= 0 && s.pc < len(s.addresses)
}
