package protocol

import (
	"encoding/binary"

	"github.com/Manu343726/stubdbg/pkg/utils"
)

// TraceKind tells why the stub reported a stop
type TraceKind int

const (
	// TraceOther is a stop caused by stepping or a code based break
	TraceOther TraceKind = iota
	// TraceBreakpointHit is a stop caused by an armed breakpoint
	TraceBreakpointHit
)

// String returns the string representation of a TraceKind
func (k TraceKind) String() string {
	switch k {
	case TraceOther:
		return "other"
	case TraceBreakpointHit:
		return "breakpoint_hit"
	default:
		return "unknown"
	}
}

// Trace is a decoded stop report
type Trace struct {
	Kind    TraceKind
	Address uint32
}

// Command builds a command frame, rejecting opcodes from the event namespace
func Command(op Opcode, payload []byte) (Frame, error) {
	if !op.IsCommand() {
		return Frame{}, utils.MakeError(ErrUnsupportedCommand, "%s is not a command", op)
	}
	return Frame{Opcode: op, Payload: payload}, nil
}

// Event builds an event frame, rejecting opcodes from the command namespace
func Event(op Opcode, payload []byte) (Frame, error) {
	if !op.IsEvent() {
		return Frame{}, utils.MakeError(ErrUnsupportedCommand, "%s is not an event", op)
	}
	return Frame{Opcode: op, Payload: payload}, nil
}

// SetBreakpoint builds the set breakpoint command
func SetBreakpoint(id uint16, addr uint32) Frame {
	payload := make([]byte, 6)
	binary.LittleEndian.PutUint16(payload[0:2], id)
	binary.LittleEndian.PutUint32(payload[2:6], addr)
	return Frame{Opcode: CmdSetBreakpoint, Payload: payload}
}

// DecodeSetBreakpoint extracts the breakpoint slot and address of a set breakpoint command
func DecodeSetBreakpoint(f Frame) (id uint16, addr uint32, err error) {
	if f.Opcode != CmdSetBreakpoint || len(f.Payload) != 6 {
		return 0, 0, utils.MakeError(ErrMalformedFrame, "%s with %d byte payload is not a breakpoint", f.Opcode, len(f.Payload))
	}
	return binary.LittleEndian.Uint16(f.Payload[0:2]), binary.LittleEndian.Uint32(f.Payload[2:6]), nil
}

// TraceFrame builds a stop report event
func TraceFrame(kind TraceKind, addr uint32) Frame {
	op := EvTracePoint
	if kind == TraceBreakpointHit {
		op = EvBreakPoint
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, addr)
	return Frame{Opcode: op, Payload: payload}
}

// DecodeTrace extracts a stop report from a trace point or break point event
func DecodeTrace(f Frame) (Trace, error) {
	var kind TraceKind
	switch f.Opcode {
	case EvTracePoint:
		kind = TraceOther
	case EvBreakPoint:
		kind = TraceBreakpointHit
	default:
		return Trace{}, utils.MakeError(ErrMalformedFrame, "%s is not a trace event", f.Opcode)
	}

	if len(f.Payload) != 4 {
		return Trace{}, utils.MakeError(ErrMalformedFrame, "%s payload has %d bytes, expected 4", f.Opcode, len(f.Payload))
	}

	return Trace{Kind: kind, Address: binary.LittleEndian.Uint32(f.Payload)}, nil
}
