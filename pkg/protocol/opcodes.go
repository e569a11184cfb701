// Package protocol implements the framed command/event protocol spoken between
// the host debugger and the stub running inside the target.
//
// Every frame starts with a one-byte opcode followed by a little endian u16
// payload length and the payload itself:
//
//	+--------+-------------+-----------------+
//	| opcode | length (LE) | payload[length] |
//	+--------+-------------+-----------------+
//
// Opcodes live in two namespaces: commands travel host -> target and events
// travel target -> host. An opcode outside the expected namespace means the
// host and the stub disagree on the protocol version, so it is always a fatal
// ErrUnsupportedCommand, never a silently dropped frame.
package protocol

import "fmt"

// Opcode is the frame discriminator
type Opcode uint8

// Commands (host -> target)
const (
	CmdNoop Opcode = iota
	CmdContinue
	CmdStepInto
	CmdStepOver
	CmdStepOut
	CmdSetBreakpoint
	CmdBatchBegin
	CmdBatchEnd
	CmdSendRegisters
	CmdSendFrame
	CmdSendStack
	CmdPing
	CmdBreak
	cmdCount
)

// Events (target -> host). Event opcodes start at 0x80 so a frame sent in the
// wrong direction can never be mistaken for a valid one.
const (
	EvNoop Opcode = 0x80 + iota
	EvTracePoint
	EvBreakPoint
	EvMessage
	EvStarted
	EvRegisters
	EvFrame
	EvStack
	EvPong
	evEnd
)

var opcodeNames = map[Opcode]string{
	CmdNoop:          "noop",
	CmdContinue:      "continue",
	CmdStepInto:      "step_into",
	CmdStepOver:      "step_over",
	CmdStepOut:       "step_out",
	CmdSetBreakpoint: "set_breakpoint",
	CmdBatchBegin:    "batch_begin",
	CmdBatchEnd:      "batch_end",
	CmdSendRegisters: "send_registers",
	CmdSendFrame:     "send_frame",
	CmdSendStack:     "send_stack",
	CmdPing:          "ping",
	CmdBreak:         "break",

	EvNoop:       "ev_noop",
	EvTracePoint: "ev_trace_point",
	EvBreakPoint: "ev_break_point",
	EvMessage:    "ev_message",
	EvStarted:    "ev_started",
	EvRegisters:  "ev_registers",
	EvFrame:      "ev_frame",
	EvStack:      "ev_stack",
	EvPong:       "ev_pong",
}

var opcodeDescriptions = map[Opcode]string{
	CmdNoop:          "Does nothing",
	CmdContinue:      "Resumes execution until the next breakpoint",
	CmdStepInto:      "Executes one source step, entering calls",
	CmdStepOver:      "Executes one source step, stepping over calls",
	CmdStepOut:       "Runs until the current function returns",
	CmdSetBreakpoint: "Arms breakpoint slot <id u16> at <address u32>",
	CmdBatchBegin:    "Starts a burst of setup commands",
	CmdBatchEnd:      "Ends a burst of setup commands",
	CmdSendRegisters: "Requests a registers snapshot",
	CmdSendFrame:     "Requests the current stack frame",
	CmdSendStack:     "Requests the raw stack contents",
	CmdPing:          "Requests a pong",
	CmdBreak:         "Asks the stub to break as soon as possible",

	EvNoop:       "Does nothing",
	EvTracePoint: "Execution stopped at <address u32> (step or code break)",
	EvBreakPoint: "Execution stopped at breakpoint <address u32>",
	EvMessage:    "User visible text output",
	EvStarted:    "The stub is ready to receive commands",
	EvRegisters:  "Registers snapshot (opaque)",
	EvFrame:      "Stack frame (opaque)",
	EvStack:      "Raw stack contents (opaque)",
	EvPong:       "Reply to a ping",
}

// String returns the string representation of an Opcode
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(op))
}

// Description returns a short explanation of what the opcode does
func (op Opcode) Description() string {
	return opcodeDescriptions[op]
}

// IsCommand returns true if the opcode belongs to the host -> target namespace
func (op Opcode) IsCommand() bool {
	return op < cmdCount
}

// IsEvent returns true if the opcode belongs to the target -> host namespace
func (op Opcode) IsEvent() bool {
	return op >= EvNoop && op < evEnd
}

// CommandOpcodes returns every command opcode in numeric order
func CommandOpcodes() []Opcode {
	ops := make([]Opcode, 0, cmdCount)
	for op := CmdNoop; op < cmdCount; op++ {
		ops = append(ops, op)
	}
	return ops
}

// EventOpcodes returns every event opcode in numeric order
func EventOpcodes() []Opcode {
	ops := make([]Opcode, 0, evEnd-EvNoop)
	for op := EvNoop; op < evEnd; op++ {
		ops = append(ops, op)
	}
	return ops
}
