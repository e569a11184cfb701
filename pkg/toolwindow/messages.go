// Package toolwindow mirrors the debugger state to an external display window.
//
// The link is two one-way streams framed like the debug protocol. The down
// stream carries Messages from the debugger to the window (registers, frame,
// stack, assembly, user text); the up stream carries the few Commands the
// window sends back to keep the link alive. It is not part of the debugging
// protocol itself: losing it never affects the debug session.
package toolwindow

import (
	"fmt"

	"github.com/Manu343726/stubdbg/pkg/protocol"
	"github.com/Manu343726/stubdbg/pkg/utils"
)

// Message is a down stream message type (debugger -> window)
type Message uint8

const (
	MsgNoop Message = iota
	MsgRegisters
	MsgFrame
	MsgStack
	MsgPong
	MsgAssemblySource
	MsgUserText
	msgCount
)

// String returns the string representation of a Message
func (m Message) String() string {
	switch m {
	case MsgNoop:
		return "noop"
	case MsgRegisters:
		return "registers"
	case MsgFrame:
		return "frame"
	case MsgStack:
		return "stack"
	case MsgPong:
		return "pong"
	case MsgAssemblySource:
		return "assembly_source"
	case MsgUserText:
		return "user_text"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// Command is an up stream command (window -> debugger)
type Command uint8

const (
	CmdNoop Command = iota
	CmdPing
	cmdCount
)

// String returns the string representation of a Command
func (c Command) String() string {
	switch c {
	case CmdNoop:
		return "noop"
	case CmdPing:
		return "ping"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func decodeMessage(f protocol.Frame) (Message, error) {
	m := Message(f.Opcode)
	if m >= msgCount {
		return 0, utils.MakeError(protocol.ErrUnsupportedCommand, "tool window message %s", m)
	}
	return m, nil
}

func decodeCommand(f protocol.Frame) (Command, error) {
	c := Command(f.Opcode)
	if c >= cmdCount {
		return 0, utils.MakeError(protocol.ErrUnsupportedCommand, "tool window command %s", c)
	}
	return c, nil
}
