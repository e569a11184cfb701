package connector

import (
	"fmt"

	"github.com/Manu343726/stubdbg/pkg/protocol"
	"github.com/Manu343726/stubdbg/pkg/utils"
)

// EventKind discriminates the Event union
type EventKind int

const (
	// EventStarted is fired when the target stub is ready to receive commands
	EventStarted EventKind = iota
	// EventTrace is fired when the target stops at an address
	EventTrace
	// EventText carries user visible output from the target
	EventText
	// EventRegisters carries a registers snapshot
	EventRegisters
	// EventFrame carries the current stack frame
	EventFrame
	// EventStack carries the raw stack contents
	EventStack
	// EventPong is the reply to a ping
	EventPong
	// EventConnectionLost is always the last event. Err holds the cause.
	EventConnectionLost
)

// String returns the string representation of an EventKind
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventTrace:
		return "trace"
	case EventText:
		return "text"
	case EventRegisters:
		return "registers"
	case EventFrame:
		return "frame"
	case EventStack:
		return "stack"
	case EventPong:
		return "pong"
	case EventConnectionLost:
		return "connection_lost"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is a decoded inbound message. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	// Trace is set for EventTrace
	Trace protocol.Trace
	// Text is set for EventText
	Text string
	// Data is set for EventRegisters, EventFrame, EventStack and EventPong
	Data []byte
	// Err is set for EventConnectionLost
	Err error
}

// decodeEvent maps an inbound frame to an event. A nil event with no error
// means the frame carries nothing to deliver.
func decodeEvent(f protocol.Frame) (*Event, error) {
	switch f.Opcode {
	case protocol.EvNoop:
		return nil, nil
	case protocol.EvTracePoint, protocol.EvBreakPoint:
		trace, err := protocol.DecodeTrace(f)
		if err != nil {
			return nil, err
		}
		return &Event{Kind: EventTrace, Trace: trace}, nil
	case protocol.EvMessage:
		return &Event{Kind: EventText, Text: string(f.Payload)}, nil
	case protocol.EvStarted:
		return &Event{Kind: EventStarted}, nil
	case protocol.EvRegisters:
		return &Event{Kind: EventRegisters, Data: f.Payload}, nil
	case protocol.EvFrame:
		return &Event{Kind: EventFrame, Data: f.Payload}, nil
	case protocol.EvStack:
		return &Event{Kind: EventStack, Data: f.Payload}, nil
	case protocol.EvPong:
		return &Event{Kind: EventPong, Data: f.Payload}, nil
	default:
		return nil, utils.MakeError(protocol.ErrUnsupportedCommand, "inbound opcode %s", f.Opcode)
	}
}
