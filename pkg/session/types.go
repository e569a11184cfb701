package session

import (
	"fmt"

	"github.com/Manu343726/stubdbg/pkg/breakpoints"
	"github.com/Manu343726/stubdbg/pkg/config"
	"github.com/Manu343726/stubdbg/pkg/launcher"
	"github.com/Manu343726/stubdbg/pkg/utils"
)

// State is the lifecycle state of a session
type State int32

const (
	StateLaunching State = iota
	StateReady
	StateRunning
	StateStopped
	StateTerminated
)

// String returns the string representation of a State
func (s State) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// StepKind selects how far a step goes
type StepKind int

const (
	StepInto StepKind = iota
	StepOver
	StepOut
	StepBackwards
)

// String returns the string representation of a StepKind
func (k StepKind) String() string {
	switch k {
	case StepInto:
		return "into"
	case StepOver:
		return "over"
	case StepOut:
		return "out"
	case StepBackwards:
		return "backwards"
	default:
		return "unknown"
	}
}

// AfterBreakPolicy decides which stops arm the after-break flag. While the
// flag is armed, a stop with no matching breakpoint is reported as a
// completed step instead of a breakpoint.
type AfterBreakPolicy int

const (
	// AfterBreakOnAnyStop arms the flag on every breakpoint notification, so
	// a breakpoint report is never followed by another unmatched one
	AfterBreakOnAnyStop AfterBreakPolicy = iota
	// AfterBreakOnMatch arms the flag only when a known breakpoint matched
	AfterBreakOnMatch
)

// ParseAfterBreakPolicy maps a configuration value to a policy
func ParseAfterBreakPolicy(s string) (AfterBreakPolicy, error) {
	switch s {
	case "", config.AfterBreakOnAnyStop:
		return AfterBreakOnAnyStop, nil
	case config.AfterBreakOnMatch:
		return AfterBreakOnMatch, nil
	default:
		return 0, utils.MakeError(config.ErrInvalidConfig, "unknown after break policy %q", s)
	}
}

// Thread identifies the single thread of execution of a target
type Thread struct {
	ID   int
	Name string
}

// Observer receives the session notifications. Calls are made one at a time
// per session and nothing follows OnProcessExit. Callbacks must not call
// Terminate or Wait.
type Observer interface {
	OnThreadStart(t Thread)
	OnBreakpoint(t Thread, hits []breakpoints.Bound)
	OnStepComplete(t Thread)
	OnProcessExit(code int)
	// OnOutputString receives debugger messages, newline terminated
	OnOutputString(msg string)
	// OnOutputStringUser receives the output of the debugged program
	OnOutputStringUser(msg string)
}

// Process is a launched target
type Process interface {
	Pid() int
	Path() string
	Exited() <-chan struct{}
	// ExitCode returns -1 while the process is running or when unknown
	ExitCode() int
	Kill() error
	Resume() error
	Diagnostics() launcher.Diagnostics
}
