package debug

import (
	"fmt"
	"io"
	"strings"

	"github.com/Manu343726/stubdbg/pkg/asm"
	"github.com/Manu343726/stubdbg/pkg/breakpoints"
	"github.com/Manu343726/stubdbg/pkg/session"
	"github.com/Manu343726/stubdbg/pkg/utils"
	"github.com/fatih/color"
	"go.uber.org/atomic"
)

var (
	colorAddr       = color.New(color.FgCyan)
	colorBreakpoint = color.New(color.FgRed, color.Bold)
	colorSuccess    = color.New(color.FgGreen)
	colorWarning    = color.New(color.FgYellow)
	colorError      = color.New(color.FgRed, color.Bold)
	colorDebugger   = color.New(color.FgHiBlack)
	colorSourceFile = color.New(color.FgHiBlue)
	colorSourceLine = color.New(color.FgHiCyan)
	colorPrompt     = color.New(color.FgBlue, color.Bold)
)

// cliObserver prints session notifications on the terminal
type cliObserver struct {
	out        io.Writer
	listing    string
	showAsm    bool
	controller atomic.Pointer[session.Controller]
}

var _ session.Observer = (*cliObserver)(nil)

func (o *cliObserver) OnThreadStart(t session.Thread) {
	colorSuccess.Fprintf(o.out, "Target started (pid %d)\n", t.ID)
}

func (o *cliObserver) OnBreakpoint(_ session.Thread, hits []breakpoints.Bound) {
	if len(hits) == 0 {
		colorWarning.Fprintln(o.out, "Target stopped")
	}
	for _, hit := range hits {
		colorBreakpoint.Fprintf(o.out, "Breakpoint %d hit at %s\n", hit.ID, colorAddr.Sprintf("0x%08X", hit.Address))
	}
	o.showStop()
}

func (o *cliObserver) OnStepComplete(session.Thread) {
	o.showStop()
}

func (o *cliObserver) OnProcessExit(code int) {
	colorSuccess.Fprintf(o.out, "Target exited with code %d\n", code)
}

func (o *cliObserver) OnOutputString(msg string) {
	colorDebugger.Fprint(o.out, msg)
}

func (o *cliObserver) OnOutputStringUser(msg string) {
	fmt.Fprint(o.out, msg)
}

// showStop prints the source position of the current address and,
// optionally, the assembly backing it
func (o *cliObserver) showStop() {
	c := o.controller.Load()
	if c == nil {
		return
	}
	addr, ok := c.CurrentAddress()
	if !ok {
		return
	}

	loc, ok := c.Symbols().Source.Lookup(addr)
	if !ok {
		fmt.Fprintf(o.out, "  at %s\n", colorAddr.Sprintf("0x%08X", addr))
		return
	}

	label, _ := c.Symbols().Labels.Label(addr)
	fmt.Fprintf(o.out, "  at %s (%s) %s:%s\n",
		colorAddr.Sprintf("0x%08X", addr),
		label,
		colorSourceFile.Sprint(loc.File),
		colorSourceLine.Sprint(loc.Line))

	if o.showAsm {
		o.showAssembly(c, addr)
	}
}

func (o *cliObserver) showAssembly(c *session.Controller, addr uint32) {
	r := &asm.Reconstructor{Symbols: c.Symbols(), ListingPath: o.listing}
	code, err := r.At(addr)
	if err != nil {
		colorError.Fprintf(o.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(o.out, utils.HighlightAsm(strings.TrimRight(code, "\n")))
}
