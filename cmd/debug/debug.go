package debug

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/Manu343726/stubdbg/cmd/common"
	"github.com/Manu343726/stubdbg/pkg/breakpoints"
	"github.com/Manu343726/stubdbg/pkg/launcher"
	"github.com/Manu343726/stubdbg/pkg/session"
	"github.com/Manu343726/stubdbg/pkg/symbols"
	"github.com/Manu343726/stubdbg/pkg/toolwindow"
	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	debugBreakpoints []string
	debugShowAsm     bool
	debugResume      bool
)

// DebugCmd starts an interactive debug session
var DebugCmd = &cobra.Command{
	Use:   "debug [image]",
	Short: "Launch a target and debug it interactively",
	Long: `Launches the configured target, waits for its debug stub and opens an
interactive prompt.

Commands:
  continue, c          - Resume until the next breakpoint
  step, s              - Step into
  next, n              - Step over
  finish, fin          - Step out
  back                 - Step backwards (not supported by the stub)
  break, b <location>  - Add a breakpoint (label, file:line or 0x address)
  list, l              - List breakpoints
  where, w             - Show the current position
  asm, x               - Show the assembly at the current position
  interrupt, int       - Ask the target to break
  ping                 - Ping the stub
  resume               - Release a target waiting for input after launch
  state                - Show the session state
  help, h              - Show help
  quit, q              - Terminate the target and exit`,
	Args: cobra.MaximumNArgs(1),
}

func init() {
	// Assigned here rather than in the literal to break the DebugCmd -> runDebug -> execute -> DebugCmd initialization cycle
	DebugCmd.RunE = runDebug
	DebugCmd.Flags().StringSliceVarP(&debugBreakpoints, "break", "b", nil, "Breakpoints set before the target starts (repeatable)")
	DebugCmd.Flags().BoolVar(&debugShowAsm, "asm", false, "Show the assembly every time the target stops")
	DebugCmd.Flags().BoolVar(&debugResume, "resume", false, "Release the target from its launch wait right after it starts")
	DebugCmd.Flags().String("after-break", "", "After break policy: on_any_stop, on_match")
	cobra.CheckErr(viper.BindPFlag("after_break", DebugCmd.Flags().Lookup("after-break")))
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("continue"), readline.PcItem("step"), readline.PcItem("next"),
	readline.PcItem("finish"), readline.PcItem("back"), readline.PcItem("break"),
	readline.PcItem("list"), readline.PcItem("where"), readline.PcItem("asm"),
	readline.PcItem("interrupt"), readline.PcItem("ping"), readline.PcItem("resume"),
	readline.PcItem("state"), readline.PcItem("help"), readline.PcItem("quit"),
)

func runDebug(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		viper.Set("image", args[0])
	}

	cfg, err := common.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	policy, err := session.ParseAfterBreakPolicy(cfg.AfterBreak)
	if err != nil {
		return err
	}

	logger, closer, err := common.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	if !common.IsInteractive() {
		color.NoColor = true
	}

	bps, err := resolveBreakpoints(cfg.Symbols, debugBreakpoints)
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          colorPrompt.Sprint("(stubdbg) "),
		HistoryFile:     historyFilePath(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	tw := toolwindow.NewManager(cfg.ToolWindow(), logger)
	if err := tw.Open(cmd.Context()); err != nil {
		logger.Warn("tool window link unavailable", "error", err)
	}
	defer tw.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	observer := &cliObserver{out: rl.Stdout(), listing: cfg.Listing, showAsm: debugShowAsm}
	fmt.Fprintf(rl.Stdout(), "Waiting for the debug stub on %s %s\n", cfg.Transport.Network, cfg.Transport.Address)

	c, err := session.New(ctx, session.Options{
		Config:      cfg,
		Observer:    observer,
		Breakpoints: bps,
		Notifier:    tw,
		Logger:      logger,
		AfterBreak:  policy,
	})
	if err != nil {
		var launchErr *launcher.LaunchError
		if errors.As(err, &launchErr) {
			colorError.Fprintf(os.Stderr, "%v\n%s", launchErr, launchErr.Stdout)
		}
		return err
	}
	observer.controller.Store(c)
	stop()

	if debugResume {
		if err := c.ResumeFromLaunch(); err != nil {
			colorError.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
	}

	go func() {
		<-c.Done()
		rl.Close()
	}()

	for {
		input, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if err := c.Break(); err != nil {
				colorWarning.Fprintln(rl.Stdout(), "Use 'quit' to leave the debugger.")
			}
			continue
		}
		if err != nil {
			break
		}

		if quit := execute(c, observer, strings.TrimSpace(input)); quit {
			break
		}
	}

	c.Terminate()
	c.Wait()
	return nil
}

func resolveBreakpoints(path string, locations []string) (*breakpoints.Manager, error) {
	bps := breakpoints.NewManager()
	if len(locations) == 0 {
		return bps, nil
	}

	s, err := symbols.Load(path)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	for _, location := range locations {
		if _, err := bps.Resolve(location, s); err != nil {
			return nil, err
		}
	}
	return bps, nil
}

// execute runs one prompt command and reports whether the debugger must exit
func execute(c *session.Controller, o *cliObserver, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	out := o.out
	var err error

	switch strings.ToLower(parts[0]) {
	case "continue", "c":
		err = c.Continue()
	case "step", "s":
		err = c.Step(session.StepInto)
	case "next", "n":
		err = c.Step(session.StepOver)
	case "finish", "fin":
		err = c.Step(session.StepOut)
	case "back":
		err = c.Step(session.StepBackwards)
	case "break", "b":
		if len(parts) < 2 {
			colorError.Fprintln(out, "Usage: break <label|file:line|0xaddress>")
			return false
		}
		var p breakpoints.Pending
		if p, err = c.AddBreakpoint(parts[1]); err == nil {
			for _, b := range p.Bound {
				colorSuccess.Fprintf(out, "Breakpoint %d at %s\n", b.ID, colorAddr.Sprintf("0x%08X", b.Address))
			}
		}
	case "list", "l":
		for _, p := range c.Breakpoints().Pending() {
			fmt.Fprintf(out, "%-24s %v\n", p.Location, p.Bound)
		}
	case "where", "w":
		o.showStop()
	case "asm", "x":
		if addr, ok := c.CurrentAddress(); ok {
			o.showAssembly(c, addr)
		} else {
			colorWarning.Fprintln(out, "The target is not stopped")
		}
	case "interrupt", "int":
		err = c.Break()
	case "ping":
		err = c.Ping()
	case "resume":
		err = c.ResumeFromLaunch()
	case "state":
		fmt.Fprintf(out, "session %s: %s\n", c.ID(), c.State())
	case "help", "h":
		fmt.Fprintln(out, DebugCmd.Long)
	case "quit", "q", "exit":
		return true
	default:
		colorError.Fprintf(out, "Unknown command: %s\n", parts[0])
	}

	if err != nil {
		colorError.Fprintf(out, "Error: %v\n", err)
		if errors.Is(err, session.ErrTerminated) {
			return true
		}
	}
	return false
}

// historyFilePath returns the path to the debugger history file
func historyFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".stubdbg_history"
	}
	return filepath.Join(homeDir, ".stubdbg_history")
}
