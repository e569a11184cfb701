package simulate

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/Manu343726/stubdbg/cmd/common"
	"github.com/Manu343726/stubdbg/pkg/stub"
	"github.com/Manu343726/stubdbg/pkg/symbols"
	"github.com/spf13/cobra"
)

var (
	simulateGreeting      string
	simulateBreakMessages bool
	simulateWait          time.Duration
)

// SimulateCmd runs the stub simulator against a listening debugger
var SimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Act as a target debug stub",
	Long: `Connects to a debugger the way a target debug stub does and walks the
addresses of the symbol database as if they were instructions. Useful to try
the debugger (and the tool window) without a real target:

  stubdbg debug --break L1    # with target.command set to "stubdbg simulate"`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	SimulateCmd.Flags().StringVar(&simulateGreeting, "greeting", "stub ready", "Message sent before the started event")
	SimulateCmd.Flags().BoolVar(&simulateBreakMessages, "break-messages", false, "Print a message every time a breakpoint is hit")
	SimulateCmd.Flags().DurationVar(&simulateWait, "wait", 10*time.Second, "How long to wait for the debugger to listen")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := common.LoadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := common.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	s, err := symbols.Load(cfg.Symbols)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := []stub.Option{stub.WithLogger(logger), stub.WithGreeting(simulateGreeting)}
	if simulateBreakMessages {
		opts = append(opts, stub.WithBreakMessages())
	}
	sim, err := stub.New(s.Source, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// the debugger may still be starting up
	deadline := time.Now().Add(simulateWait)
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, cfg.Transport.Network, cfg.Transport.Address)
		if err == nil {
			return sim.Run(ctx, conn)
		}
		if time.Now().After(deadline) {
			return err
		}
		logger.Debug("debugger not listening yet", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
