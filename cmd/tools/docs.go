package tools

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/Manu343726/stubdbg/pkg/protocol"
	"github.com/Manu343726/stubdbg/pkg/toolwindow"
	"github.com/Manu343726/stubdbg/pkg/utils"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var supportedModules = map[string]func() string{
	"protocol":   protocolDocs,
	"toolwindow": toolWindowDocs,
}

func moduleNames() []string {
	names := utils.Keys(supportedModules)
	sort.Strings(names)
	return names
}

var docsCmd = &cobra.Command{
	Use:   "docs module",
	Short: "Show stubdbg documentation",
	Long: `Dumps the documentation of the specified stubdbg module.
By default the tool dumps the documentation to stdout, but it can be redirected to a file using the --output flag.

Supported modules:
` + strings.Join(lo.Map(moduleNames(), func(module string, _ int) string { return "  " + module }), "\n"),
	Args:      cobra.MatchAll(cobra.OnlyValidArgs, cobra.ExactArgs(1)),
	ValidArgs: moduleNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc := supportedModules[args[0]]()

		outputFile, _ := cmd.Flags().GetString("output")
		if outputFile == "" {
			fmt.Println(doc)
			return nil
		}

		file, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = fmt.Fprintln(file, doc)
		return err
	},
}

func init() {
	ToolsCmd.AddCommand(docsCmd)
	docsCmd.Flags().StringP("output", "o", "", "Output file. If not specified, the documentation is dumped to stdout.")
}

const frameLayout = `Every frame is laid out as:

  +--------+-------------+-----------------+
  | opcode | length (LE) | payload[length] |
  +--------+-------------+-----------------+
    1 byte     2 bytes      length bytes
`

func opcodeTable(title string, ops []protocol.Opcode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n\n", title)

	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, op := range ops {
		fmt.Fprintf(w, "  0x%02X\t%s\t%s\n", uint8(op), op, op.Description())
	}
	w.Flush()
	return b.String()
}

func protocolDocs() string {
	return strings.Join([]string{
		frameLayout,
		opcodeTable("Commands (debugger -> stub)", protocol.CommandOpcodes()),
		opcodeTable("Events (stub -> debugger)", protocol.EventOpcodes()),
	}, "\n")
}

func toolWindowDocs() string {
	var b strings.Builder
	b.WriteString("The tool window link uses the debug protocol framing over two streams.\n\n")

	b.WriteString("Messages (debugger -> window):\n\n")
	for m := toolwindow.MsgNoop; m <= toolwindow.MsgUserText; m++ {
		fmt.Fprintf(&b, "  0x%02X  %s\n", uint8(m), m)
	}

	b.WriteString("\nCommands (window -> debugger):\n\n")
	for c := toolwindow.CmdNoop; c <= toolwindow.CmdPing; c++ {
		fmt.Fprintf(&b, "  0x%02X  %s\n", uint8(c), c)
	}
	return b.String()
}
