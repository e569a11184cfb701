package window

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Manu343726/stubdbg/cmd/common"
	"github.com/Manu343726/stubdbg/pkg/toolwindow"
	"github.com/Manu343726/stubdbg/pkg/utils"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
)

// WindowCmd opens the tool window display
var WindowCmd = &cobra.Command{
	Use:   "window",
	Short: "Show the debugger state in a terminal window",
	Long: `Opens a terminal display that mirrors the state of the running debug
sessions: assembly around the current position, registers, frame, stack and
program output. Run it before starting the debugger with aux.enabled set.

Keys:
  p      - Ping the debugger
  q, Esc - Quit`,
	Args: cobra.NoArgs,
	RunE: runWindow,
}

type panes struct {
	assembly  *tview.TextView
	registers *tview.TextView
	frame     *tview.TextView
	stack     *tview.TextView
	output    *tview.TextView
	status    *tview.TextView
}

func newPane(title string) *tview.TextView {
	tv := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	tv.SetBorder(true).SetTitle(" " + title + " ")
	return tv
}

func runWindow(cmd *cobra.Command, args []string) error {
	cfg, err := common.LoadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := common.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	twCfg := cfg.ToolWindow()
	w, err := toolwindow.ListenWindow(cmd.Context(), twCfg, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	p := panes{
		assembly:  newPane("Assembly"),
		registers: newPane("Registers"),
		frame:     newPane("Frame"),
		stack:     newPane("Stack"),
		output:    newPane("Output"),
		status:    tview.NewTextView().SetDynamicColors(true),
	}
	p.output.ScrollToEnd()
	p.status.SetText(fmt.Sprintf("[gray]listening on %s  (p: ping, q: quit)", w.Addr()))

	state := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(p.registers, 0, 1, false).
		AddItem(p.frame, 0, 1, false).
		AddItem(p.stack, 0, 2, false)
	body := tview.NewFlex().
		AddItem(p.assembly, 0, 2, false).
		AddItem(state, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(body, 0, 3, false).
		AddItem(p.output, 0, 1, false).
		AddItem(p.status, 1, 0, false)

	app := tview.NewApplication()
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyEscape, event.Rune() == 'q':
			app.Stop()
			return nil
		case event.Rune() == 'p':
			if err := w.Ping(); err != nil {
				p.status.SetText(fmt.Sprintf("[red]ping failed: %v", err))
			}
			return nil
		}
		return event
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go w.Serve(ctx, func(msg toolwindow.Message, data []byte) {
		app.QueueUpdateDraw(func() { p.show(msg, data) })
	})

	return app.SetRoot(root, true).Run()
}

func (p *panes) show(msg toolwindow.Message, data []byte) {
	switch msg {
	case toolwindow.MsgAssemblySource:
		p.assembly.SetText(tview.TranslateANSI(utils.HighlightAsm(string(data))))
		p.assembly.ScrollToBeginning()
	case toolwindow.MsgRegisters:
		p.registers.SetText(formatWords(data))
	case toolwindow.MsgFrame:
		p.frame.SetText(formatPayload(data))
	case toolwindow.MsgStack:
		p.stack.SetText(formatWords(data))
	case toolwindow.MsgUserText:
		fmt.Fprintln(p.output, tview.Escape(string(data)))
	case toolwindow.MsgPong:
		p.status.SetText("[green]pong")
	}
}

// formatWords renders a payload as little endian 32 bit words
func formatWords(data []byte) string {
	var b strings.Builder
	for i := 0; i+4 <= len(data); i += 4 {
		fmt.Fprintf(&b, "[gray]+%02X[-] 0x%08X\n", i, binary.LittleEndian.Uint32(data[i:]))
	}
	if rest := len(data) % 4; rest != 0 {
		fmt.Fprintf(&b, "[gray]+%02X[-] % X\n", len(data)-rest, data[len(data)-rest:])
	}
	return b.String()
}

// formatPayload shows printable payloads as text and anything else as words
func formatPayload(data []byte) string {
	if utf8.Valid(data) && strings.IndexFunc(string(data), func(r rune) bool {
		return !unicode.IsPrint(r) && !unicode.IsSpace(r)
	}) < 0 {
		return tview.Escape(string(data))
	}
	return formatWords(data)
}
