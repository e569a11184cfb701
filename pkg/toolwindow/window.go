package toolwindow

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/Manu343726/stubdbg/pkg/logging"
	"github.com/Manu343726/stubdbg/pkg/protocol"
)

// Handler receives every down stream message received by a Window
type Handler func(msg Message, data []byte)

// Window is the display side of the link: it accepts the debugger's down
// stream and dials the debugger's up stream to send commands.
type Window struct {
	cfg    Config
	logger *slog.Logger
	ln     net.Listener

	mu sync.Mutex
	up net.Conn
}

// ListenWindow starts listening for debugger messages on cfg.Down
func ListenWindow(ctx context.Context, cfg Config, logger *slog.Logger) (*Window, error) {
	if cfg.Network == "unix" {
		_ = os.Remove(cfg.Down)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, cfg.Network, cfg.Down)
	if err != nil {
		return nil, err
	}

	return &Window{
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With("component", "window"),
		ln:     ln,
	}, nil
}

// Addr returns the address the window listens on
func (w *Window) Addr() net.Addr {
	return w.ln.Addr()
}

// Serve accepts debugger connections one after another and hands every
// message to handle, until ctx is cancelled or the window is closed.
// A debugger reconnecting after a broken link is simply accepted again.
func (w *Window) Serve(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { w.ln.Close() })
	defer stop()

	for {
		conn, err := w.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		w.logger.Debug("debugger connected", "remote", conn.RemoteAddr())
		if err := w.serveConn(ctx, conn, handle); err != nil {
			w.logger.Warn("debugger link dropped", "error", err)
		}
	}
}

func (w *Window) serveConn(ctx context.Context, conn net.Conn, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			return err
		}
		msg, err := decodeMessage(f)
		if err != nil {
			return err
		}
		handle(msg, f.Payload)
	}
}

// Send writes a command to the debugger, dialing the up stream if needed
func (w *Window) Send(cmd Command) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.up == nil {
		conn, err := net.DialTimeout(w.cfg.Network, w.cfg.Up, dialTimeout)
		if err != nil {
			return err
		}
		w.up = conn
	}

	if err := protocol.WriteFrame(w.up, protocol.Frame{Opcode: protocol.Opcode(cmd)}); err != nil {
		w.up.Close()
		w.up = nil
		return err
	}
	return nil
}

// Ping asks the debugger for a Pong message
func (w *Window) Ping() error {
	return w.Send(CmdPing)
}

// Close stops listening and drops the up stream
func (w *Window) Close() error {
	w.mu.Lock()
	if w.up != nil {
		w.up.Close()
		w.up = nil
	}
	w.mu.Unlock()
	return w.ln.Close()
}
