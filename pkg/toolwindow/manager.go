package toolwindow

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Manu343726/stubdbg/pkg/logging"
	"github.com/Manu343726/stubdbg/pkg/protocol"
	"github.com/sourcegraph/conc"
)

// ErrClosed is returned when using a closed manager
var ErrClosed = errors.New("tool window link closed")

const dialTimeout = 500 * time.Millisecond

// Config locates the two streams
type Config struct {
	// Enabled turns the whole link on
	Enabled bool
	// Network is "unix" or "tcp"
	Network string
	// Down is the address where the window listens for messages
	Down string
	// Up is the address where the debugger listens for window commands
	Up string
}

// Notifier is the one-way message sink a debug session writes to
type Notifier interface {
	Send(msg Message, data []byte) error
}

// Manager owns the link to the tool window. It is meant to be created once
// per process and shared by every debug session: the streams are opened on
// the first Open and reused afterwards, until Close.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	opened bool
	closed bool
	down   net.Conn
	up     net.Listener
	conns  map[net.Conn]struct{}
	wg     conc.WaitGroup
}

// NewManager creates a manager. Nothing is opened until Open.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logging.OrDiscard(logger).With("component", "toolwindow"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Open starts listening for window commands. It is a no-op when the link is
// disabled or already open. The down stream is dialed lazily on first Send.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled || m.opened {
		return nil
	}
	if m.closed {
		return ErrClosed
	}

	if m.cfg.Up != "" {
		if m.cfg.Network == "unix" {
			_ = os.Remove(m.cfg.Up)
		}
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, m.cfg.Network, m.cfg.Up)
		if err != nil {
			return err
		}
		m.up = ln
		m.wg.Go(func() { m.acceptLoop(ln) })
	}

	m.opened = true
	m.logger.Debug("tool window link opened", "down", m.cfg.Down, "up", m.cfg.Up)
	return nil
}

// UpAddr returns the address window commands are accepted on, or nil
func (m *Manager) UpAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.up == nil {
		return nil
	}
	return m.up.Addr()
}

func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Go(func() { m.serveUp(conn) })
	}
}

func (m *Manager) serveUp(conn net.Conn) {
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		if err := m.handleCommand(f); err != nil {
			m.logger.Error("dropping tool window link", "error", err)
			return
		}
	}
}

func (m *Manager) handleCommand(f protocol.Frame) error {
	cmd, err := decodeCommand(f)
	if err != nil {
		return err
	}

	switch cmd {
	case CmdPing:
		return m.Send(MsgPong, nil)
	default:
		return nil
	}
}

// Send writes a message to the window. Messages are dropped silently while
// the link is disabled; a failed write closes the down stream so the next
// Send dials again.
func (m *Manager) Send(msg Message, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled {
		return nil
	}
	if m.closed {
		return ErrClosed
	}

	if m.down == nil {
		conn, err := net.DialTimeout(m.cfg.Network, m.cfg.Down, dialTimeout)
		if err != nil {
			return err
		}
		m.down = conn
	}

	if err := protocol.WriteFrame(m.down, protocol.Frame{Opcode: protocol.Opcode(msg), Payload: data}); err != nil {
		m.down.Close()
		m.down = nil
		return err
	}
	return nil
}

// Close tears the link down and waits for its goroutines
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	if m.down != nil {
		m.down.Close()
		m.down = nil
	}
	if m.up != nil {
		m.up.Close()
	}
	for conn := range m.conns {
		conn.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}
