package session

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Manu343726/stubdbg/pkg/breakpoints"
	"github.com/Manu343726/stubdbg/pkg/config"
	"github.com/Manu343726/stubdbg/pkg/connector"
	"github.com/Manu343726/stubdbg/pkg/launcher"
	"github.com/Manu343726/stubdbg/pkg/protocol"
	"github.com/Manu343726/stubdbg/pkg/stub"
	"github.com/Manu343726/stubdbg/pkg/symbols"
	"github.com/Manu343726/stubdbg/pkg/toolwindow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDatabase = `
labels:
  - {address: 0x1000, name: L1}
  - {address: 0x1001, name: L2}
  - {address: 0x1002, name: L3}
  - {address: 0x1003, name: L4}
  - {address: 0x1004, name: L5}
sources:
  - {label: L1, file: a.cs, line: 10, column: 3}
  - {label: L2, file: a.cs, line: 10, column: 3}
  - {label: L3, file: a.cs, line: 10, column: 3}
  - {label: L4, file: a.cs, line: 10, column: 3}
  - {label: L5, file: a.cs, line: 11, column: 3}
`

const testListing = `Program_Main:
L1: ;IL
  push ebp
L2: ;IL
  mov ebp, esp
L3: ;IL
  mov eax, 1
L4: ;IL
  call Foo
L5: ;IL
  ret
`

const waitTimeout = 2 * time.Second

// fakeProcess is a target that never runs anything
type fakeProcess struct {
	exitOnce sync.Once
	exited   chan struct{}
	mu       sync.Mutex
	code     int
	killed   int
	resumed  int
	stderr   string
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exited: make(chan struct{}), code: -1}
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *fakeProcess) Pid() int                { return 4242 }
func (p *fakeProcess) Path() string            { return "/bin/target" }
func (p *fakeProcess) Exited() <-chan struct{} { return p.exited }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProcess) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed++
	return nil
}

func (p *fakeProcess) Diagnostics() launcher.Diagnostics {
	return launcher.Diagnostics{Stderr: p.stderr, ExitCode: p.ExitCode()}
}

type call struct {
	name string
	hits []breakpoints.Bound
	code int
	text string
}

type recordingObserver struct {
	calls chan call
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{calls: make(chan call, 128)}
}

func (o *recordingObserver) OnThreadStart(Thread) { o.calls <- call{name: "thread_start"} }
func (o *recordingObserver) OnBreakpoint(_ Thread, hits []breakpoints.Bound) {
	o.calls <- call{name: "breakpoint", hits: hits}
}
func (o *recordingObserver) OnStepComplete(Thread) { o.calls <- call{name: "step_complete"} }
func (o *recordingObserver) OnProcessExit(code int) {
	o.calls <- call{name: "process_exit", code: code}
}
func (o *recordingObserver) OnOutputString(msg string) { o.calls <- call{name: "output", text: msg} }
func (o *recordingObserver) OnOutputStringUser(msg string) {
	o.calls <- call{name: "user_output", text: msg}
}

// next returns the next call, skipping debugger output unless asked for it
func (o *recordingObserver) next(t *testing.T, name string) call {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case c := <-o.calls:
			if c.name == name {
				return c
			}
			if c.name == "output" {
				continue
			}
			t.Fatalf("expected %s, got %s (%q)", name, c.name, c.text)
		case <-deadline:
			t.Fatalf("timeout waiting for %s", name)
		}
	}
}

func (o *recordingObserver) count(name string) int {
	n := 0
	for {
		select {
		case c := <-o.calls:
			if c.name == name {
				n++
			}
		default:
			return n
		}
	}
}

type sentMessage struct {
	msg  toolwindow.Message
	data []byte
}

type recordingNotifier struct {
	sent chan sentMessage
	// when gate is set, assembly sends signal blocked and wait for gate
	gate    chan struct{}
	blocked chan struct{}
}

func (n *recordingNotifier) Send(msg toolwindow.Message, data []byte) error {
	if n.gate != nil && msg == toolwindow.MsgAssemblySource {
		n.blocked <- struct{}{}
		<-n.gate
	}
	n.sent <- sentMessage{msg, data}
	return nil
}

func (n *recordingNotifier) next(t *testing.T, msg toolwindow.Message) sentMessage {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-n.sent:
			if m.msg == msg {
				return m
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", msg)
		}
	}
}

// target is the stub side of the debug connection
type target struct {
	t        *testing.T
	conn     net.Conn
	commands chan protocol.Frame
}

func (tg *target) send(f protocol.Frame) {
	tg.t.Helper()
	require.NoError(tg.t, protocol.WriteFrame(tg.conn, f))
}

func (tg *target) event(op protocol.Opcode, payload []byte) {
	tg.t.Helper()
	tg.send(protocol.Frame{Opcode: op, Payload: payload})
}

func (tg *target) expect(op protocol.Opcode) protocol.Frame {
	tg.t.Helper()
	select {
	case f := <-tg.commands:
		require.Equal(tg.t, op, f.Opcode, "got %s", f.Opcode)
		return f
	case <-time.After(waitTimeout):
		tg.t.Fatalf("timeout waiting for %s", op)
		return protocol.Frame{}
	}
}

func (tg *target) expectRefresh() {
	tg.t.Helper()
	tg.expect(protocol.CmdSendRegisters)
	tg.expect(protocol.CmdSendFrame)
	tg.expect(protocol.CmdSendStack)
}

type fixture struct {
	cfg      *config.Config
	observer *recordingObserver
	notifier *recordingNotifier
	bps      *breakpoints.Manager
	proc     *fakeProcess
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	cfg := &config.Config{
		Symbols: filepath.Join(dir, "image.sdb"),
		Listing: filepath.Join(dir, "image.asm"),
	}
	require.NoError(t, os.WriteFile(cfg.Symbols, []byte(testDatabase), 0o644))
	require.NoError(t, os.WriteFile(cfg.Listing, []byte(testListing), 0o644))

	return &fixture{
		cfg:      cfg,
		observer: newRecordingObserver(),
		notifier: &recordingNotifier{sent: make(chan sentMessage, 128)},
		bps:      breakpoints.NewManager(),
		proc:     newFakeProcess(),
	}
}

func (f *fixture) options(connect func(context.Context) (*connector.Connector, error)) Options {
	return Options{
		Config:      f.cfg,
		Observer:    f.observer,
		Breakpoints: f.bps,
		Notifier:    f.notifier,
		Launch:      func(context.Context) (Process, error) { return f.proc, nil },
		Connect:     connect,
	}
}

// start creates a session talking to a scripted target
func (f *fixture) start(t *testing.T, policy AfterBreakPolicy) (*Controller, *target) {
	t.Helper()

	hostSide, stubSide := net.Pipe()
	tg := &target{t: t, conn: stubSide, commands: make(chan protocol.Frame, 64)}
	go func() {
		for {
			frame, err := protocol.ReadFrame(stubSide)
			if err != nil {
				return
			}
			tg.commands <- frame
		}
	}()

	opts := f.options(func(context.Context) (*connector.Connector, error) {
		return connector.New(hostSide), nil
	})
	opts.AfterBreak = policy

	c, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Terminate()
		stubSide.Close()
	})

	f.observer.next(t, "thread_start")
	return c, tg
}

func startTarget(t *testing.T, c *Controller, tg *target, f *fixture) {
	t.Helper()
	tg.event(protocol.EvStarted, nil)
	tg.expect(protocol.CmdBatchEnd)

	out := f.observer.next(t, "output")
	assert.Equal(t, "RmtDbg: Started\n", out.text)
	require.Eventually(t, func() bool { return c.State() == StateRunning }, waitTimeout, time.Millisecond)
}

func TestSession_BreakpointStepContinue(t *testing.T) {
	f := newFixture(t)
	_, err := f.bps.Add("L1", 0x1000)
	require.NoError(t, err)

	c, tg := f.start(t, AfterBreakOnAnyStop)
	assert.Equal(t, StateReady, c.State())

	tg.event(protocol.EvMessage, []byte("booting"))
	assert.Equal(t, "booting\r\n", f.observer.next(t, "user_output").text)

	tg.event(protocol.EvStarted, nil)
	id, addr, err := protocol.DecodeSetBreakpoint(tg.expect(protocol.CmdSetBreakpoint))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), id)
	assert.Equal(t, uint32(0x1000), addr)
	tg.expect(protocol.CmdBatchEnd)

	tg.send(protocol.TraceFrame(protocol.TraceBreakpointHit, 0x1000))
	tg.expectRefresh()
	hit := f.observer.next(t, "breakpoint")
	assert.Equal(t, []breakpoints.Bound{{ID: 1, Address: 0x1000}}, hit.hits)

	source := f.notifier.next(t, toolwindow.MsgAssemblySource)
	assert.Equal(t, "L1: ;IL\n  push ebp\nL2: ;IL\n  mov ebp, esp\nL3: ;IL\n  mov eax, 1\nL4: ;IL\n  call Foo\n", string(source.data))

	assert.Equal(t, StateStopped, c.State())
	current, ok := c.CurrentAddress()
	assert.True(t, ok)
	assert.Equal(t, uint32(0x1000), current)
	assert.True(t, c.AfterBreak())

	require.NoError(t, c.Step(StepOver))
	tg.expect(protocol.CmdStepOver)
	tg.send(protocol.TraceFrame(protocol.TraceOther, 0x1004))
	tg.expectRefresh()
	f.observer.next(t, "step_complete")

	tg.event(protocol.EvRegisters, []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{1, 2, 3, 4}, f.notifier.next(t, toolwindow.MsgRegisters).data)

	require.NoError(t, c.Continue())
	tg.expect(protocol.CmdContinue)
	_, ok = c.CurrentAddress()
	assert.False(t, ok)
	assert.False(t, c.AfterBreak())
	assert.Equal(t, StateRunning, c.State())

	tg.conn.Close()
	assert.Equal(t, 0, f.observer.next(t, "process_exit").code)
	c.Wait()
	assert.Equal(t, StateTerminated, c.State())
	assert.Equal(t, 1, f.proc.killed)
}

func TestSession_AfterBreakPolicies(t *testing.T) {
	tests := []struct {
		policy AfterBreakPolicy
		second string
	}{
		{AfterBreakOnAnyStop, "step_complete"},
		{AfterBreakOnMatch, "breakpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.second, func(t *testing.T) {
			f := newFixture(t)
			c, tg := f.start(t, tt.policy)
			startTarget(t, c, tg, f)

			tg.send(protocol.TraceFrame(protocol.TraceOther, 0x1002))
			tg.expectRefresh()
			assert.Empty(t, f.observer.next(t, "breakpoint").hits)

			tg.send(protocol.TraceFrame(protocol.TraceOther, 0x1004))
			tg.expectRefresh()
			f.observer.next(t, tt.second)
		})
	}
}

func TestSession_StepBackwardsSendsNothing(t *testing.T) {
	f := newFixture(t)
	c, tg := f.start(t, AfterBreakOnAnyStop)
	startTarget(t, c, tg, f)

	require.NoError(t, c.Step(StepBackwards))
	f.observer.next(t, "step_complete")

	require.NoError(t, c.Ping())
	tg.expect(protocol.CmdPing)

	tg.event(protocol.EvPong, nil)
	f.notifier.next(t, toolwindow.MsgPong)
}

func TestSession_BreakpointsAddedWhileRunningAreSent(t *testing.T) {
	f := newFixture(t)
	c, tg := f.start(t, AfterBreakOnAnyStop)
	startTarget(t, c, tg, f)

	p, err := c.AddBreakpoint("L5")
	require.NoError(t, err)
	require.Len(t, p.Bound, 1)

	id, addr, err := protocol.DecodeSetBreakpoint(tg.expect(protocol.CmdSetBreakpoint))
	require.NoError(t, err)
	assert.Equal(t, p.Bound[0].ID, id)
	assert.Equal(t, uint32(0x1004), addr)
}

func TestSession_ProtocolErrorIsReported(t *testing.T) {
	f := newFixture(t)
	c, tg := f.start(t, AfterBreakOnAnyStop)

	tg.event(protocol.Opcode(0x42), nil)

	out := f.observer.next(t, "output")
	assert.Contains(t, out.text, "protocol error")
	assert.Equal(t, 0, f.observer.next(t, "process_exit").code)

	c.Wait()
	assert.ErrorIs(t, c.Continue(), ErrTerminated)
}

func TestSession_ProcessExitReportsExitCode(t *testing.T) {
	f := newFixture(t)
	c, _ := f.start(t, AfterBreakOnAnyStop)

	f.proc.exit(5)
	assert.Equal(t, 5, f.observer.next(t, "process_exit").code)

	c.Wait()
	assert.ErrorIs(t, c.Step(StepInto), ErrTerminated)
	assert.ErrorIs(t, c.Ping(), ErrTerminated)
}

func TestSession_TerminateReportsKilledExitCode(t *testing.T) {
	f := newFixture(t)
	c, _ := f.start(t, AfterBreakOnAnyStop)

	require.NoError(t, c.Terminate())
	require.NoError(t, c.Terminate())
	assert.Equal(t, 137, f.observer.next(t, "process_exit").code)

	c.Wait()
	assert.Zero(t, f.observer.count("process_exit"))
	assert.ErrorIs(t, c.ResumeFromLaunch(), ErrTerminated)
}

func TestSession_ConcurrentExitPathsReportOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		c, tg := f.start(t, AfterBreakOnAnyStop)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); f.proc.exit(3) }()
		go func() { defer wg.Done(); tg.conn.Close() }()
		go func() { defer wg.Done(); c.Terminate() }()
		wg.Wait()

		f.observer.next(t, "process_exit")
		c.Wait()
		assert.Zero(t, f.observer.count("process_exit"))
	}
}

func TestSession_NoNotificationsAfterProcessExit(t *testing.T) {
	f := newFixture(t)
	f.notifier.gate = make(chan struct{})
	f.notifier.blocked = make(chan struct{}, 1)
	c, tg := f.start(t, AfterBreakOnAnyStop)
	startTarget(t, c, tg, f)

	tg.send(protocol.TraceFrame(protocol.TraceOther, 0x1000))
	select {
	case <-f.notifier.blocked:
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for the stop refresh")
	}

	f.proc.exit(3)
	assert.Equal(t, 3, f.observer.next(t, "process_exit").code)

	close(f.notifier.gate)
	c.Wait()

	var after []string
	for len(f.observer.calls) > 0 {
		after = append(after, (<-f.observer.calls).name)
	}
	assert.Empty(t, after, "notifications after OnProcessExit")
	assert.Equal(t, StateTerminated, c.State())
}

func TestSession_ResumeFromLaunch(t *testing.T) {
	f := newFixture(t)
	c, _ := f.start(t, AfterBreakOnAnyStop)

	require.NoError(t, c.ResumeFromLaunch())
	assert.Equal(t, 1, f.proc.resumed)
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, Thread{ID: 4242, Name: "main"}, c.Thread())
	assert.NotNil(t, c.Symbols())
}

func TestSession_EarlyExitIsLaunchError(t *testing.T) {
	f := newFixture(t)
	f.proc.stderr = "no such image"
	f.proc.exit(2)

	var conn *connector.Connector
	_, err := New(context.Background(), f.options(func(context.Context) (*connector.Connector, error) {
		hostSide, _ := net.Pipe()
		conn = connector.New(hostSide)
		return conn, nil
	}))

	var launchErr *launcher.LaunchError
	require.ErrorAs(t, err, &launchErr)
	assert.ErrorIs(t, err, launcher.ErrLaunchFailed)
	assert.Equal(t, 2, launchErr.ExitCode)
	assert.Equal(t, "no such image", launchErr.Stderr)
	assert.Equal(t, "/bin/target", launchErr.Path)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connector was not disposed")
	}
	assert.Zero(t, f.observer.count("thread_start"))
}

func TestSession_LoadFailures(t *testing.T) {
	launched := false
	f := newFixture(t)
	opts := f.options(func(context.Context) (*connector.Connector, error) {
		t.Fatal("connect must not be called")
		return nil, nil
	})
	opts.Launch = func(context.Context) (Process, error) {
		launched = true
		return f.proc, nil
	}

	f.cfg.Symbols = filepath.Join(t.TempDir(), "missing.sdb")
	_, err := New(context.Background(), opts)
	assert.ErrorIs(t, err, symbols.ErrDebugDataNotFound)

	require.NoError(t, os.WriteFile(f.cfg.Symbols, []byte("labels: []\n"), 0o644))
	_, err = New(context.Background(), opts)
	assert.ErrorIs(t, err, symbols.ErrSymbolDataMissing)

	assert.False(t, launched)
}

func TestSession_ConnectAndLaunchFailures(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")

	opts := f.options(func(context.Context) (*connector.Connector, error) { return nil, boom })
	_, err := New(context.Background(), opts)
	assert.ErrorIs(t, err, boom)

	var conn *connector.Connector
	opts = f.options(func(context.Context) (*connector.Connector, error) {
		hostSide, _ := net.Pipe()
		conn = connector.New(hostSide)
		return conn, nil
	})
	opts.Launch = func(context.Context) (Process, error) { return nil, launcher.ErrToolMissing }
	_, err = New(context.Background(), opts)
	assert.ErrorIs(t, err, launcher.ErrToolMissing)
	<-conn.Done()
}

func TestSession_MissingListingIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.cfg.Listing = filepath.Join(t.TempDir(), "missing.asm")
	c, tg := f.start(t, AfterBreakOnAnyStop)
	startTarget(t, c, tg, f)

	tg.send(protocol.TraceFrame(protocol.TraceBreakpointHit, 0x1000))
	tg.expectRefresh()

	out := f.observer.next(t, "output")
	assert.True(t, strings.HasPrefix(out.text, "RmtDbg: no assembly for 0x00001000"), out.text)
	f.observer.next(t, "breakpoint")
}

func TestSession_RequiresObserverAndConfig(t *testing.T) {
	_, err := New(context.Background(), Options{Config: &config.Config{}})
	assert.ErrorIs(t, err, ErrNoObserver)

	_, err = New(context.Background(), Options{Observer: newRecordingObserver()})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSession_AgainstSimulator(t *testing.T) {
	f := newFixture(t)
	_, err := f.bps.Add("L3", 0x1002)
	require.NoError(t, err)

	s, err := symbols.Load(f.cfg.Symbols)
	require.NoError(t, err)
	sim, err := stub.New(s.Source, stub.WithGreeting("hello from the stub"))
	require.NoError(t, err)

	hostSide, stubSide := net.Pipe()
	go sim.Run(context.Background(), stubSide)

	c, err := New(context.Background(), f.options(func(context.Context) (*connector.Connector, error) {
		return connector.New(hostSide), nil
	}))
	require.NoError(t, err)
	defer c.Terminate()

	f.observer.next(t, "thread_start")
	assert.Equal(t, "hello from the stub\r\n", f.observer.next(t, "user_output").text)

	hit := f.observer.next(t, "breakpoint")
	assert.Equal(t, []breakpoints.Bound{{ID: 1, Address: 0x1002}}, hit.hits)
	f.notifier.next(t, toolwindow.MsgRegisters)
	f.notifier.next(t, toolwindow.MsgFrame)
	f.notifier.next(t, toolwindow.MsgStack)

	require.NoError(t, c.Step(StepInto))
	f.observer.next(t, "step_complete")
	current, ok := c.CurrentAddress()
	require.True(t, ok)
	assert.Equal(t, uint32(0x1004), current)

	require.NoError(t, c.Continue())
	assert.Equal(t, 0, f.observer.next(t, "process_exit").code)
	c.Wait()
}

func TestParseAfterBreakPolicy(t *testing.T) {
	p, err := ParseAfterBreakPolicy("")
	require.NoError(t, err)
	assert.Equal(t, AfterBreakOnAnyStop, p)

	p, err = ParseAfterBreakPolicy(config.AfterBreakOnMatch)
	require.NoError(t, err)
	assert.Equal(t, AfterBreakOnMatch, p)

	_, err = ParseAfterBreakPolicy("never")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown(9)", State(9).String())
	assert.Equal(t, "backwards", StepBackwards.String())
}
