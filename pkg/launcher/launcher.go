// Package launcher starts the target process and the tools around it.
package launcher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Manu343726/stubdbg/pkg/utils"
	"go.uber.org/atomic"
)

var (
	// ErrLaunchFailed is wrapped by LaunchError
	ErrLaunchFailed = errors.New("error while starting application")
	// ErrToolMissing is returned when a required executable cannot be found
	ErrToolMissing = errors.New("required executable not found")
)

// LaunchError reports a target that exited before it was considered usable
type LaunchError struct {
	Path     string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("%v: %s exited with code %d", ErrLaunchFailed, e.Path, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return ErrLaunchFailed
}

const outputDrainDelay = time.Second

// Spec describes a process to start
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Diagnostics is what a process printed so far
type Diagnostics struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Process is a started target with redirected standard streams
type Process struct {
	path     string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   syncBuffer
	stderr   syncBuffer
	exited   chan struct{}
	exitCode atomic.Int64
}

// Start spawns the process described by spec
func Start(spec Spec) (*Process, error) {
	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return nil, utils.MakeError(ErrToolMissing, "%s: %v", spec.Path, err)
	}

	p := &Process{
		path:   path,
		cmd:    exec.Command(path, spec.Args...),
		exited: make(chan struct{}),
	}
	p.exitCode.Store(-1)
	p.cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		p.cmd.Env = append(os.Environ(), spec.Env...)
	}
	p.cmd.Stdout = &p.stdout
	p.cmd.Stderr = &p.stderr
	// children inheriting the output pipes must not keep Exited from firing
	p.cmd.WaitDelay = outputDrainDelay

	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		return nil, err
	}

	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", path, err)
	}

	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	_ = p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		p.exitCode.Store(int64(p.cmd.ProcessState.ExitCode()))
	}
	close(p.exited)
}

// Pid returns the operating system process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Path returns the resolved executable path
func (p *Process) Path() string {
	return p.path
}

// Exited is closed once the process has exited and its streams are drained
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit code, or -1 while running or if killed by a signal
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// Kill forcibly terminates the process. Killing an exited process is not an error.
func (p *Process) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Resume writes a line on the process standard input. Host wrappers wait for
// it before starting the actual target.
func (p *Process) Resume() error {
	_, err := io.WriteString(p.stdin, "\n")
	return err
}

// Diagnostics returns the captured output
func (p *Process) Diagnostics() Diagnostics {
	return Diagnostics{
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		ExitCode: p.ExitCode(),
	}
}

// StartAuxClient launches a companion tool and leaves it running on its own
func StartAuxClient(path string, args ...string) error {
	if _, err := os.Stat(path); err != nil {
		return utils.MakeError(ErrToolMissing, "%s", path)
	}

	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go cmd.Wait()
	return nil
}
