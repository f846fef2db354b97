// Package bridge locates, spawns, and controls PTY-backed tool processes.
//
// One bridge drives one child process. The session registry owns bridges
// exclusively; a session never has more than one live bridge at a time.
package bridge

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/agentterm/agentterm/internal/model"
	"github.com/agentterm/agentterm/internal/record"
)

const readBufferSize = 4096

// stopGrace is how long Stop waits after SIGTERM before sending SIGKILL.
const stopGrace = 5 * time.Second

// drainGrace bounds the wait for the read loop after the child exits. The
// master read returns EIO once the slave closes, but a grandchild holding
// the slave open would block the drain forever.
const drainGrace = 2 * time.Second

// StartOptions configures a bridge spawn.
type StartOptions struct {
	Tool       model.ToolType
	WorkingDir string
	Cols       uint16
	Rows       uint16

	// ExtraArgs are appended after the tool's base arguments.
	ExtraArgs []string

	// Command overrides executable resolution entirely (install terminals
	// run "sh -c <command>" through the terminal tool).
	Command []string

	// Dangerous requests the tool's skip-permission flag. Honored only when
	// DangerousAllowed is also set by server configuration.
	Dangerous        bool
	DangerousAllowed bool

	// OnOutput receives every raw output chunk, in read order.
	OnOutput func(data []byte)

	// OnExit fires once after the process exits and the read loop drained.
	OnExit func(code int, signal string)

	// Recorder, when non-nil, receives a transcript of the session.
	Recorder *record.Cast
}

// Bridge is a running tool process attached to a pseudo-terminal.
type Bridge struct {
	tool model.ToolType
	cmd  *exec.Cmd
	tty  *os.File

	recorder *record.Cast

	mu       sync.Mutex
	closed   bool
	paused   bool
	resumeCh chan struct{}
	done     chan struct{}
	readDone chan struct{}
}

// Start resolves the tool executable and spawns it on a PTY sized to the
// requesting client. A resolution failure returns ErrToolUnavailable and is
// not fatal; a spawn failure is reported for the session to enter error
// status.
func Start(opts StartOptions) (*Bridge, error) {
	if opts.Cols == 0 {
		opts.Cols = 80
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}

	var cmd *exec.Cmd
	if len(opts.Command) > 0 {
		cmd = exec.Command(opts.Command[0], opts.Command[1:]...)
	} else {
		path, err := ResolveExecutable(opts.Tool)
		if err != nil {
			return nil, err
		}
		args := launchArgs(opts.Tool, opts.DangerousAllowed, opts.Dangerous, opts.ExtraArgs)
		cmd = exec.Command(path, args...)
	}
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", opts.Tool, err)
	}

	b := &Bridge{
		tool:     opts.Tool,
		cmd:      cmd,
		tty:      tty,
		recorder: opts.Recorder,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	// The claude bridge answers the first-run folder trust prompt with a
	// single synthesized keystroke, at most once per bridge lifetime.
	var trust *trustInterceptor
	if opts.Tool == model.ToolClaude {
		trust = newTrustInterceptor(b.Write)
	}

	go b.readLoop(trust, opts.OnOutput)
	go b.waitLoop(opts.OnExit)

	slog.Debug("bridge started", "tool", opts.Tool, "pid", cmd.Process.Pid, "dir", opts.WorkingDir)
	return b, nil
}

// readLoop pumps PTY output to the interceptor, recorder, and output hook.
// While flow control has the bridge paused it parks before the next read,
// leaving unread output in the kernel PTY buffer so the child itself blocks
// once that fills.
func (b *Bridge) readLoop(trust *trustInterceptor, onOutput func([]byte)) {
	defer close(b.readDone)

	buf := make([]byte, readBufferSize)
	for {
		b.waitResumed()
		n, err := b.tty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			if trust != nil {
				trust.scan(chunk)
			}
			if b.recorder != nil {
				b.recorder.Output(chunk)
			}
			if onOutput != nil {
				onOutput(chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("bridge read ended", "tool", b.tool, "err", err)
			}
			return
		}
	}
}

// waitLoop reaps the child and reports its exit. It joins the read loop
// before firing OnExit so every output byte has been handed to the output
// hook by the time the exit is observed.
func (b *Bridge) waitLoop(onExit func(int, string)) {
	err := b.cmd.Wait()

	code := 0
	signal := ""
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = -1
			signal = ws.Signal().String()
		}
	} else if err != nil {
		code = -1
	}

	// Release a parked read loop and let it drain what the child left in
	// the kernel buffer before the tty is torn down. Closing the tty first
	// would discard that tail.
	b.mu.Lock()
	if b.paused {
		b.paused = false
		close(b.resumeCh)
	}
	b.mu.Unlock()

	select {
	case <-b.readDone:
	case <-time.After(drainGrace):
	}

	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.tty.Close()
	}
	b.mu.Unlock()

	<-b.readDone
	if b.recorder != nil {
		b.recorder.Close()
	}
	close(b.done)

	if onExit != nil {
		onExit(code, signal)
	}
}

// waitResumed blocks while the bridge is paused. Returns immediately once
// the bridge is closed so the read loop can drain and exit.
func (b *Bridge) waitResumed() {
	for {
		b.mu.Lock()
		if !b.paused || b.closed {
			b.mu.Unlock()
			return
		}
		ch := b.resumeCh
		b.mu.Unlock()
		<-ch
	}
}

// PauseReads parks the read loop before its next read. Output the child has
// already written stays in the kernel buffer until ResumeReads.
func (b *Bridge) PauseReads() {
	b.mu.Lock()
	if !b.paused && !b.closed {
		b.paused = true
		b.resumeCh = make(chan struct{})
	}
	b.mu.Unlock()
}

// ResumeReads releases a parked read loop.
func (b *Bridge) ResumeReads() {
	b.mu.Lock()
	if b.paused {
		b.paused = false
		close(b.resumeCh)
	}
	b.mu.Unlock()
}

// ReadsPaused reports whether the read loop is currently parked.
func (b *Bridge) ReadsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Tool returns the tool type this bridge runs.
func (b *Bridge) Tool() model.ToolType { return b.tool }

// PID returns the child process id.
func (b *Bridge) PID() int { return b.cmd.Process.Pid }

// Done is closed after the process has exited and its output drained.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Write forwards bytes verbatim to the PTY input.
func (b *Bridge) Write(data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bridge is closed")
	}
	b.mu.Unlock()

	if b.recorder != nil {
		b.recorder.Input(data)
	}
	if _, err := b.tty.Write(data); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

// Resize changes the PTY window size.
func (b *Bridge) Resize(cols, rows uint16) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bridge is closed")
	}
	b.mu.Unlock()

	return pty.Setsize(b.tty, &pty.Winsize{Rows: rows, Cols: cols})
}

// Stop terminates the child: SIGTERM first, SIGKILL if it lingers past the
// grace period. Returns once the process has been reaped.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.mu.Unlock()

	if b.cmd.Process != nil {
		b.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-b.done:
	case <-time.After(stopGrace):
		if b.cmd.Process != nil {
			b.cmd.Process.Kill()
		}
		<-b.done
	}
	return nil
}
