// Package supervisor runs the broker as a child process, respawning it on
// request and applying a crash circuit breaker.
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// RestartExitCode is the distinguished child exit code meaning "respawn me".
// It is a voluntary restart, never counted as a crash.
const RestartExitCode = 75

// Child abstracts the broker child process so the respawn loop is testable
// without real processes.
type Child interface {
	// Wait blocks until the child exits and returns its exit code.
	Wait() int

	// Shutdown requests graceful child termination over the IPC channel.
	// Must tolerate the channel being already closed.
	Shutdown() error
}

// SpawnFunc creates a fresh broker child.
type SpawnFunc func() (Child, error)

// Supervisor owns the respawn loop and the crash sliding window.
type Supervisor struct {
	window    time.Duration
	threshold int
	spawn     SpawnFunc

	// now is replaceable in tests.
	now func() time.Time

	crashes []time.Time
}

// New creates a Supervisor tripping its breaker after threshold crashes
// within window.
func New(window time.Duration, threshold int, spawn SpawnFunc) *Supervisor {
	return &Supervisor{
		window:    window,
		threshold: threshold,
		spawn:     spawn,
		now:       time.Now,
	}
}

// Run supervises the child until clean exit, shutdown request, or breaker
// trip. Returns the supervisor's own exit code: 0 for clean shutdown,
// non-zero when the breaker is open or spawning fails, so an outer process
// manager can intervene.
func (s *Supervisor) Run(shutdown <-chan os.Signal) int {
	for {
		child, err := s.spawn()
		if err != nil {
			slog.Error("failed to spawn broker", "err", err)
			return 1
		}

		waitCh := make(chan int, 1)
		go func() { waitCh <- child.Wait() }()

		select {
		case sig := <-shutdown:
			slog.Info("shutdown requested", "signal", sig)
			if err := child.Shutdown(); err != nil {
				slog.Warn("shutdown message not delivered", "err", err)
			}
			<-waitCh
			return 0

		case code := <-waitCh:
			switch {
			case code == 0:
				slog.Info("broker exited cleanly")
				return 0
			case code == RestartExitCode:
				slog.Info("broker requested restart, respawning")
				continue
			default:
				slog.Warn("broker crashed", "code", code)
				if s.recordCrash() {
					slog.Error("circuit breaker tripped, giving up",
						"crashes", len(s.crashes), "window", s.window)
					return 1
				}
				continue
			}
		}
	}
}

// recordCrash appends a crash timestamp, prunes entries older than the
// trailing window, and reports whether the breaker trips.
func (s *Supervisor) recordCrash() bool {
	now := s.now()
	s.crashes = append(s.crashes, now)

	pruned := s.crashes[:0]
	for _, t := range s.crashes {
		if now.Sub(t) <= s.window {
			pruned = append(pruned, t)
		}
	}
	s.crashes = pruned

	return len(s.crashes) >= s.threshold
}

// shutdownMessage is the IPC control message sent over the child's stdin.
type shutdownMessage struct {
	Type string `json:"type"`
}

// execChild is the real broker child process.
type execChild struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// SpawnBroker starts this binary again as the hidden broker subcommand,
// forwarding the given flags.
func SpawnBroker(args []string) (Child, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	cmd := exec.Command(exe, append([]string{"broker"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open broker stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start broker: %w", err)
	}
	slog.Info("broker spawned", "pid", cmd.Process.Pid)
	return &execChild{cmd: cmd, stdin: stdin}, nil
}

func (c *execChild) Wait() int {
	err := c.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Shutdown writes the shutdown message to the child's stdin. A closed pipe
// is not an error worth crashing over: the child is already going away.
func (c *execChild) Shutdown() error {
	data, err := json.Marshal(shutdownMessage{Type: "shutdown"})
	if err != nil {
		return err
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write shutdown: %w", err)
	}
	return nil
}

// ListenShutdown reads IPC messages from r (the broker's stdin) and invokes
// onShutdown when the supervisor requests graceful termination. Runs until
// r closes.
func ListenShutdown(r io.Reader, onShutdown func()) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var msg shutdownMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == "shutdown" {
			slog.Info("shutdown requested by supervisor")
			onShutdown()
			return
		}
	}
}
