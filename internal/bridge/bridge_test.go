//go:build !windows

package bridge

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentterm/agentterm/internal/model"
)

// collectOutput gathers bridge output until the process exits or the
// timeout elapses.
type collectOutput struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collectOutput) write(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(data)
}

func (c *collectOutput) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestBridgeEchoAndExit(t *testing.T) {
	out := &collectOutput{}
	exitCh := make(chan int, 1)

	b, err := Start(StartOptions{
		Tool:     model.ToolTerminal,
		Command:  []string{"sh", "-c", "echo hello-bridge"},
		Cols:     80,
		Rows:     24,
		OnOutput: out.write,
		OnExit: func(code int, signal string) {
			exitCh <- code
		},
	})
	if err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}

	select {
	case code := <-exitCh:
		if code != 0 {
			t.Errorf("expected exit code 0, got %d", code)
		}
	case <-time.After(10 * time.Second):
		b.Stop()
		t.Fatal("timed out waiting for exit")
	}

	if !strings.Contains(out.String(), "hello-bridge") {
		t.Errorf("expected echoed output, got %q", out.String())
	}
}

func TestBridgeStop(t *testing.T) {
	exitCh := make(chan struct{})

	b, err := Start(StartOptions{
		Tool:    model.ToolTerminal,
		Command: []string{"sh", "-c", "sleep 60"},
		OnExit: func(code int, signal string) {
			close(exitCh)
		},
	})
	if err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case <-exitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("exit callback did not fire after Stop")
	}
}

func TestBridgePauseParksReads(t *testing.T) {
	out := &collectOutput{}

	b, err := Start(StartOptions{
		Tool:     model.ToolTerminal,
		Command:  []string{"sh", "-c", "read line; sleep 1; echo got-$line; sleep 30"},
		OnOutput: out.write,
	})
	if err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}
	defer b.Stop()

	b.PauseReads()
	if !b.ReadsPaused() {
		t.Fatal("bridge did not report paused reads")
	}

	if err := b.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The child answers after a second; by then the read loop is parked and
	// the answer must stay in the kernel buffer.
	time.Sleep(1500 * time.Millisecond)
	if strings.Contains(out.String(), "got-hello") {
		t.Fatal("output produced while reads were parked")
	}

	b.ResumeReads()
	if b.ReadsPaused() {
		t.Fatal("bridge still paused after resume")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "got-hello") {
		if time.Now().After(deadline) {
			t.Fatalf("parked output never delivered after resume, got %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBridgeOutputDrainedBeforeExit(t *testing.T) {
	out := &collectOutput{}
	atExit := make(chan string, 1)

	_, err := Start(StartOptions{
		Tool:     model.ToolTerminal,
		Command:  []string{"sh", "-c", "seq 1 2000"},
		OnOutput: out.write,
		OnExit: func(code int, signal string) {
			atExit <- out.String()
		},
	})
	if err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}

	var snapshot string
	select {
	case snapshot = <-atExit:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	if !strings.Contains(snapshot, "2000") {
		t.Error("exit callback fired before all output was delivered")
	}
	if got := out.String(); got != snapshot {
		t.Errorf("output kept arriving after the exit callback: %d vs %d bytes", len(snapshot), len(got))
	}
}

func TestBridgeWriteAfterExit(t *testing.T) {
	exitCh := make(chan struct{})

	b, err := Start(StartOptions{
		Tool:    model.ToolTerminal,
		Command: []string{"sh", "-c", "true"},
		OnExit:  func(int, string) { close(exitCh) },
	})
	if err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}

	<-exitCh
	if err := b.Write([]byte("late\n")); err == nil {
		t.Error("expected error writing to a closed bridge")
	}
}

func TestBridgeResize(t *testing.T) {
	exitCh := make(chan struct{})
	b, err := Start(StartOptions{
		Tool:    model.ToolTerminal,
		Command: []string{"sh", "-c", "sleep 5"},
		OnExit:  func(int, string) { close(exitCh) },
	})
	if err != nil {
		t.Fatalf("failed to start bridge: %v", err)
	}
	defer b.Stop()

	if err := b.Resize(120, 40); err != nil {
		t.Errorf("resize failed: %v", err)
	}
}
