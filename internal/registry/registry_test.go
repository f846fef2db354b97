//go:build !windows

package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentterm/agentterm/internal/config"
	"github.com/agentterm/agentterm/internal/db"
	"github.com/agentterm/agentterm/internal/model"
	"github.com/agentterm/agentterm/internal/protocol"
	"github.com/agentterm/agentterm/internal/repository"
)

// mockSink collects events delivered to one attached connection.
type mockSink struct {
	id string

	mu   sync.Mutex
	msgs []any
}

func (m *mockSink) ID() string { return m.id }

func (m *mockSink) Send(msg any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

func (m *mockSink) snapshot() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.msgs))
	copy(out, m.msgs)
	return out
}

// typeOf extracts the wire type tag from an outbound message.
func typeOf(msg any) string {
	data, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	var env struct {
		Type string `json:"type"`
	}
	json.Unmarshal(data, &env)
	return env.Type
}

// waitForType polls until the sink has received a message of the given type.
func waitForType(t *testing.T, sink *mockSink, msgType string) any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range sink.snapshot() {
			if typeOf(msg) == msgType {
				return msg
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, got %v", msgType, sink.snapshot())
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *repository.SessionRepository, *config.Config) {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })

	cfg := config.Default()
	cfg.BaseFolder = t.TempDir()
	cfg.ReplayBufferSize = 4096
	cfg.CoalesceInterval = 5 * time.Millisecond
	cfg.RecordingDir = ""

	repo := repository.NewSessionRepository(testDB)
	reg := New(cfg, repo)
	t.Cleanup(reg.Close)
	return reg, repo, cfg
}

func TestCreateValidation(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, &model.CreateSessionRequest{WorkingDir: cfg.BaseFolder}); err != model.ErrNameRequired {
		t.Errorf("expected ErrNameRequired, got %v", err)
	}
	if _, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "x"}); err != model.ErrWorkingDirRequired {
		t.Errorf("expected ErrWorkingDirRequired, got %v", err)
	}
	if _, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "x", WorkingDir: "../outside"}); err != model.ErrPathTraversal {
		t.Errorf("expected ErrPathTraversal, got %v", err)
	}

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("valid create failed: %v", err)
	}
	if s.Status != model.SessionStatusIdle {
		t.Errorf("new session should be idle, got %s", s.Status)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if _, err := reg.Join(&mockSink{id: "c1"}, "nope"); err != model.ErrSessionNotFound {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestInputWithoutActiveBridge(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := reg.Input(ctx, s.ID, []byte("ls\n")); err != model.ErrNoActiveSession {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestResizeRememberedForLateJoiners(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := reg.Resize(s.ID, 132, 43); err != nil {
		t.Fatalf("resize of idle session failed: %v", err)
	}

	joined, err := reg.Join(&mockSink{id: "late"}, s.ID)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if joined.Cols != 132 || joined.Rows != 43 {
		t.Errorf("late joiner should see last size, got %dx%d", joined.Cols, joined.Rows)
	}
}

func TestStartToolOutputThenExit(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	sink := &mockSink{id: "c1"}
	if _, err := reg.Join(sink, s.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	err = reg.StartTool(ctx, s.ID, &protocol.StartTool{
		Tool:    model.ToolTerminal,
		Options: protocol.StartToolOptions{Args: []string{"-c", "echo registry-hello"}},
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		t.Fatalf("start terminal failed: %v", err)
	}

	waitForType(t, sink, "terminal_started")
	waitForType(t, sink, "exit")

	// Output must precede exit, and contain the echoed text.
	var sawOutput bool
	for _, msg := range sink.snapshot() {
		switch typeOf(msg) {
		case "output":
			if strings.Contains(msg.(protocol.Output).Data, "registry-hello") {
				sawOutput = true
			}
		case "exit":
			if !sawOutput {
				t.Fatal("exit delivered before the echoed output")
			}
		}
	}
	if !sawOutput {
		t.Fatal("echoed output never delivered")
	}

	// After exit the replay buffer still holds the output for late joiners.
	joined, err := reg.Join(&mockSink{id: "c2"}, s.ID)
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if joined.Active {
		t.Error("session should be inactive after exit")
	}
	if !strings.Contains(joined.OutputBuffer, "registry-hello") {
		t.Errorf("replay buffer missing output: %q", joined.OutputBuffer)
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stay := &mockSink{id: "stay"}
	gone := &mockSink{id: "gone"}
	if _, err := reg.Join(stay, s.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := reg.Join(gone, s.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	reg.Leave("gone", s.ID)

	err = reg.StartTool(ctx, s.ID, &protocol.StartTool{
		Tool:    model.ToolTerminal,
		Options: protocol.StartToolOptions{Args: []string{"-c", "echo fanout"}},
	})
	if err != nil {
		t.Fatalf("start terminal failed: %v", err)
	}
	waitForType(t, stay, "exit")

	if len(gone.snapshot()) != 0 {
		t.Errorf("detached connection still received %d events", len(gone.snapshot()))
	}
}

func TestDeleteBroadcastsAndRemoves(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	sink := &mockSink{id: "c1"}
	if _, err := reg.Join(sink, s.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if err := reg.Delete(ctx, s.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	waitForType(t, sink, "session_deleted")

	if _, err := reg.Get(s.ID); err != model.ErrSessionNotFound {
		t.Errorf("deleted session still retrievable: %v", err)
	}
	if err := reg.Delete(ctx, s.ID); err != model.ErrSessionNotFound {
		t.Errorf("double delete should report not found, got %v", err)
	}
}

func TestUsageCounters(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	usage := reg.Usage()
	if len(usage) != 1 || usage[0].BytesOut != 0 || usage[0].FramesSent != 0 {
		t.Fatalf("fresh session should have zero counters, got %+v", usage)
	}

	sink := &mockSink{id: "c1"}
	if _, err := reg.Join(sink, s.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	err = reg.StartTool(ctx, s.ID, &protocol.StartTool{
		Tool:    model.ToolTerminal,
		Options: protocol.StartToolOptions{Args: []string{"-c", "echo counted"}},
	})
	if err != nil {
		t.Fatalf("start terminal failed: %v", err)
	}
	waitForType(t, sink, "exit")

	usage = reg.Usage()
	if len(usage) != 1 {
		t.Fatalf("expected one usage entry, got %d", len(usage))
	}
	if usage[0].BytesOut == 0 {
		t.Error("output bytes never counted")
	}
	if usage[0].FramesSent == 0 {
		t.Error("coalesced frames never counted")
	}
}

// mockNotifier collects background notifications.
type mockNotifier struct {
	mu   sync.Mutex
	msgs []any
}

func (n *mockNotifier) NotifyBackground(sessionID string, msg any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

func (n *mockNotifier) waitForType(t *testing.T, msgType string) any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		n.mu.Lock()
		for _, msg := range n.msgs {
			if typeOf(msg) == msgType {
				n.mu.Unlock()
				return msg
			}
		}
		n.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no background %s notification", msgType)
	return nil
}

func TestStartRejectedWhileStartInProgress(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	st, err := reg.state(s.ID)
	if err != nil {
		t.Fatalf("state lookup failed: %v", err)
	}
	st.mu.Lock()
	st.starting = true
	st.mu.Unlock()

	err = reg.StartTool(ctx, s.ID, &protocol.StartTool{
		Tool:    model.ToolTerminal,
		Options: protocol.StartToolOptions{Args: []string{"-c", "echo never"}},
	})
	if err != model.ErrStartInProgress {
		t.Fatalf("expected ErrStartInProgress, got %v", err)
	}

	st.mu.Lock()
	st.starting = false
	st.mu.Unlock()

	sink := &mockSink{id: "c1"}
	if _, err := reg.Join(sink, s.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	err = reg.StartTool(ctx, s.ID, &protocol.StartTool{
		Tool:    model.ToolTerminal,
		Options: protocol.StartToolOptions{Args: []string{"-c", "echo after-claim"}},
	})
	if err != nil {
		t.Fatalf("start after released claim failed: %v", err)
	}
	waitForType(t, sink, "exit")
}

func TestConcurrentStartsKeepOneBridge(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = reg.StartTool(ctx, s.ID, &protocol.StartTool{
				Tool:    model.ToolTerminal,
				Options: protocol.StartToolOptions{Args: []string{"-c", "sleep 30"}},
			})
		}(i)
	}
	wg.Wait()

	started := 0
	for _, err := range errs {
		switch err {
		case nil:
			started++
		case model.ErrStartInProgress:
		default:
			t.Fatalf("unexpected start error: %v", err)
		}
	}
	if started == 0 {
		t.Fatal("every concurrent start was rejected")
	}
	if _, active := reg.Counts(); active != 1 {
		t.Fatalf("expected exactly one live bridge, got %d", active)
	}
}

func TestExitNotificationDistinguishesCleanExit(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	notifier := &mockNotifier{}
	reg.SetNotifier(notifier)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sink := &mockSink{id: "c1"}
	if _, err := reg.Join(sink, s.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	err = reg.StartTool(ctx, s.ID, &protocol.StartTool{
		Tool:    model.ToolTerminal,
		Options: protocol.StartToolOptions{Args: []string{"-c", "true"}},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	stopped := notifier.waitForType(t, "session_stopped").(protocol.SessionStopped)
	if stopped.SessionID != s.ID {
		t.Errorf("session_stopped for wrong session %q", stopped.SessionID)
	}

	err = reg.StartTool(ctx, s.ID, &protocol.StartTool{
		Tool:    model.ToolTerminal,
		Options: protocol.StartToolOptions{Args: []string{"-c", "exit 3"}},
	})
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	exited := notifier.waitForType(t, "session_exit").(protocol.SessionExit)
	if exited.SessionID != s.ID || exited.Code != 3 {
		t.Errorf("expected session_exit with code 3, got %+v", exited)
	}
}

func TestFlowPauseParksBridgeReads(t *testing.T) {
	reg, _, cfg := newTestRegistry(t)
	ctx := context.Background()

	s, err := reg.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sink := &mockSink{id: "c1"}
	if _, err := reg.Join(sink, s.ID); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	// A pause recorded before the spawn applies to the fresh bridge.
	if err := reg.SetFlowPaused(s.ID, "c1", true); err != nil {
		t.Fatalf("set flow paused failed: %v", err)
	}
	err = reg.StartTool(ctx, s.ID, &protocol.StartTool{
		Tool:    model.ToolTerminal,
		Options: protocol.StartToolOptions{Args: []string{"-c", "echo parked-output; sleep 30"}},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	st, err := reg.state(s.ID)
	if err != nil {
		t.Fatalf("state lookup failed: %v", err)
	}
	st.mu.Lock()
	b := st.bridge
	st.mu.Unlock()
	if b == nil || !b.ReadsPaused() {
		t.Fatal("bridge spawned unparked despite held pause")
	}

	// Nothing is delivered while parked, and nothing is dropped either.
	time.Sleep(150 * time.Millisecond)
	for _, msg := range sink.snapshot() {
		if typeOf(msg) == "output" {
			t.Fatal("output delivered while the session was parked")
		}
	}

	if err := reg.SetFlowPaused(s.ID, "c1", false); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		var got bool
		for _, msg := range sink.snapshot() {
			if out, ok := msg.(protocol.Output); ok && strings.Contains(out.Data, "parked-output") {
				got = true
			}
		}
		if got {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("parked output never delivered after resume")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A departing connection releases its pause.
	reg.SetFlowPaused(s.ID, "c1", true)
	if !reg.FlowPaused(s.ID) {
		t.Fatal("pause not recorded")
	}
	reg.Leave("c1", s.ID)
	if reg.FlowPaused(s.ID) {
		t.Error("pause survived the connection leaving")
	}
	if b.ReadsPaused() {
		t.Error("bridge still parked after the pausing connection left")
	}
}

func TestRestartContinuity(t *testing.T) {
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to init test db: %v", err)
	}
	defer testDB.Close()

	cfg := config.Default()
	cfg.BaseFolder = t.TempDir()
	cfg.RecordingDir = ""
	repo := repository.NewSessionRepository(testDB)
	ctx := context.Background()

	first := New(cfg, repo)
	s, err := first.Create(ctx, &model.CreateSessionRequest{Name: "demo", WorkingDir: cfg.BaseFolder})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	first.Close()

	// A fresh registry instance simulates the respawned broker.
	second := New(cfg, repo)
	defer second.Close()
	if err := second.LoadPersisted(ctx); err != nil {
		t.Fatalf("load persisted failed: %v", err)
	}

	joined, err := second.Join(&mockSink{id: "c1"}, s.ID)
	if err != nil {
		t.Fatalf("join after restart failed: %v", err)
	}
	if joined.SessionName != "demo" {
		t.Errorf("expected same session name after restart, got %q", joined.SessionName)
	}
	if joined.Active {
		t.Error("restored session must be inactive")
	}
	if joined.OutputBuffer != "" {
		t.Error("replay buffer must not survive a restart")
	}
}
