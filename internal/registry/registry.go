// Package registry owns the session arena: durable identity, the live
// bridge process, replay buffer, and the set of attached connections.
// Connections hold only session ids, never direct handles; every mutation
// goes through a registry operation.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentterm/agentterm/internal/bridge"
	"github.com/agentterm/agentterm/internal/buffer"
	"github.com/agentterm/agentterm/internal/coalesce"
	"github.com/agentterm/agentterm/internal/config"
	"github.com/agentterm/agentterm/internal/fsutil"
	"github.com/agentterm/agentterm/internal/model"
	"github.com/agentterm/agentterm/internal/protocol"
	"github.com/agentterm/agentterm/internal/record"
	"github.com/agentterm/agentterm/internal/repository"
)

// activityNotifyInterval throttles background session_activity fan-out.
const activityNotifyInterval = time.Second

// activityPersistInterval throttles last-activity writes to the database.
const activityPersistInterval = 5 * time.Second

// Sink is the registry's view of an attached connection.
type Sink interface {
	ID() string
	Send(msg any)
}

// Notifier fans background notifications out to connections that are not
// attached to the originating session.
type Notifier interface {
	NotifyBackground(sessionID string, msg any)
}

// sessionState is the runtime context for one session. The bridge, replay
// buffer, and coalescer are owned exclusively by this state and replaced
// wholesale on each tool start.
type sessionState struct {
	mu      sync.Mutex
	session *model.Session

	bridge    *bridge.Bridge
	coalescer *coalesce.Coalescer
	replay    *buffer.ReplayBuffer

	// gen ties bridge exit callbacks to the bridge that produced them. A
	// stale callback from a replaced or deleted bridge is ignored.
	gen int

	// starting claims the session for a single in-flight spawn so two
	// concurrent starts cannot both see bridge == nil and stack processes.
	starting bool

	cols, rows uint16
	attached   map[string]Sink

	// flowPaused holds connection ids that requested output to stop, either
	// explicitly or through the broker's watermark backpressure. While any
	// entry is present the bridge's PTY reads stay parked.
	flowPaused map[string]struct{}

	bytesIn    int64
	bytesOut   int64
	framesSent int64

	lastActivityNotify time.Time
	lastActivityStore  time.Time
}

// Registry manages all sessions.
type Registry struct {
	cfg      *config.Config
	repo     *repository.SessionRepository
	notifier Notifier

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// New creates a Registry backed by the given repository.
func New(cfg *config.Config, repo *repository.SessionRepository) *Registry {
	return &Registry{
		cfg:      cfg,
		repo:     repo,
		sessions: make(map[string]*sessionState),
	}
}

// SetNotifier wires the background notification fan-out. Optional.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

// LoadPersisted restores session identities written by a previous broker
// instance. Restored sessions start idle: the process, replay buffer, and
// attachments do not survive a restart, only the identity does.
func (r *Registry) LoadPersisted(ctx context.Context) error {
	sessions, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load persisted sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		s.Status = model.SessionStatusIdle
		r.sessions[s.ID] = &sessionState{
			session:  s,
			replay:   buffer.NewReplayBuffer(r.cfg.ReplayBufferSize),
			attached: make(map[string]Sink),
		}
	}
	slog.Info("restored persisted sessions", "count", len(sessions))
	return nil
}

// Create allocates a new idle session after validating that the working
// directory exists inside the permitted base folder.
func (r *Registry) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	workingDir, err := fsutil.ResolveDirWithinBase(r.cfg.BaseFolder, req.WorkingDir)
	if err != nil {
		if err == model.ErrPathTraversal {
			return nil, err
		}
		return nil, fmt.Errorf("working directory: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:             uuid.New().String(),
		Name:           req.Name,
		WorkingDir:     workingDir,
		Status:         model.SessionStatusIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := r.repo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	r.mu.Lock()
	r.sessions[session.ID] = &sessionState{
		session:  session,
		replay:   buffer.NewReplayBuffer(r.cfg.ReplayBufferSize),
		attached: make(map[string]Sink),
	}
	r.mu.Unlock()

	slog.Info("session created", "id", session.ID, "name", session.Name, "dir", workingDir)
	return session, nil
}

func (r *Registry) state(id string) (*sessionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.sessions[id]
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	return st, nil
}

// Get returns a session's current metadata.
func (r *Registry) Get(id string) (*model.Session, error) {
	st, err := r.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	snapshot := *st.session
	return &snapshot, nil
}

// List returns all sessions, newest first.
func (r *Registry) List() []*model.Session {
	r.mu.RLock()
	states := make([]*sessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	sessions := make([]*model.Session, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		snapshot := *st.session
		st.mu.Unlock()
		sessions = append(sessions, &snapshot)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

// Counts reports total and active session counts.
func (r *Registry) Counts() (total, active int) {
	r.mu.RLock()
	states := make([]*sessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	total = len(states)
	for _, st := range states {
		st.mu.Lock()
		if st.bridge != nil {
			active++
		}
		st.mu.Unlock()
	}
	return total, active
}

// Join attaches a connection to a session and returns the joined snapshot:
// current status, last known terminal size, and the replay buffer contents.
// Joining never starts a process.
func (r *Registry) Join(sink Sink, sessionID string) (*protocol.SessionJoined, error) {
	st, err := r.state(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.attached[sink.ID()] = sink

	return &protocol.SessionJoined{
		Type:         "session_joined",
		SessionID:    st.session.ID,
		SessionName:  st.session.Name,
		WorkingDir:   st.session.WorkingDir,
		Active:       st.bridge != nil,
		OutputBuffer: string(st.replay.Snapshot()),
		Cols:         st.cols,
		Rows:         st.rows,
	}, nil
}

// Leave detaches a connection. The session and its process persist. Any
// flow pause held by the departing connection is released so a session is
// never left parked by a client that went away.
func (r *Registry) Leave(connID, sessionID string) {
	st, err := r.state(sessionID)
	if err != nil {
		return
	}
	st.mu.Lock()
	delete(st.attached, connID)
	delete(st.flowPaused, connID)
	b := st.bridge
	resume := b != nil && len(st.flowPaused) == 0
	st.mu.Unlock()

	if resume {
		b.ResumeReads()
	}
}

// SetFlowPaused records a connection's output pause state for a session and
// parks or releases the bridge's PTY reads accordingly. Production stops
// while any attached connection holds a pause; no frame is ever dropped.
func (r *Registry) SetFlowPaused(sessionID, connID string, paused bool) error {
	st, err := r.state(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.flowPaused == nil {
		st.flowPaused = make(map[string]struct{})
	}
	if paused {
		st.flowPaused[connID] = struct{}{}
	} else {
		delete(st.flowPaused, connID)
	}
	b := st.bridge
	park := len(st.flowPaused) > 0
	st.mu.Unlock()

	if b != nil {
		if park {
			b.PauseReads()
		} else {
			b.ResumeReads()
		}
	}
	return nil
}

// FlowPaused reports whether any connection currently holds an output pause
// on the session.
func (r *Registry) FlowPaused(sessionID string) bool {
	st, err := r.state(sessionID)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.flowPaused) > 0
}

// StartTool spawns the requested tool bridge in a session, stopping any
// prior bridge first. On spawn failure the session enters error status and
// an error event is broadcast to attached connections before the error
// returns.
func (r *Registry) StartTool(ctx context.Context, sessionID string, req *protocol.StartTool) error {
	return r.start(ctx, sessionID, req.Tool, req.Cols, req.Rows, bridge.StartOptions{
		Tool:             req.Tool,
		ExtraArgs:        req.Options.Args,
		Dangerous:        req.Options.Dangerous,
		DangerousAllowed: r.cfg.DangerousMode,
	})
}

// StartCommand runs a shell command in the session through the terminal
// bridge. Install terminals use this to run package-manager commands while
// clients observe them like any other tool.
func (r *Registry) StartCommand(ctx context.Context, sessionID, command string, cols, rows uint16) error {
	return r.start(ctx, sessionID, model.ToolTerminal, cols, rows, bridge.StartOptions{
		Tool:    model.ToolTerminal,
		Command: []string{"sh", "-c", command},
	})
}

func (r *Registry) start(ctx context.Context, sessionID string, tool model.ToolType, cols, rows uint16, opts bridge.StartOptions) error {
	st, err := r.state(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.starting {
		st.mu.Unlock()
		return model.ErrStartInProgress
	}
	st.starting = true

	if prior := st.bridge; prior != nil {
		// Replace, don't stack. The old bridge's exit callback is silenced
		// by the generation bump.
		st.gen++
		st.bridge = nil
		if st.coalescer != nil {
			st.coalescer.Stop()
			st.coalescer = nil
		}
		st.mu.Unlock()
		prior.Stop()
		st.mu.Lock()
	}

	if cols > 0 {
		st.cols = cols
	}
	if rows > 0 {
		st.rows = rows
	}

	gen := st.gen
	replay := st.replay
	workingDir := st.session.WorkingDir
	cols, rows = st.cols, st.rows
	st.mu.Unlock()

	coalescer := coalesce.New(r.cfg.CoalesceInterval, func(frame []byte) {
		st.recordFrame()
		st.broadcast(protocol.NewOutput(frame))
		r.maybeNotifyActivity(st, sessionID)
	})

	recorder := r.newRecorder(sessionID, cols, rows)

	opts.WorkingDir = workingDir
	opts.Cols = cols
	opts.Rows = rows
	opts.Recorder = recorder
	opts.OnOutput = func(chunk []byte) {
		replay.Write(chunk)
		coalescer.Write(chunk)
		st.recordOutput(len(chunk))
	}
	opts.OnExit = func(code int, signal string) {
		r.handleExit(st, sessionID, gen, tool, coalescer, code, signal)
	}

	b, err := bridge.Start(opts)
	if err != nil {
		coalescer.Stop()
		if recorder != nil {
			recorder.Close()
		}

		st.mu.Lock()
		st.starting = false
		st.session.Status = model.SessionStatusError
		st.mu.Unlock()

		st.broadcast(protocol.NewError(fmt.Sprintf("failed to start %s: %v", tool, err)))
		r.notifyBackground(sessionID, protocol.NewSessionError(sessionID, err.Error()))
		return err
	}

	st.mu.Lock()
	st.starting = false
	if st.gen != gen {
		// The session was deleted while we were spawning.
		st.mu.Unlock()
		b.Stop()
		return model.ErrSessionNotFound
	}
	st.bridge = b
	st.coalescer = coalescer
	st.session.Status = model.SessionStatusActive
	st.session.ToolType = tool
	st.session.ExitCode = nil
	st.session.LastActivityAt = time.Now()
	parked := len(st.flowPaused) > 0
	st.mu.Unlock()

	if parked {
		b.PauseReads()
	}

	st.broadcast(protocol.NewToolStarted(tool, sessionID))
	r.notifyBackground(sessionID, protocol.NewSessionStarted(sessionID, tool))
	r.persistActivity(ctx, st, sessionID)

	slog.Info("tool started", "session", sessionID, "tool", tool, "pid", b.PID())
	return nil
}

// handleExit runs on the bridge wait goroutine after the process exits.
// Pending output is flushed before the exit event so clients always see the
// last output first.
func (r *Registry) handleExit(st *sessionState, sessionID string, gen int, tool model.ToolType, coalescer *coalesce.Coalescer, code int, signal string) {
	st.mu.Lock()
	if st.gen != gen {
		st.mu.Unlock()
		return
	}
	st.bridge = nil
	st.coalescer = nil
	if code == 0 {
		st.session.Status = model.SessionStatusStopped
	} else {
		st.session.Status = model.SessionStatusError
	}
	st.session.ExitCode = &code
	st.session.LastActivityAt = time.Now()
	st.mu.Unlock()

	coalescer.FlushNow()
	coalescer.Stop()

	st.broadcast(protocol.NewExit(code, signal))
	st.broadcast(protocol.NewToolStopped(tool, sessionID))
	if code == 0 {
		r.notifyBackground(sessionID, protocol.NewSessionStopped(sessionID))
	} else {
		r.notifyBackground(sessionID, protocol.NewSessionExit(sessionID, code))
	}
	r.persistActivity(context.Background(), st, sessionID)

	slog.Info("tool exited", "session", sessionID, "tool", tool, "code", code, "signal", signal)
}

// Input forwards bytes verbatim to the active bridge.
func (r *Registry) Input(ctx context.Context, sessionID string, data []byte) error {
	st, err := r.state(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	b := st.bridge
	st.mu.Unlock()
	if b == nil {
		return model.ErrNoActiveSession
	}

	if err := b.Write(data); err != nil {
		return err
	}
	st.recordInput(len(data))
	r.persistActivity(ctx, st, sessionID)
	return nil
}

// Usage reports per-session traffic counters, newest session first.
func (r *Registry) Usage() []protocol.SessionUsage {
	r.mu.RLock()
	states := make([]*sessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	out := make([]protocol.SessionUsage, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, protocol.SessionUsage{
			SessionID:  st.session.ID,
			Name:       st.session.Name,
			BytesIn:    st.bytesIn,
			BytesOut:   st.bytesOut,
			FramesSent: st.framesSent,
		})
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Resize records the terminal size for late joiners and forwards it to the
// active bridge if one is running.
func (r *Registry) Resize(sessionID string, cols, rows uint16) error {
	st, err := r.state(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.cols = cols
	st.rows = rows
	b := st.bridge
	st.mu.Unlock()

	if b != nil {
		return b.Resize(cols, rows)
	}
	return nil
}

// Stop terminates the active bridge. Exit broadcasting happens through the
// normal exit path.
func (r *Registry) Stop(sessionID string) error {
	st, err := r.state(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	b := st.bridge
	st.mu.Unlock()
	if b == nil {
		return model.ErrNoActiveSession
	}
	return b.Stop()
}

// Delete stops the session's bridge, notifies attached connections, and
// removes all state.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return model.ErrSessionNotFound
	}

	st.mu.Lock()
	st.gen++
	b := st.bridge
	st.bridge = nil
	if st.coalescer != nil {
		st.coalescer.Stop()
		st.coalescer = nil
	}
	st.mu.Unlock()

	st.broadcast(protocol.NewSessionDeleted(sessionID, "session deleted"))

	st.mu.Lock()
	st.attached = make(map[string]Sink)
	st.replay.Clear()
	st.mu.Unlock()

	if b != nil {
		b.Stop()
	}

	if err := r.repo.Delete(ctx, sessionID); err != nil && err != model.ErrSessionNotFound {
		return err
	}
	slog.Info("session deleted", "id", sessionID)
	return nil
}

// Close stops every active bridge. Called on broker shutdown.
func (r *Registry) Close() {
	r.mu.RLock()
	states := make([]*sessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		st.gen++
		b := st.bridge
		st.bridge = nil
		if st.coalescer != nil {
			st.coalescer.Stop()
			st.coalescer = nil
		}
		st.mu.Unlock()
		if b != nil {
			b.Stop()
		}
	}
}

// broadcast delivers an event to every attached connection exactly once.
func (st *sessionState) broadcast(msg any) {
	st.mu.Lock()
	sinks := make([]Sink, 0, len(st.attached))
	for _, s := range st.attached {
		sinks = append(sinks, s)
	}
	st.mu.Unlock()

	for _, s := range sinks {
		s.Send(msg)
	}
}

// recordOutput counts process output bytes and bumps the activity timestamp.
func (st *sessionState) recordOutput(n int) {
	st.mu.Lock()
	st.bytesOut += int64(n)
	st.session.LastActivityAt = time.Now()
	st.mu.Unlock()
}

// recordInput counts client input bytes and bumps the activity timestamp.
func (st *sessionState) recordInput(n int) {
	st.mu.Lock()
	st.bytesIn += int64(n)
	st.session.LastActivityAt = time.Now()
	st.mu.Unlock()
}

func (st *sessionState) recordFrame() {
	st.mu.Lock()
	st.framesSent++
	st.mu.Unlock()
}

func (r *Registry) notifyBackground(sessionID string, msg any) {
	if r.notifier != nil {
		r.notifier.NotifyBackground(sessionID, msg)
	}
}

// maybeNotifyActivity emits a background session_activity notification at
// most once per activityNotifyInterval per session.
func (r *Registry) maybeNotifyActivity(st *sessionState, sessionID string) {
	st.mu.Lock()
	fire := time.Since(st.lastActivityNotify) >= activityNotifyInterval
	if fire {
		st.lastActivityNotify = time.Now()
	}
	st.mu.Unlock()

	if fire {
		r.notifyBackground(sessionID, protocol.NewSessionActivity(sessionID))
	}
}

// persistActivity writes the activity timestamp through to the database at
// most once per activityPersistInterval per session.
func (r *Registry) persistActivity(ctx context.Context, st *sessionState, sessionID string) {
	st.mu.Lock()
	store := time.Since(st.lastActivityStore) >= activityPersistInterval
	if store {
		st.lastActivityStore = time.Now()
	}
	at := st.session.LastActivityAt
	st.mu.Unlock()

	if store {
		if err := r.repo.UpdateActivity(ctx, sessionID, at); err != nil {
			slog.Warn("failed to persist session activity", "session", sessionID, "err", err)
		}
	}
}

// newRecorder opens an asciinema transcript for a tool run, or returns nil
// when recording is disabled or the file cannot be created.
func (r *Registry) newRecorder(sessionID string, cols, rows uint16) *record.Cast {
	if r.cfg.RecordingDir == "" {
		return nil
	}
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := os.MkdirAll(r.cfg.RecordingDir, 0o755); err != nil {
		slog.Warn("failed to create recording dir", "dir", r.cfg.RecordingDir, "err", err)
		return nil
	}
	path := filepath.Join(r.cfg.RecordingDir, fmt.Sprintf("%s.cast", sessionID))
	cast, err := record.Create(path, cols, rows)
	if err != nil {
		slog.Warn("failed to create session recording", "path", path, "err", err)
		return nil
	}
	return cast
}
