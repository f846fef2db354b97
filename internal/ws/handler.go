package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentterm/agentterm/internal/model"
	"github.com/agentterm/agentterm/internal/protocol"
	"github.com/agentterm/agentterm/internal/supervisor"
)

// restartDelay gives write pumps time to flush server_restarting before the
// broker exits.
const restartDelay = 500 * time.Millisecond

// voiceTimeout bounds a single transcription run.
const voiceTimeout = 60 * time.Second

// dispatch routes one decoded inbound message. Every rejected operation
// yields an explicit error naming the operation; silent failure is reserved
// for sends to already-closed transports.
func (h *Hub) dispatch(c *Conn, data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		c.Send(protocol.NewError(err.Error()))
		return
	}

	switch m := msg.(type) {
	case *protocol.CreateSession:
		h.handleCreateSession(c, m)
	case *protocol.JoinSession:
		h.handleJoinSession(c, m)
	case *protocol.LeaveSession:
		h.handleLeaveSession(c)
	case *protocol.SetPriority:
		h.handleSetPriority(c, m)
	case *protocol.Input:
		h.handleInput(c, m)
	case *protocol.Resize:
		h.handleResize(c, m)
	case *protocol.StartTool:
		h.handleStartTool(c, m)
	case *protocol.Stop:
		h.handleStop(c)
	case *protocol.CloseSession:
		h.handleCloseSession(c)
	case *protocol.ImageUpload:
		h.handleImageUpload(c, m)
	case *protocol.VoiceUpload:
		h.handleVoiceUpload(c, m)
	case *protocol.VoiceStatusRequest:
		c.Send(protocol.VoiceStatus{Type: "voice_status", Status: h.voice.Status()})
	case *protocol.VoiceDownloadModel:
		h.handleVoiceDownloadModel(c)
	case *protocol.GetUsage:
		h.handleGetUsage(c)
	case *protocol.Ping:
		c.Send(protocol.NewPong())
	case *protocol.OpenInstallTerminal:
		h.handleOpenInstallTerminal(c, m)
	case *protocol.AppTunnelStatusRequest:
		c.Send(protocol.AppTunnelStatus{Type: "app_tunnel_status", Active: false})
	case *protocol.RestartServer:
		h.handleRestartServer()
	case *protocol.FlowControl:
		h.handleFlowControl(c, m)
	default:
		c.Send(protocol.NewError(fmt.Sprintf("unhandled message type %T", msg)))
	}
}

func (c *Conn) sendOpError(op string, err error) {
	c.Send(protocol.NewError(fmt.Sprintf("%s: %v", op, err)))
}

func (h *Hub) handleCreateSession(c *Conn, m *protocol.CreateSession) {
	session, err := h.reg.Create(context.Background(), &model.CreateSessionRequest{
		Name:       m.Name,
		WorkingDir: m.WorkingDir,
	})
	if err != nil {
		c.sendOpError("create_session", err)
		return
	}
	c.Send(protocol.NewSessionCreated(session))
}

func (h *Hub) handleJoinSession(c *Conn, m *protocol.JoinSession) {
	// One session per connection: joining implies leaving the previous one.
	if prev := c.joinedSession(); prev != "" {
		h.reg.Leave(c.id, prev)
		c.setJoined("")
		c.Send(protocol.NewSessionLeft(prev))
	}

	joined, err := h.reg.Join(c, m.SessionID)
	if err != nil {
		c.sendOpError("join_session", err)
		return
	}
	c.setJoined(m.SessionID)
	c.setClientPaused(false)
	c.flow.Reset()
	c.Send(*joined)
}

func (h *Hub) handleLeaveSession(c *Conn) {
	prev := c.joinedSession()
	if prev == "" {
		c.Send(protocol.NewError("leave_session: no session joined"))
		return
	}
	h.reg.Leave(c.id, prev)
	c.setJoined("")
	c.Send(protocol.NewSessionLeft(prev))
}

func (h *Hub) handleSetPriority(c *Conn, m *protocol.SetPriority) {
	c.stateMu.Lock()
	for _, sp := range m.Sessions {
		switch sp.Priority {
		case model.PriorityForeground, model.PriorityBackground:
			c.priorities[sp.SessionID] = sp.Priority
		}
	}
	c.stateMu.Unlock()
}

func (h *Hub) handleInput(c *Conn, m *protocol.Input) {
	sessionID := c.joinedSession()
	if sessionID == "" {
		c.Send(protocol.NewError("input: no session joined"))
		return
	}
	if len(m.Data) > h.cfg.MaxInputBytes {
		c.Send(protocol.NewError(fmt.Sprintf("input: payload exceeds %d bytes", h.cfg.MaxInputBytes)))
		return
	}
	if err := h.reg.Input(context.Background(), sessionID, []byte(m.Data)); err != nil {
		c.sendOpError("input", err)
	}
}

func (h *Hub) handleResize(c *Conn, m *protocol.Resize) {
	sessionID := c.joinedSession()
	if sessionID == "" {
		c.Send(protocol.NewError("resize: no session joined"))
		return
	}
	if m.Cols == 0 || m.Rows == 0 {
		c.Send(protocol.NewError("resize: cols and rows must be positive"))
		return
	}
	if err := h.reg.Resize(sessionID, m.Cols, m.Rows); err != nil {
		c.sendOpError("resize", err)
	}
}

func (h *Hub) handleStartTool(c *Conn, m *protocol.StartTool) {
	sessionID := c.joinedSession()
	if sessionID == "" {
		c.Send(protocol.NewError(fmt.Sprintf("start_%s: no session joined", m.Tool)))
		return
	}

	// Spawn failures are broadcast by the registry to all attached
	// connections, this one included. Rejections that never reach the spawn
	// are reported to the requester alone.
	if err := h.reg.StartTool(context.Background(), sessionID, m); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) || errors.Is(err, model.ErrStartInProgress) {
			c.sendOpError(fmt.Sprintf("start_%s", m.Tool), err)
			return
		}
		slog.Debug("tool start failed", "session", sessionID, "tool", m.Tool, "err", err)
	}
}

func (h *Hub) handleStop(c *Conn) {
	sessionID := c.joinedSession()
	if sessionID == "" {
		c.Send(protocol.NewError("stop: no session joined"))
		return
	}
	if err := h.reg.Stop(sessionID); err != nil {
		c.sendOpError("stop", err)
	}
}

func (h *Hub) handleCloseSession(c *Conn) {
	sessionID := c.joinedSession()
	if sessionID == "" {
		c.Send(protocol.NewError("close_session: no session joined"))
		return
	}
	c.setJoined("")
	if err := h.reg.Delete(context.Background(), sessionID); err != nil {
		c.sendOpError("close_session", err)
	}
}

func (h *Hub) handleImageUpload(c *Conn, m *protocol.ImageUpload) {
	sessionID := c.joinedSession()
	if sessionID == "" {
		c.Send(protocol.ImageUploadError{Type: "image_upload_error", Message: "no session joined"})
		return
	}
	if !c.uploadLimiter.Allow() {
		c.Send(protocol.ImageUploadError{Type: "image_upload_error", Message: model.ErrRateLimited.Error()})
		return
	}

	session, err := h.reg.Get(sessionID)
	if err != nil {
		c.Send(protocol.ImageUploadError{Type: "image_upload_error", Message: err.Error()})
		return
	}

	path, err := h.uploads.Save(session.WorkingDir, m.FileName, m.MimeType, m.Base64)
	if err != nil {
		c.Send(protocol.ImageUploadError{Type: "image_upload_error", Message: err.Error()})
		return
	}
	c.Send(protocol.ImageUploadComplete{Type: "image_upload_complete", FilePath: path})
}

func (h *Hub) handleVoiceUpload(c *Conn, m *protocol.VoiceUpload) {
	pcm, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		c.Send(protocol.VoiceTranscriptionError{Type: "voice_transcription_error", Message: "invalid audio payload"})
		return
	}

	// Transcription shells out to whisper; keep it off the read pump.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), voiceTimeout)
		defer cancel()

		text, err := h.voice.Transcribe(ctx, pcm)
		if err != nil {
			c.Send(protocol.VoiceTranscriptionError{Type: "voice_transcription_error", Message: err.Error()})
			return
		}
		c.Send(protocol.VoiceTranscription{Type: "voice_transcription", Text: text})
	}()
}

func (h *Hub) handleVoiceDownloadModel(c *Conn) {
	go func() {
		err := h.voice.DownloadModel(context.Background(), func(percent int) {
			c.Send(protocol.VoiceModelProgress{Type: "voice_model_progress", Percent: percent})
		})
		if err != nil {
			c.Send(protocol.VoiceTranscriptionError{Type: "voice_transcription_error", Message: err.Error()})
			return
		}
		c.Send(protocol.VoiceStatus{Type: "voice_status", Status: h.voice.Status()})
	}()
}

func (h *Hub) handleGetUsage(c *Conn) {
	total, active := h.reg.Counts()
	perSession := h.reg.Usage()

	update := protocol.UsageUpdate{
		Type:           "usage_update",
		Sessions:       total,
		ActiveSessions: active,
		Connections:    h.ConnCount(),
		UptimeSeconds:  int64(time.Since(h.startedAt).Seconds()),
		PerSession:     perSession,
	}
	for _, u := range perSession {
		update.BytesIn += u.BytesIn
		update.BytesOut += u.BytesOut
		update.FramesSent += u.FramesSent
	}
	c.Send(update)
}

// installPackages maps a tool to its npm package.
var installPackages = map[string]string{
	"claude":  "@anthropic-ai/claude-code",
	"codex":   "@openai/codex",
	"gemini":  "@google/gemini-cli",
	"copilot": "@github/copilot",
}

// installCommand builds the shell command an install terminal runs.
func installCommand(toolID, method string) (string, error) {
	switch method {
	case "npm":
		pkg, ok := installPackages[toolID]
		if !ok {
			return "", fmt.Errorf("no npm package known for tool %q", toolID)
		}
		return "npm install -g " + pkg, nil
	case "brew":
		if _, ok := installPackages[toolID]; !ok {
			return "", fmt.Errorf("no brew formula known for tool %q", toolID)
		}
		return "brew install " + toolID, nil
	default:
		return "", fmt.Errorf("unsupported install method %q", method)
	}
}

func (h *Hub) handleOpenInstallTerminal(c *Conn, m *protocol.OpenInstallTerminal) {
	sessionID := c.joinedSession()
	if sessionID == "" {
		c.Send(protocol.NewError("open_install_terminal: no session joined"))
		return
	}

	command, err := installCommand(m.ToolID, m.Method)
	if err != nil {
		c.sendOpError("open_install_terminal", err)
		return
	}
	c.Send(protocol.NewInfo(fmt.Sprintf("installing %s via %s", m.ToolID, m.Method)))
	if err := h.reg.StartCommand(context.Background(), sessionID, command, m.Cols, m.Rows); err != nil {
		slog.Debug("install terminal start failed", "session", sessionID, "err", err)
	}
}

// handleRestartServer notifies every client, then exits with the restart
// code so the supervisor respawns the broker. Session identity survives in
// the database; live bridges do not.
func (h *Hub) handleRestartServer() {
	slog.Info("restart requested by client")
	h.BroadcastAll(protocol.NewServerRestarting("user_requested"))

	go func() {
		time.Sleep(restartDelay)
		h.reg.Close()
		h.exit(supervisor.RestartExitCode)
	}()
}

// handleFlowControl records the client's pause request and parks or releases
// the joined session's PTY reads. Paused output is never discarded; the
// child process blocks on the kernel PTY buffer until the client resumes.
func (h *Hub) handleFlowControl(c *Conn, m *protocol.FlowControl) {
	switch m.Action {
	case protocol.FlowPause:
		c.setClientPaused(true)
	case protocol.FlowResume:
		c.setClientPaused(false)
	default:
		c.Send(protocol.NewError(fmt.Sprintf("flow_control: unknown action %q", m.Action)))
		return
	}
	h.syncFlowPause(c)
}
