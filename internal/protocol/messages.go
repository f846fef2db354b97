// Package protocol defines the JSON wire messages exchanged with browser
// clients over the WebSocket connection. Inbound messages decode into a
// tagged union; unknown kinds are rejected explicitly.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentterm/agentterm/internal/model"
)

// Inbound messages (client -> server). One JSON object per message, with a
// top-level "type" discriminator and the payload fields alongside it.

type CreateSession struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
}

type JoinSession struct {
	SessionID string `json:"sessionId"`
}

type LeaveSession struct{}

type SessionPriority struct {
	SessionID string         `json:"sessionId"`
	Priority  model.Priority `json:"priority"`
}

type SetPriority struct {
	Sessions []SessionPriority `json:"sessions"`
}

type Input struct {
	Data string `json:"data"`
}

type Resize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// StartToolOptions carries tool start parameters common to every bridge.
type StartToolOptions struct {
	// Dangerous requests the tool's skip-permission flag. Honored only when
	// the server runs with dangerous mode enabled.
	Dangerous bool `json:"dangerous,omitempty"`

	// Args are appended after the tool's base arguments.
	Args []string `json:"args,omitempty"`
}

// StartTool is the decoded form of the start_<tool> message family.
type StartTool struct {
	Tool    model.ToolType   `json:"-"`
	Options StartToolOptions `json:"options"`
	Cols    uint16           `json:"cols"`
	Rows    uint16           `json:"rows"`
}

type Stop struct{}

type CloseSession struct{}

type ImageUpload struct {
	Base64   string `json:"base64"`
	MimeType string `json:"mimeType"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption"`
}

type VoiceUpload struct {
	Audio      string `json:"audio"`
	DurationMs int    `json:"durationMs"`
}

type VoiceStatusRequest struct{}

type VoiceDownloadModel struct{}

type GetUsage struct{}

type Ping struct{}

type OpenInstallTerminal struct {
	ToolID string `json:"toolId"`
	Method string `json:"method"`
	Cols   uint16 `json:"cols"`
	Rows   uint16 `json:"rows"`
}

type AppTunnelStatusRequest struct{}

type RestartServer struct{}

// FlowControlAction values for the flow_control message in both directions.
const (
	FlowPause  = "pause"
	FlowResume = "resume"
)

type FlowControl struct {
	Action string `json:"action"`
}

// DecodeInbound parses one client message into its typed form. Unknown
// message kinds return an error naming the kind.
func DecodeInbound(data []byte) (any, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("malformed %s message: %w", env.Type, err)
		}
		return v, nil
	}

	switch env.Type {
	case "create_session":
		return decode(&CreateSession{})
	case "join_session":
		return decode(&JoinSession{})
	case "leave_session":
		return &LeaveSession{}, nil
	case "set_priority":
		return decode(&SetPriority{})
	case "input":
		return decode(&Input{})
	case "resize":
		return decode(&Resize{})
	case "stop":
		return &Stop{}, nil
	case "close_session":
		return &CloseSession{}, nil
	case "image_upload":
		return decode(&ImageUpload{})
	case "voice_upload":
		return decode(&VoiceUpload{})
	case "voice_status":
		return &VoiceStatusRequest{}, nil
	case "voice_download_model":
		return &VoiceDownloadModel{}, nil
	case "get_usage":
		return &GetUsage{}, nil
	case "ping":
		return &Ping{}, nil
	case "open_install_terminal":
		return decode(&OpenInstallTerminal{})
	case "app_tunnel_status":
		return &AppTunnelStatusRequest{}, nil
	case "restart_server":
		return &RestartServer{}, nil
	case "flow_control":
		return decode(&FlowControl{})
	}

	if name, ok := strings.CutPrefix(env.Type, "start_"); ok {
		if tool, valid := model.ParseToolType(name); valid {
			msg := &StartTool{}
			if err := json.Unmarshal(data, msg); err != nil {
				return nil, fmt.Errorf("malformed %s message: %w", env.Type, err)
			}
			msg.Tool = tool
			return msg, nil
		}
	}

	return nil, fmt.Errorf("unknown message type %q", env.Type)
}

// Outbound messages (server -> client). Every struct carries its own "type"
// tag so it can be handed to the socket writer as-is.

type Connected struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

func NewConnected(connectionID string) Connected {
	return Connected{Type: "connected", ConnectionID: connectionID}
}

type SessionCreated struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	WorkingDir  string `json:"workingDir"`
}

func NewSessionCreated(s *model.Session) SessionCreated {
	return SessionCreated{Type: "session_created", SessionID: s.ID, SessionName: s.Name, WorkingDir: s.WorkingDir}
}

type SessionJoined struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	SessionName  string `json:"sessionName"`
	WorkingDir   string `json:"workingDir"`
	Active       bool   `json:"active"`
	OutputBuffer string `json:"outputBuffer"`
	Cols         uint16 `json:"cols,omitempty"`
	Rows         uint16 `json:"rows,omitempty"`
}

type SessionLeft struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewSessionLeft(sessionID string) SessionLeft {
	return SessionLeft{Type: "session_left", SessionID: sessionID}
}

type SessionDeleted struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func NewSessionDeleted(sessionID, message string) SessionDeleted {
	return SessionDeleted{Type: "session_deleted", SessionID: sessionID, Message: message}
}

// ToolEvent covers the <tool>_started and <tool>_stopped message family.
type ToolEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewToolStarted(tool model.ToolType, sessionID string) ToolEvent {
	return ToolEvent{Type: string(tool) + "_started", SessionID: sessionID}
}

func NewToolStopped(tool model.ToolType, sessionID string) ToolEvent {
	return ToolEvent{Type: string(tool) + "_stopped", SessionID: sessionID}
}

type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func NewOutput(data []byte) Output {
	return Output{Type: "output", Data: string(data)}
}

type Exit struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func NewExit(code int, signal string) Exit {
	return Exit{Type: "exit", Code: code, Signal: signal}
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) Error {
	return Error{Type: "error", Message: message}
}

type Info struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewInfo(message string) Info {
	return Info{Type: "info", Message: message}
}

type ImageUploadComplete struct {
	Type     string `json:"type"`
	FilePath string `json:"filePath"`
}

type ImageUploadError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type VoiceTranscription struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type VoiceTranscriptionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type VoiceModelProgress struct {
	Type    string `json:"type"`
	Percent int    `json:"percent"`
}

type VoiceStatus struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// SessionUsage is a point-in-time traffic snapshot for one session.
type SessionUsage struct {
	SessionID  string `json:"sessionId"`
	Name       string `json:"name"`
	BytesIn    int64  `json:"bytesIn"`
	BytesOut   int64  `json:"bytesOut"`
	FramesSent int64  `json:"framesSent"`
}

type UsageUpdate struct {
	Type           string         `json:"type"`
	Sessions       int            `json:"sessions"`
	ActiveSessions int            `json:"activeSessions"`
	Connections    int            `json:"connections"`
	UptimeSeconds  int64          `json:"uptimeSeconds"`
	BytesIn        int64          `json:"bytesIn"`
	BytesOut       int64          `json:"bytesOut"`
	FramesSent     int64          `json:"framesSent"`
	PerSession     []SessionUsage `json:"perSession,omitempty"`
}

// Background notifications about sessions the receiving connection is not
// joined to.

type SessionActivity struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewSessionActivity(sessionID string) SessionActivity {
	return SessionActivity{Type: "session_activity", SessionID: sessionID}
}

type SessionExit struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Code      int    `json:"code"`
}

func NewSessionExit(sessionID string, code int) SessionExit {
	return SessionExit{Type: "session_exit", SessionID: sessionID, Code: code}
}

type SessionError struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func NewSessionError(sessionID, message string) SessionError {
	return SessionError{Type: "session_error", SessionID: sessionID, Message: message}
}

type SessionStarted struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	ToolType  model.ToolType `json:"toolType"`
}

func NewSessionStarted(sessionID string, tool model.ToolType) SessionStarted {
	return SessionStarted{Type: "session_started", SessionID: sessionID, ToolType: tool}
}

type SessionStopped struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

func NewSessionStopped(sessionID string) SessionStopped {
	return SessionStopped{Type: "session_stopped", SessionID: sessionID}
}

type FlowControlSignal struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

func NewFlowControlSignal(action string) FlowControlSignal {
	return FlowControlSignal{Type: "flow_control", Action: action}
}

type ServerRestarting struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewServerRestarting(reason string) ServerRestarting {
	return ServerRestarting{Type: "server_restarting", Reason: reason}
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong {
	return Pong{Type: "pong"}
}

type AppTunnelStatus struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
	URL    string `json:"url,omitempty"`
}
