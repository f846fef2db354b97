package model

import "time"

// SessionStatus represents the lifecycle state of a terminal session.
type SessionStatus string

const (
	// SessionStatusIdle means the session exists but no tool process is running.
	SessionStatusIdle SessionStatus = "idle"

	// SessionStatusActive means a tool process is attached and running.
	SessionStatusActive SessionStatus = "active"

	// SessionStatusError means the last tool start failed; recoverable by
	// an explicit new start request.
	SessionStatusError SessionStatus = "error"

	// SessionStatusStopped means the tool process was stopped or exited.
	SessionStatusStopped SessionStatus = "stopped"
)

// ToolType identifies which tool bridge drives a session.
type ToolType string

const (
	ToolClaude   ToolType = "claude"
	ToolCodex    ToolType = "codex"
	ToolCopilot  ToolType = "copilot"
	ToolGemini   ToolType = "gemini"
	ToolAgent    ToolType = "agent"
	ToolTerminal ToolType = "terminal"
)

// AllToolTypes is the closed set of supported tools, in display order.
var AllToolTypes = []ToolType{
	ToolClaude, ToolCodex, ToolCopilot, ToolGemini, ToolAgent, ToolTerminal,
}

// ParseToolType validates a tool name against the closed set.
func ParseToolType(s string) (ToolType, bool) {
	for _, t := range AllToolTypes {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Session is the durable identity of a terminal session. The session id is
// stable across broker restarts; runtime state (bridge process, replay
// buffer, attached connections) lives in the registry and does not survive
// a restart.
type Session struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	WorkingDir     string        `json:"workingDir"`
	ToolType       ToolType      `json:"toolType,omitempty"`
	Status         SessionStatus `json:"status"`
	ExitCode       *int          `json:"exitCode,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}

// Priority is a client-declared hint for how urgently a connection wants
// updates from a session. It is not security relevant.
type Priority string

const (
	PriorityForeground Priority = "foreground"
	PriorityBackground Priority = "background"
)

// CreateSessionRequest carries the validated parameters for session creation.
type CreateSessionRequest struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir"`
}

// Validate checks the request fields that do not need filesystem access.
func (r *CreateSessionRequest) Validate() error {
	if r.Name == "" {
		return ErrNameRequired
	}
	if r.WorkingDir == "" {
		return ErrWorkingDirRequired
	}
	return nil
}
