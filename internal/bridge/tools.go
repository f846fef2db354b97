package bridge

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/agentterm/agentterm/internal/model"
)

// toolSpec describes how to locate and launch one tool. Candidates are
// tried in order: explicit absolute paths first, then bare command names
// resolved through the OS executable search.
type toolSpec struct {
	candidates []string
	baseArgs   []string
	// dangerArgs are appended only when the server runs in dangerous mode
	// and the start request explicitly opts in.
	dangerArgs []string
}

func homePath(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(append([]string{home}, parts...)...)
}

func toolSpecs() map[model.ToolType]toolSpec {
	return map[model.ToolType]toolSpec{
		model.ToolClaude: {
			candidates: []string{
				homePath(".claude", "local", "claude"),
				homePath(".local", "bin", "claude"),
				"claude",
			},
			dangerArgs: []string{"--dangerously-skip-permissions"},
		},
		model.ToolCodex: {
			candidates: []string{"codex"},
			dangerArgs: []string{"--yolo"},
		},
		model.ToolCopilot: {
			candidates: []string{"copilot"},
			dangerArgs: []string{"--allow-all-tools"},
		},
		model.ToolGemini: {
			candidates: []string{"gemini"},
			dangerArgs: []string{"--approval-mode=yolo"},
		},
		model.ToolAgent: {
			candidates: []string{os.Getenv("AGENTTERM_AGENT_CMD"), "agent"},
		},
	}
}

// ResolveExecutable returns the path of the first resolvable candidate for
// the tool, or ErrToolUnavailable if none resolves. The terminal tool always
// resolves to the user's shell.
func ResolveExecutable(tool model.ToolType) (string, error) {
	if tool == model.ToolTerminal {
		return resolveShell(), nil
	}

	spec, ok := toolSpecs()[tool]
	if !ok {
		return "", model.ErrToolUnavailable
	}
	for _, cand := range spec.candidates {
		if cand == "" {
			continue
		}
		if filepath.IsAbs(cand) {
			if info, err := os.Stat(cand); err == nil && !info.IsDir() {
				return cand, nil
			}
			continue
		}
		if path, err := exec.LookPath(cand); err == nil {
			return path, nil
		}
	}
	return "", model.ErrToolUnavailable
}

// resolveShell picks the user's configured shell with platform fallbacks.
func resolveShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	for _, sh := range []string{"/bin/bash", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh
		}
	}
	return "sh"
}

// launchArgs returns the argument list for a tool, honoring the dangerous
// opt-in only when the server itself allows it.
func launchArgs(tool model.ToolType, dangerousAllowed, dangerousRequested bool, extra []string) []string {
	spec := toolSpecs()[tool]
	args := append([]string{}, spec.baseArgs...)
	if dangerousAllowed && dangerousRequested && len(spec.dangerArgs) > 0 {
		args = append(args, spec.dangerArgs...)
	}
	return append(args, extra...)
}

// Availability reports, per tool, whether an executable could be resolved.
// Used by capability reporting; a missing tool is not an error.
func Availability() map[model.ToolType]bool {
	out := make(map[model.ToolType]bool, len(model.AllToolTypes))
	for _, tool := range model.AllToolTypes {
		_, err := ResolveExecutable(tool)
		out[tool] = err == nil
	}
	return out
}
