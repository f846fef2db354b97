package model

import "errors"

var (
	// ErrNameRequired is returned when a session creation request is missing a name.
	ErrNameRequired = errors.New("session name is required")

	// ErrWorkingDirRequired is returned when a session creation request is missing a working directory.
	ErrWorkingDirRequired = errors.New("working directory is required")

	// ErrSessionNotFound is returned when an operation targets a session that does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoActiveSession is returned when an operation needs a running tool but none is active.
	ErrNoActiveSession = errors.New("no active tool in session")

	// ErrToolUnavailable is returned when no executable could be resolved for a tool.
	// Non-fatal: surfaces as "tool unavailable" in capability reporting.
	ErrToolUnavailable = errors.New("tool executable not found")

	// ErrPathTraversal is returned when a path resolves outside the permitted base folder.
	ErrPathTraversal = errors.New("path escapes base folder")

	// ErrPayloadTooLarge is returned when an upload exceeds the configured size limit.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrRateLimited is returned when a connection exceeds its upload rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrStartInProgress is returned when a tool start arrives while another
	// start for the same session is still spawning.
	ErrStartInProgress = errors.New("tool start already in progress")
)
