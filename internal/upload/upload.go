// Package upload validates and stores image uploads sent over the
// WebSocket protocol.
package upload

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentterm/agentterm/internal/fsutil"
	"github.com/agentterm/agentterm/internal/model"
)

// uploadSubdir is created inside the session working directory so uploaded
// files are visible to the tool running there.
const uploadSubdir = ".agentterm-uploads"

var allowedMIME = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Service stores decoded uploads under session working directories.
type Service struct {
	baseFolder string
	maxBytes   int
}

// New creates an upload Service bounded by baseFolder and maxBytes.
func New(baseFolder string, maxBytes int) *Service {
	return &Service{baseFolder: baseFolder, maxBytes: maxBytes}
}

// Save decodes a base64 payload and writes it under the working directory's
// upload folder. The mime type must be in the image whitelist and the
// decoded size must not exceed the configured cap. Returns the stored path.
func (s *Service) Save(workingDir, fileName, mimeType, b64 string) (string, error) {
	ext, ok := allowedMIME[mimeType]
	if !ok {
		return "", fmt.Errorf("unsupported mime type %q", mimeType)
	}

	// Reject obviously oversized payloads before decoding.
	if base64.StdEncoding.DecodedLen(len(b64)) > s.maxBytes {
		return "", model.ErrPayloadTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(data) > s.maxBytes {
		return "", model.ErrPayloadTooLarge
	}

	dir, err := fsutil.ResolveWithinBase(s.baseFolder, workingDir)
	if err != nil {
		return "", err
	}

	name := fsutil.SanitizeFileName(fileName)
	if filepath.Ext(name) == "" {
		name += ext
	}
	name = fmt.Sprintf("%d-%s", time.Now().UnixMilli(), name)

	uploadDir := filepath.Join(dir, uploadSubdir)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(uploadDir, name)
	if _, err := fsutil.ResolveWithinBase(uploadDir, path); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}
