// Package voice transcribes PCM16 audio uploads with a local whisper.cpp
// binary when one is installed. Voice support is entirely optional: absence
// of the binary or model degrades to an "unavailable" status, never an
// error at startup.
package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// sampleRate matches the PCM16 mono stream browsers capture for upload.
const sampleRate = 16000

// modelURL is the whisper.cpp base English model.
const modelURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.en.bin"

// Status values reported to clients.
const (
	StatusReady        = "ready"
	StatusModelMissing = "model_missing"
	StatusUnavailable  = "unavailable"
)

var whisperCandidates = []string{"whisper-cli", "whisper-cpp", "main"}

// Service wraps a whisper.cpp executable and model file.
type Service struct {
	exe       string
	modelPath string
}

// New probes for a whisper binary and the default model location.
func New() *Service {
	s := &Service{}
	for _, name := range whisperCandidates {
		if path, err := exec.LookPath(name); err == nil {
			s.exe = path
			break
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	s.modelPath = filepath.Join(home, ".agentterm", "models", "ggml-base.en.bin")
	return s
}

// Status reports whether transcription can run right now.
func (s *Service) Status() string {
	if s.exe == "" {
		return StatusUnavailable
	}
	if _, err := os.Stat(s.modelPath); err != nil {
		return StatusModelMissing
	}
	return StatusReady
}

// Transcribe runs whisper over a PCM16 mono buffer and returns the text.
func (s *Service) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if status := s.Status(); status != StatusReady {
		return "", fmt.Errorf("voice transcription not available: %s", status)
	}
	if len(pcm) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}

	tmp, err := os.CreateTemp("", "agentterm-voice-*.wav")
	if err != nil {
		return "", fmt.Errorf("create temp wav: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeWAV(tmp, pcm); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, s.exe,
		"-m", s.modelPath,
		"-f", tmp.Name(),
		"-nt", // no timestamps
		"-np", // no progress output
	)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("whisper failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// DownloadModel fetches the default model, reporting whole percents via
// progress as bytes arrive.
func (s *Service) DownloadModel(ctx context.Context, progress func(percent int)) error {
	if s.exe == "" {
		return fmt.Errorf("no whisper binary installed")
	}
	if err := os.MkdirAll(filepath.Dir(s.modelPath), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: unexpected status %s", resp.Status)
	}

	tmp := s.modelPath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var written int64
	lastPercent := -1
	buf := make([]byte, 1<<20)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				os.Remove(tmp)
				return err
			}
			written += int64(n)
			if progress != nil && resp.ContentLength > 0 {
				percent := int(written * 100 / resp.ContentLength)
				if percent != lastPercent {
					lastPercent = percent
					progress(percent)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(tmp)
			return readErr
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.modelPath)
}

// writeWAV wraps raw PCM16 mono samples in a RIFF/WAVE container.
func writeWAV(w io.Writer, pcm []byte) error {
	var header bytes.Buffer
	dataLen := uint32(len(pcm))

	header.WriteString("RIFF")
	binary.Write(&header, binary.LittleEndian, uint32(36+dataLen))
	header.WriteString("WAVE")

	header.WriteString("fmt ")
	binary.Write(&header, binary.LittleEndian, uint32(16))
	binary.Write(&header, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&header, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&header, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&header, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(&header, binary.LittleEndian, uint16(2))            // block align
	binary.Write(&header, binary.LittleEndian, uint16(16))           // bits per sample

	header.WriteString("data")
	binary.Write(&header, binary.LittleEndian, dataLen)

	if _, err := w.Write(header.Bytes()); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}
