package voice

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestWriteWAVHeader(t *testing.T) {
	pcm := make([]byte, 320) // 10ms of 16kHz mono s16le
	var buf bytes.Buffer
	if err := writeWAV(&buf, pcm); err != nil {
		t.Fatalf("writeWAV failed: %v", err)
	}

	out := buf.Bytes()
	if len(out) != 44+len(pcm) {
		t.Fatalf("expected 44-byte header plus data, got %d bytes", len(out))
	}
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE magic")
	}

	riffLen := binary.LittleEndian.Uint32(out[4:8])
	if riffLen != uint32(36+len(pcm)) {
		t.Errorf("wrong RIFF length %d", riffLen)
	}
	rate := binary.LittleEndian.Uint32(out[24:28])
	if rate != sampleRate {
		t.Errorf("wrong sample rate %d", rate)
	}
	dataLen := binary.LittleEndian.Uint32(out[40:44])
	if dataLen != uint32(len(pcm)) {
		t.Errorf("wrong data length %d", dataLen)
	}
}

func TestStatusWithoutBinary(t *testing.T) {
	s := &Service{exe: "", modelPath: "/nonexistent/model.bin"}
	if got := s.Status(); got != StatusUnavailable {
		t.Errorf("expected unavailable, got %s", got)
	}

	s.exe = "/usr/bin/true"
	if got := s.Status(); got != StatusModelMissing {
		t.Errorf("expected model_missing, got %s", got)
	}
}
