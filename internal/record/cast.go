// Package record writes session transcripts in asciinema v2 format.
package record

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// header is the asciinema v2 file header, written as the first JSON line.
type header struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// Cast records one session's terminal traffic as asciinema v2 JSON lines:
// a header followed by [offset, "o"|"i", data] events.
type Cast struct {
	w     io.Writer
	file  *os.File
	start time.Time
	mu    sync.Mutex
}

// Create opens a cast file and writes the header.
func Create(path string, cols, rows uint16) (*Cast, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create cast file: %w", err)
	}
	c := &Cast{w: file, file: file, start: time.Now()}
	if err := c.writeHeader(int(cols), int(rows)); err != nil {
		file.Close()
		return nil, err
	}
	return c, nil
}

// NewWithWriter records to an arbitrary writer. Used by tests.
func NewWithWriter(w io.Writer, cols, rows uint16) (*Cast, error) {
	c := &Cast{w: w, start: time.Now()}
	if err := c.writeHeader(int(cols), int(rows)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cast) writeHeader(cols, rows int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(header{Version: 2, Width: cols, Height: rows, Timestamp: c.start.Unix()})
	if err != nil {
		return err
	}
	_, err = c.w.Write(append(data, '\n'))
	return err
}

// Output records bytes the process wrote to the terminal.
func (c *Cast) Output(data []byte) error { return c.event("o", data) }

// Input records bytes a client typed.
func (c *Cast) Input(data []byte) error { return c.event("i", data) }

func (c *Cast) event(kind string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := json.Marshal([]any{time.Since(c.start).Seconds(), kind, string(data)})
	if err != nil {
		return err
	}
	_, err = c.w.Write(append(line, '\n'))
	return err
}

// Close flushes and closes the underlying file, if any.
func (c *Cast) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}
