// Package control implements the file-based command channel between the
// test harness and the scripted model layer. The harness appends one
// expression per line to control.txt in the work directory; the backend
// reads newly appended lines on every event-loop wake and hands them to the
// script bridge. Lines starting with "# " are log passthrough. The format is
// internal and unversioned.
package control

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ControlFile is the channel's file name inside the work directory.
const ControlFile = "control.txt"

// Reader tails the control file. The file is recreated empty at startup so
// stale commands from a previous run are never replayed.
type Reader struct {
	file    *os.File
	pending []byte
}

// NewReader creates (truncating) the control file and opens it for tailing.
func NewReader(workDir string) (*Reader, error) {
	path := filepath.Join(workDir, ControlFile)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("control: create %s: %w", path, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("control: open %s: %w", path, err)
	}
	return &Reader{file: f}, nil
}

// Process reads newly appended lines and evaluates each complete one with
// eval. A trailing partial line is kept for the next call, so a command
// racing the harness's write is never evaluated half-formed.
func (r *Reader) Process(eval func(line string) error) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.file.Read(buf)
		if n > 0 {
			r.pending = append(r.pending, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}

	for {
		i := strings.IndexByte(string(r.pending), '\n')
		if i < 0 {
			return nil
		}
		line := strings.TrimRight(string(r.pending[:i]), "\r")
		r.pending = r.pending[i+1:]

		if line == "" {
			continue
		}
		if after, ok := strings.CutPrefix(line, "# "); ok {
			slog.Info("control: " + after)
			continue
		}

		slog.Debug("control: command", "line", line)
		if err := eval(line); err != nil {
			return err
		}
	}
}

// Close releases the reader's file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Writer is the harness side of the channel.
type Writer struct {
	file *os.File
}

// NewWriter opens the control file for appending.
func NewWriter(workDir string) (*Writer, error) {
	path := filepath.Join(workDir, ControlFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("control: open %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// WriteCmd appends one command line.
func (w *Writer) WriteCmd(line string) error {
	_, err := fmt.Fprintln(w.file, line)
	return err
}

// WriteLog appends a log passthrough line.
func (w *Writer) WriteLog(line string) error {
	_, err := fmt.Fprintf(w.file, "# %s\n", line)
	return err
}

// Close releases the writer's file.
func (w *Writer) Close() error {
	return w.file.Close()
}
