// Package heartbeat implements the worker liveness channel.
//
// The arbiter creates an unlinked temporary file per worker and hands the
// descriptor to the child. The worker rewrites one byte of the file at a
// fixed interval; the arbiter only stats the descriptor, so observing a
// worker never blocks on it.
package heartbeat

import (
	"fmt"
	"os"
	"time"
)

// FD is the descriptor number the heartbeat file occupies in a child
// process (the first entry of exec.Cmd.ExtraFiles).
const FD = 3

// File is one end of a heartbeat channel. Both the arbiter and the worker
// hold a File backed by the same open file description.
type File struct {
	f    *os.File
	spin byte
}

// New creates a heartbeat file in dir (os.TempDir when empty). The file is
// unlinked immediately; it lives as long as a descriptor references it.
func New(dir string) (*File, error) {
	f, err := os.CreateTemp(dir, "gunicorn-hb-")
	if err != nil {
		return nil, fmt.Errorf("create heartbeat file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("unlink heartbeat file: %w", err)
	}
	h := &File{f: f}
	if err := h.Notify(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return h, nil
}

// Open wraps an inherited descriptor, normally FD.
func Open(fd uintptr) (*File, error) {
	f := os.NewFile(fd, "heartbeat")
	if f == nil {
		return nil, fmt.Errorf("invalid heartbeat descriptor %d", fd)
	}
	if _, err := f.Stat(); err != nil {
		return nil, fmt.Errorf("heartbeat descriptor %d: %w", fd, err)
	}
	return &File{f: f}, nil
}

// Notify records a heartbeat by rewriting the first byte, which bumps the
// file's modification time.
func (h *File) Notify() error {
	h.spin ^= 1
	if _, err := h.f.WriteAt([]byte{h.spin}, 0); err != nil {
		return fmt.Errorf("heartbeat notify: %w", err)
	}
	return nil
}

// LastUpdate returns the time of the most recent Notify from either side.
func (h *File) LastUpdate() (time.Time, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat stat: %w", err)
	}
	return fi.ModTime(), nil
}

// File exposes the descriptor so it can be passed to a child process.
func (h *File) File() *os.File { return h.f }

func (h *File) Close() error { return h.f.Close() }
