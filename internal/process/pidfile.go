package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile is the arbiter's optional on-disk pid record.
type PIDFile struct {
	Path string
}

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	first, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	return pid, nil
}

// Create writes pid to the file. It refuses to overwrite a file that
// names another live process, which means an arbiter is already running.
func (p PIDFile) Create(pid int) error {
	if p.Path == "" {
		return nil
	}
	if old, err := ReadPIDFile(p.Path); err == nil && old != pid && Alive(old) {
		return fmt.Errorf("pidfile %s names running process %d", p.Path, old)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o750); err != nil {
		return fmt.Errorf("create pidfile dir: %w", err)
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// Remove deletes the file if it still holds pid.
func (p PIDFile) Remove(pid int) {
	if p.Path == "" {
		return
	}
	if cur, err := ReadPIDFile(p.Path); err == nil && cur == pid {
		_ = os.Remove(p.Path)
	}
}
