package command

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// validScriptID checks that a script ID is safe to use as a filename component.
func validScriptID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return false
	}
	return true
}

// FileBridge keeps large script bodies in a directory the runner can read.
type FileBridge struct {
	dir string
	mu  sync.Mutex
}

// NewFileBridge creates a bridge rooted at dir.
// It ensures the directory exists.
func NewFileBridge(dir string) (*FileBridge, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bridge dir: %w", err)
	}
	return &FileBridge{dir: dir}, nil
}

// Dir returns the bridge directory.
func (b *FileBridge) Dir() string { return b.dir }

// Write stores code for scriptID, replacing any earlier copy.
func (b *FileBridge) Write(scriptID, code string) (string, error) {
	if !validScriptID(scriptID) {
		return "", fmt.Errorf("invalid script id: %q", scriptID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.dir, scriptID+".src")
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("write bridge file: %w", err)
	}
	return path, nil
}

// Remove deletes the bridge copy of a script. A missing file is not an error.
func (b *FileBridge) Remove(scriptID string) error {
	if !validScriptID(scriptID) {
		return fmt.Errorf("invalid script id: %q", scriptID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	err := os.Remove(filepath.Join(b.dir, scriptID+".src"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete bridge file: %w", err)
	}
	return nil
}
