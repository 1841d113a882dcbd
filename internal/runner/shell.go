package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultShellCandidates lists shells in installation-preference order.
var DefaultShellCandidates = []string{
	"/data/data/com.termux/files/usr/bin/bash",
	"/usr/local/bin/bash",
	"/usr/bin/bash",
	"/bin/bash",
	"/bin/sh",
}

// ResolveShell returns the first candidate that is an executable file.
func ResolveShell(candidates []string) (string, error) {
	for _, c := range candidates {
		if !filepath.IsAbs(c) {
			continue
		}
		fi, err := os.Stat(c)
		if err != nil || fi.IsDir() {
			continue
		}
		if fi.Mode().Perm()&0o111 == 0 {
			continue
		}
		return c, nil
	}
	return "", fmt.Errorf("no shell among %v: %w", candidates, ErrRunnerMissing)
}
