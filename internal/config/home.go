package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ProjectRoot returns the directory testfleet treats as the project root.
// Priority order:
//  1. TESTFLEET_HOME environment variable (if set)
//  2. Closest ancestor of the working directory holding a .testfleet
//     directory or a go.mod
//  3. Current working directory (fallback)
func ProjectRoot() (string, error) {
	if home := os.Getenv("TESTFLEET_HOME"); home != "" {
		return home, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	if root, ok := findProjectRoot(cwd); ok {
		return root, nil
	}
	return cwd, nil
}

// findProjectRoot walks up from start. A .testfleet directory wins over a
// go.mod at the same level.
func findProjectRoot(start string) (string, bool) {
	current := start
	for {
		if info, err := os.Stat(filepath.Join(current, ".testfleet")); err == nil && info.IsDir() {
			return current, true
		}
		if _, err := os.Stat(filepath.Join(current, "go.mod")); err == nil {
			return current, true
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		current = parent
	}
}

// ResolvePath anchors relative paths at root.
func ResolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
