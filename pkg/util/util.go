package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// HasTrailingSeparator reports whether the path is expressed with a trailing
// path separator. The invocation contract requires source and destination
// paths to carry one so that external tools treat them as directories.
func HasTrailingSeparator(path string) bool {
	if path == "" {
		return false
	}
	return os.IsPathSeparator(path[len(path)-1])
}

// NormalizePath converts a path to use forward slashes, for use as a
// platform-independent key (e.g. tar entry names). NOT for direct FS access.
func NormalizePath(path string) string {
	return filepath.ToSlash(path)
}
