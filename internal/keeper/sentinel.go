package keeper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSentinelPath is where supervisors look for the completion marker.
const DefaultSentinelPath = "~/file.txt"

const sentinelContent = "done"

// ExpandHome resolves a leading "~" to the user's home directory.
func ExpandHome(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// WriteSentinel atomically writes the completion marker to path.
func WriteSentinel(path string) (string, error) {
	resolved, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	if resolved == "" {
		return "", fmt.Errorf("sentinel path required")
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", err
	}
	tmp := resolved + ".tmp"
	if err := os.WriteFile(tmp, []byte(sentinelContent), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, resolved); err != nil {
		return "", err
	}
	return resolved, nil
}
