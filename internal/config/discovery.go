package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "COURIER_CONFIG"

// SearchPaths returns the candidate config files in discovery order, after
// the explicit flag and $COURIER_CONFIG.
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "courier", "config.yaml"))
	}
	return append(paths, "courier.yaml")
}

// Discover resolves which config file to load. An explicit path or
// $COURIER_CONFIG must exist; the search paths are optional. It returns ""
// when nothing was found and defaults should be used.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if !fileExists(explicit) {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		if !fileExists(env) {
			return "", fmt.Errorf("$%s points to a missing file: %s", EnvConfigPath, env)
		}
		return env, nil
	}
	for _, p := range SearchPaths() {
		if fileExists(p) {
			return p, nil
		}
	}
	return "", nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
