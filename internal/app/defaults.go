package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths are the locations daysync uses when the config does not say otherwise.
type Paths struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// DefaultPaths resolves Paths from the environment.
//
// DAYSYNC_CONFIG_PATH names the config file and DAYSYNC_HOME the data
// directory. Without them the XDG directories are used, so the config lives in
// $XDG_CONFIG_HOME/daysync.toml and the data in $XDG_DATA_HOME/daysync, each
// falling back to its usual location under the home directory.
func DefaultPaths() (Paths, error) {
	configPath, err := resolve("DAYSYNC_CONFIG_PATH", "XDG_CONFIG_HOME", ".config", "daysync.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := resolve("DAYSYNC_HOME", "XDG_DATA_HOME", filepath.Join(".local", "share"), "daysync")
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

// resolve returns $override if set, else name inside $xdg, else name inside
// homeRel under the home directory.
func resolve(override, xdg, homeRel, name string) (string, error) {
	if path := os.Getenv(override); path != "" {
		return path, nil
	}
	if dir := os.Getenv(xdg); dir != "" {
		return filepath.Join(dir, name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving %s: no home directory: %w", name, err)
	}
	return filepath.Join(home, homeRel, name), nil
}
