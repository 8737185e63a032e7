// ABOUTME: Default config and data locations following the XDG base directory layout.
// ABOUTME: GANTRY_CONFIG overrides the config file path.

package config

import (
	"os"
	"path/filepath"
)

// Path returns the path of the named config file.
// Priority: GANTRY_CONFIG env var > XDG_CONFIG_HOME/gantry/name > ~/.config/gantry/name
func Path(name string) string {
	if envPath := os.Getenv("GANTRY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return name
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "gantry", name)
}

// DataPath returns the gantry data directory.
// Priority: XDG_DATA_HOME/gantry > ~/.local/share/gantry
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "gantry")
}
