package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - AMBER_CONFIG_PATH: config file location (default: ~/.config/amber.toml)
//   - AMBER_HOME: base directory for amber data (default: ~/.local/share/amber)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking AMBER_CONFIG_PATH first,
// then falling back to ~/.config/amber.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("AMBER_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "amber.toml"), nil
}

// getBaseDir returns the base directory for amber data, checking AMBER_HOME
// first, then falling back to the XDG default ~/.local/share/amber.
func getBaseDir() (string, error) {
	if path := os.Getenv("AMBER_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "amber"), nil
}
