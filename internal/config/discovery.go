package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "PIPEPULSE_CONFIG"

// Discover finds the config file to load.
// Priority order: explicit path, $PIPEPULSE_CONFIG, ./pipepulse.yaml,
// ~/.config/pipepulse/pipepulse.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}

	candidates := []string{DefaultFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "pipepulse", DefaultFileName))
	}

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}

	return "", fmt.Errorf("no config file found (tried --config, $%s, %v)", EnvConfigPath, candidates)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
