package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath applies CLI/XDG/home fallback rules for config.yaml location.
func ResolvePath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		return explicit, nil
	}

	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "kiaanvoice", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for config fallback")
	}

	return filepath.Join(home, ".config", "kiaanvoice", "config.yaml"), nil
}

// ResolveConsentPath returns the configured consent marker path or the XDG
// state default.
func ResolveConsentPath(cfg PermissionsConfig) (string, error) {
	if p := strings.TrimSpace(cfg.ConsentFile); p != "" {
		return p, nil
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return filepath.Join(xdg, "kiaanvoice", "microphone-consent"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New("unable to resolve user home for consent fallback")
	}
	return filepath.Join(home, ".local", "state", "kiaanvoice", "microphone-consent"), nil
}
