package precheck

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbright/kiaanvoice/internal/config"
)

// Consent records whether the user allowed microphone access. Desktop audio
// servers do not gate capture per application, so consent is a marker file.
type Consent struct {
	Required bool
	Path     string
}

// NewConsent resolves the marker path for cfg.
func NewConsent(cfg config.PermissionsConfig) (Consent, error) {
	path, err := config.ResolveConsentPath(cfg)
	if err != nil {
		return Consent{}, err
	}
	return Consent{Required: cfg.RequireConsent, Path: path}, nil
}

// Granted reports whether capture is allowed.
func (c Consent) Granted() (bool, error) {
	if !c.Required {
		return true, nil
	}
	_, err := os.Stat(c.Path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("read consent marker %q: %w", c.Path, err)
	}
}

// Grant writes the consent marker.
func (c Consent) Grant() error {
	if !c.Required {
		return nil
	}
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("consent marker path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
		return fmt.Errorf("create consent dir: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(c.Path, []byte(stamp), 0o600); err != nil {
		return fmt.Errorf("write consent marker: %w", err)
	}
	return nil
}

// Revoke removes the consent marker.
func (c Consent) Revoke() error {
	if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove consent marker: %w", err)
	}
	return nil
}
