package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePathPrecedence(t *testing.T) {
	explicit := "/tmp/custom.yaml"
	resolved, err := ResolvePath(explicit)
	require.NoError(t, err)
	require.Equal(t, explicit, resolved)

	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(xdg, "kiaanvoice", "config.yaml"), resolved)

	t.Setenv("XDG_CONFIG_HOME", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	resolved, err = ResolvePath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".config", "kiaanvoice", "config.yaml"), resolved)
}

func TestLoadMissingConfigUsesDefaultsWithWarning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, loaded.Path)
	require.False(t, loaded.Exists)
	require.Equal(t, Default(), loaded.Config)
	require.NotEmpty(t, loaded.Warnings)
	require.Contains(t, loaded.Warnings[0].Message, "not found")
}

func TestLoadExistingYAMLDecodesAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
language: de-DE
max_retries: 5
retry_base_delay_ms: 250
wake_word_phrases:
  - hallo kiaan
recognizer:
  endpoint: ws://127.0.0.1:9999/listen
  api_key: ${KIAAN_TEST_KEY}
speech:
  command: espeak-ng -v "de"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	t.Setenv("KIAAN_TEST_KEY", "secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.True(t, loaded.Exists)
	require.Equal(t, "de-DE", loaded.Config.Language)
	require.Equal(t, 5, loaded.Config.MaxRetries)
	require.Equal(t, 250, loaded.Config.RetryBaseDelayMS)
	require.Equal(t, 8000, loaded.Config.MaxRetryDelayMS)
	require.Equal(t, []string{"hallo kiaan"}, loaded.Config.WakeWordPhrases)
	require.Equal(t, "ws://127.0.0.1:9999/listen", loaded.Config.Recognizer.Endpoint)
	require.Equal(t, "secret", loaded.Config.Recognizer.APIKey)
	require.Equal(t, []string{"espeak-ng", "-v", "de"}, loaded.Config.Speech.Command.Argv)
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	t.Setenv("KIAANVOICE_SILENCE_TIMEOUT_MS", "3500")

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3500, loaded.Config.SilenceTimeoutMS)
}

func TestLoadParseErrorIncludesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("language: [unterminated\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
	require.Contains(t, err.Error(), path)
}

func TestLoadInvalidValueFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("silence_timeout_ms: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "silence_timeout_ms")
}
