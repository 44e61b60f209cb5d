package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Language) == "" {
		return nil, fmt.Errorf("language must not be empty")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0")
	}
	if cfg.RetryBaseDelayMS <= 0 {
		return nil, fmt.Errorf("retry_base_delay_ms must be > 0")
	}
	if cfg.MaxRetryDelayMS < cfg.RetryBaseDelayMS {
		return nil, fmt.Errorf("max_retry_delay_ms must be >= retry_base_delay_ms")
	}
	if cfg.SilenceTimeoutMS <= 0 {
		return nil, fmt.Errorf("silence_timeout_ms must be > 0")
	}
	if cfg.Recognizer.StopGraceMS < 0 {
		return nil, fmt.Errorf("recognizer.stop_grace_ms must be >= 0")
	}
	if cfg.Recognizer.SampleRate <= 0 {
		return nil, fmt.Errorf("recognizer.sample_rate must be > 0")
	}
	if strings.TrimSpace(cfg.Recognizer.Endpoint) == "" {
		return nil, fmt.Errorf("recognizer.endpoint must not be empty")
	}
	u, err := url.Parse(cfg.Recognizer.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("recognizer.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("recognizer.endpoint must use ws:// or wss://")
	}
	if len(cfg.Speech.Command.Argv) == 0 {
		return nil, fmt.Errorf("speech.command must not be empty")
	}

	phrases, phraseWarnings := NormalizePhrases(cfg.WakeWordPhrases)
	warnings = append(warnings, phraseWarnings...)
	if cfg.EnableWakeWord && len(phrases) == 0 {
		return nil, fmt.Errorf("wake_word_phrases must not be empty when enable_wake_word=true")
	}

	if cfg.UseOnDeviceRecognition && !IsLoopbackEndpoint(cfg.Recognizer.Endpoint) {
		warnings = append(warnings, Warning{Message: fmt.Sprintf(
			"use_on_device_recognition=true but recognizer.endpoint %q is not local; server recognition will be used",
			cfg.Recognizer.Endpoint,
		)})
	}
	if cfg.MaxRetries == 0 {
		warnings = append(warnings, Warning{Message: "max_retries=0 disables automatic recovery"})
	}

	return warnings, nil
}

// NormalizePhrases lower-cases, trims, and collapses whitespace in wake
// phrases, dropping empties and duplicates with a warning for each.
func NormalizePhrases(raw []string) ([]string, []Warning) {
	var (
		out      []string
		warnings []Warning
		seen     = make(map[string]struct{}, len(raw))
	)
	for _, phrase := range raw {
		norm := NormalizePhrase(phrase)
		if norm == "" {
			warnings = append(warnings, Warning{Message: "ignoring empty wake word phrase"})
			continue
		}
		if _, dup := seen[norm]; dup {
			warnings = append(warnings, Warning{Message: fmt.Sprintf("duplicate wake word phrase %q", norm)})
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out, warnings
}

// NormalizePhrase folds one phrase into matching form.
func NormalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// IsLoopbackEndpoint reports whether endpoint resolves to this machine.
func IsLoopbackEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
