// Package config resolves, loads, validates, and defaults kiaanvoice configuration.
package config

import "time"

// Config is the immutable runtime snapshot handed to the voice manager at
// initialization.
type Config struct {
	Language               string   `mapstructure:"language"`
	UseOnDeviceRecognition bool     `mapstructure:"use_on_device_recognition"`
	EnableWakeWord         bool     `mapstructure:"enable_wake_word"`
	WakeWordPhrases        []string `mapstructure:"wake_word_phrases"`
	MaxRetries             int      `mapstructure:"max_retries"`
	RetryBaseDelayMS       int      `mapstructure:"retry_base_delay_ms"`
	MaxRetryDelayMS        int      `mapstructure:"max_retry_delay_ms"`
	SilenceTimeoutMS       int      `mapstructure:"silence_timeout_ms"`
	EnableHaptics          bool     `mapstructure:"enable_haptics"`
	EnableSoundEffects     bool     `mapstructure:"enable_sound_effects"`
	DebugMode              bool     `mapstructure:"debug_mode"`

	Recognizer  RecognizerConfig  `mapstructure:"recognizer"`
	Audio       AudioConfig       `mapstructure:"audio"`
	Speech      SpeechConfig      `mapstructure:"speech"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
}

// RecognizerConfig points at the streaming speech recognizer service.
type RecognizerConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	APIKey      string `mapstructure:"api_key"`
	Model       string `mapstructure:"model"`
	HealthGRPC  string `mapstructure:"health_grpc"`
	StopGraceMS int    `mapstructure:"stop_grace_ms"`
	SampleRate  int    `mapstructure:"sample_rate"`
}

// AudioConfig controls preferred and fallback input-source selection.
type AudioConfig struct {
	Input    string `mapstructure:"input"`
	Fallback string `mapstructure:"fallback"`
}

// SpeechConfig controls the text-to-speech command used for output.
type SpeechConfig struct {
	Command CommandConfig `mapstructure:"command"`
	Voice   string        `mapstructure:"voice"`
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// PermissionsConfig controls microphone consent handling.
type PermissionsConfig struct {
	RequireConsent bool   `mapstructure:"require_consent"`
	ConsentFile    string `mapstructure:"consent_file"`
}

// Warning is a non-fatal load/validation message.
type Warning struct {
	Line    int
	Message string
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

func (c Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayMS) * time.Millisecond
}

func (c Config) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMS) * time.Millisecond
}

func (c RecognizerConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMS) * time.Millisecond
}
