package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. KIAANVOICE_MAX_RETRIES.
const EnvPrefix = "KIAANVOICE"

// Loaded captures resolved config path, parsed values, and non-fatal warnings.
type Loaded struct {
	Path     string
	Config   Config
	Warnings []Warning
	Exists   bool
}

// Load resolves, reads, decodes, and validates the runtime configuration.
func Load(explicitPath string) (Loaded, error) {
	resolvedPath, err := ResolvePath(explicitPath)
	if err != nil {
		return Loaded{}, err
	}

	v := newViper()
	v.SetConfigFile(resolvedPath)

	exists := true
	var warnings []Warning
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return Loaded{}, fmt.Errorf("parse config %q: %w", resolvedPath, err)
		}
		exists = false
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("config file %q not found; using defaults", resolvedPath),
		})
	}

	cfg, err := decode(v)
	if err != nil {
		return Loaded{}, fmt.Errorf("decode config %q: %w", resolvedPath, err)
	}

	validated, err := Validate(cfg)
	if err != nil {
		return Loaded{}, fmt.Errorf("invalid config %q: %w", resolvedPath, err)
	}

	return Loaded{
		Path:     resolvedPath,
		Config:   cfg,
		Warnings: append(warnings, validated...),
		Exists:   exists,
	}, nil
}

// newViper builds a viper instance seeded with every default key so env
// overrides resolve even without a config file.
func newViper() *viper.Viper {
	d := Default()
	v := viper.New()

	v.SetDefault("language", d.Language)
	v.SetDefault("use_on_device_recognition", d.UseOnDeviceRecognition)
	v.SetDefault("enable_wake_word", d.EnableWakeWord)
	v.SetDefault("wake_word_phrases", d.WakeWordPhrases)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_base_delay_ms", d.RetryBaseDelayMS)
	v.SetDefault("max_retry_delay_ms", d.MaxRetryDelayMS)
	v.SetDefault("silence_timeout_ms", d.SilenceTimeoutMS)
	v.SetDefault("enable_haptics", d.EnableHaptics)
	v.SetDefault("enable_sound_effects", d.EnableSoundEffects)
	v.SetDefault("debug_mode", d.DebugMode)
	v.SetDefault("recognizer.endpoint", d.Recognizer.Endpoint)
	v.SetDefault("recognizer.api_key", d.Recognizer.APIKey)
	v.SetDefault("recognizer.model", d.Recognizer.Model)
	v.SetDefault("recognizer.health_grpc", d.Recognizer.HealthGRPC)
	v.SetDefault("recognizer.stop_grace_ms", d.Recognizer.StopGraceMS)
	v.SetDefault("recognizer.sample_rate", d.Recognizer.SampleRate)
	v.SetDefault("audio.input", d.Audio.Input)
	v.SetDefault("audio.fallback", d.Audio.Fallback)
	v.SetDefault("speech.command", d.Speech.Command.Raw)
	v.SetDefault("speech.voice", d.Speech.Voice)
	v.SetDefault("permissions.require_consent", d.Permissions.RequireConsent)
	v.SetDefault("permissions.consent_file", d.Permissions.ConsentFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		commandConfigHook,
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return Config{}, err
	}
	cfg.Recognizer.APIKey = resolveEnvRef(cfg.Recognizer.APIKey)
	return cfg, nil
}

// commandConfigHook decodes a raw command string into its argv form.
func commandConfigHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(CommandConfig{}) || from.Kind() != reflect.String {
		return data, nil
	}
	raw := data.(string)
	argv, err := parseArgv(raw)
	if err != nil {
		return nil, err
	}
	return CommandConfig{Raw: raw, Argv: argv}, nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}
