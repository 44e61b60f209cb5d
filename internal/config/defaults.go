package config

// DefaultWakeWordPhrases is the fixed phrase set used when none is configured.
var DefaultWakeWordPhrases = []string{"hey kiaan", "ok kiaan", "hi kiaan"}

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	speech := "espeak-ng"

	return Config{
		Language:               "en-US",
		UseOnDeviceRecognition: true,
		EnableWakeWord:         true,
		WakeWordPhrases:        append([]string(nil), DefaultWakeWordPhrases...),
		MaxRetries:             3,
		RetryBaseDelayMS:       500,
		MaxRetryDelayMS:        8000,
		SilenceTimeoutMS:       2000,
		EnableHaptics:          true,
		EnableSoundEffects:     true,
		DebugMode:              false,
		Recognizer: RecognizerConfig{
			Endpoint:    "ws://127.0.0.1:2700/v1/listen",
			HealthGRPC:  "",
			StopGraceMS: 1500,
			SampleRate:  16000,
		},
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
		},
		Speech: SpeechConfig{
			Command: CommandConfig{Raw: speech, Argv: mustParseArgv(speech)},
		},
		Permissions: PermissionsConfig{
			RequireConsent: true,
		},
	}
}
