// Package precheck runs the capability checks that gate initialization and
// recovery, and reports the first blocking failure as a typed voice error.
package precheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/rbright/kiaanvoice/internal/audio"
	"github.com/rbright/kiaanvoice/internal/config"
	"github.com/rbright/kiaanvoice/internal/logging"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
)

// Check is one capability assertion result.
type Check struct {
	Name    string
	Pass    bool
	Warn    bool
	Message string
	Err     *voiceerr.Error
}

// Report is the full check output.
type Report struct {
	Checks []Check
}

// OK returns true when no check failed.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// FirstError returns the first blocking failure, or nil.
func (r Report) FirstError() *voiceerr.Error {
	for _, check := range r.Checks {
		if !check.Pass && check.Err != nil {
			return check.Err
		}
	}
	return nil
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		switch {
		case !check.Pass:
			status = "FAIL"
		case check.Warn:
			status = "WARN"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Probes are the platform lookups a Checker performs. Nil fields use the
// live implementations.
type Probes struct {
	Microphone func(ctx context.Context, input, fallback string) (audio.Selection, error)
	LookPath   func(file string) (string, error)
	Health     func(ctx context.Context, target string) (string, error)
}

// Grants reports whether the user allowed microphone capture.
type Grants interface {
	Granted() (bool, error)
}

// Checker runs the checks for one config snapshot.
type Checker struct {
	cfg     config.Config
	consent Grants
	probes  Probes
	logger  *slog.Logger
}

// New builds a checker for cfg.
func New(cfg config.Config, consent Grants, probes Probes, logger *slog.Logger) *Checker {
	if probes.Microphone == nil {
		probes.Microphone = audio.SelectDevice
	}
	if probes.LookPath == nil {
		probes.LookPath = exec.LookPath
	}
	logger = logging.Component(logger, "precheck")
	if probes.Health == nil {
		probes.Health = func(ctx context.Context, target string) (string, error) {
			return ProbeHealth(ctx, target, logger)
		}
	}
	return &Checker{cfg: cfg, consent: consent, probes: probes, logger: logger}
}

// Run executes every check in order and returns the report with its first
// blocking failure.
func (c *Checker) Run(ctx context.Context) (Report, *voiceerr.Error) {
	checks := []Check{
		c.checkConsent(),
		c.checkMicrophone(ctx),
		c.checkRecognizerEndpoint(),
		c.checkOnDevice(),
		c.checkRecognizerHealth(ctx),
		c.checkSpeechCommand(),
	}
	report := Report{Checks: checks}

	for _, check := range checks {
		switch {
		case !check.Pass:
			c.logger.Warn("precheck failed", "check", check.Name, "message", check.Message)
		case check.Warn:
			c.logger.Warn("precheck warning", "check", check.Name, "message", check.Message)
		default:
			c.logger.Debug("precheck passed", "check", check.Name, "message", check.Message)
		}
	}
	return report, report.FirstError()
}

func (c *Checker) checkConsent() Check {
	granted, err := c.consent.Granted()
	if err != nil {
		return fail("permissions", voiceerr.Wrap(voiceerr.KindPermissionDenied, err))
	}
	if !granted {
		return fail("permissions", voiceerr.New(voiceerr.KindPermissionDenied,
			"microphone access not granted; run `kiaanvoice permissions grant`"))
	}
	return Check{Name: "permissions", Pass: true, Message: "microphone access granted"}
}

func (c *Checker) checkMicrophone(ctx context.Context) Check {
	selection, err := c.probes.Microphone(ctx, c.cfg.Audio.Input, c.cfg.Audio.Fallback)
	if err != nil {
		kind := voiceerr.KindAudioError
		if errors.Is(err, audio.ErrNoDevices) || strings.Contains(err.Error(), "connect pulse server") {
			kind = voiceerr.KindMicrophoneUnavailable
		}
		return fail("audio.device", voiceerr.Wrap(kind, err))
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		return Check{Name: "audio.device", Pass: true, Warn: true, Message: message + " (" + selection.Warning + ")"}
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

func (c *Checker) checkRecognizerEndpoint() Check {
	endpoint := strings.TrimSpace(c.cfg.Recognizer.Endpoint)
	if endpoint == "" {
		return fail("recognizer.endpoint", voiceerr.New(voiceerr.KindSpeechRecognitionUnavailable, "recognizer.endpoint is empty"))
	}
	return Check{Name: "recognizer.endpoint", Pass: true, Message: endpoint}
}

// checkOnDevice never blocks: a remote endpoint downgrades to server
// recognition.
func (c *Checker) checkOnDevice() Check {
	if !c.cfg.UseOnDeviceRecognition {
		return Check{Name: "recognizer.on_device", Pass: true, Message: "server recognition selected"}
	}
	if config.IsLoopbackEndpoint(c.cfg.Recognizer.Endpoint) {
		return Check{Name: "recognizer.on_device", Pass: true, Message: "local recognizer"}
	}
	ve := voiceerr.New(voiceerr.KindOnDeviceRecognitionUnavailable, "no local recognizer; using server recognition")
	return Check{Name: "recognizer.on_device", Pass: true, Warn: true, Message: ve.Message, Err: ve}
}

func (c *Checker) checkRecognizerHealth(ctx context.Context) Check {
	target := strings.TrimSpace(c.cfg.Recognizer.HealthGRPC)
	if target == "" {
		return Check{Name: "recognizer.health", Pass: true, Message: "no health endpoint configured"}
	}
	status, err := c.probes.Health(ctx, target)
	if err != nil {
		return fail("recognizer.health", voiceerr.Classify(err))
	}
	return Check{Name: "recognizer.health", Pass: true, Message: fmt.Sprintf("%s at %s", status, target)}
}

// checkSpeechCommand warns only: voice input works without speech output.
func (c *Checker) checkSpeechCommand() Check {
	argv := c.cfg.Speech.Command.Argv
	if len(argv) == 0 {
		return Check{Name: "speech.command", Pass: true, Warn: true, Message: "speech command is empty"}
	}
	path, err := c.probes.LookPath(argv[0])
	if err != nil {
		return Check{Name: "speech.command", Pass: true, Warn: true, Message: fmt.Sprintf("binary not found in PATH: %s", argv[0])}
	}
	return Check{Name: "speech.command", Pass: true, Message: fmt.Sprintf("found at %s", path)}
}

func fail(name string, err *voiceerr.Error) Check {
	return Check{Name: name, Pass: false, Message: err.Message, Err: err}
}
