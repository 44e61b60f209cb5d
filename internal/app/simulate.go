package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rbright/kiaanvoice/internal/capture"
	"github.com/rbright/kiaanvoice/internal/config"
	"github.com/rbright/kiaanvoice/internal/speech"
	"github.com/rbright/kiaanvoice/internal/voice"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
)

const (
	defaultUtterance    = "what is inner peace"
	simulateStepTimeout = 5 * time.Second
	simulatePerWord     = 40 * time.Millisecond
)

type grantedPermissions struct{}

func (grantedPermissions) Granted() (bool, error) { return true, nil }
func (grantedPermissions) Grant() error           { return nil }

func (r Runner) commandSimulate(ctx context.Context, cfg config.Config, utterance string, logger *slog.Logger) int {
	if err := simulate(ctx, cfg, utterance, logger, r.Stdout); err != nil {
		fmt.Fprintf(r.Stderr, "error: simulate: %v\n", err)
		return 1
	}
	return 0
}

// simulate drives one scripted voice turn through a real manager without
// touching audio hardware, writing every event to out as a JSON line. With
// wake word enabled the turn starts from a spoken wake phrase; otherwise it
// starts with push-to-talk.
func simulate(ctx context.Context, cfg config.Config, utterance string, logger *slog.Logger, out io.Writer) error {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		utterance = defaultUtterance
	}

	recognizer := capture.NewScripted()
	mgr := voice.New(voice.Deps{
		Logger:      logger,
		Recognizer:  recognizer,
		Synthesizer: &speech.Silent{PerWord: simulatePerWord},
		Permissions: grantedPermissions{},
		Precheck:    func(context.Context, config.Config) *voiceerr.Error { return nil },
	})
	defer func() { _ = mgr.Destroy(context.Background()) }()

	enc := json.NewEncoder(out)
	events := make(chan voice.Event, 256)
	unsub := mgr.Subscribe(func(ev voice.Event) {
		_ = enc.Encode(ev)
		select {
		case events <- ev:
		default:
		}
	})
	defer unsub()

	if err := mgr.Initialize(ctx, cfg); err != nil {
		return err
	}

	words := strings.Fields(utterance)
	command := []capture.Step{capture.PartialStep(words[0]), capture.FinalStep(utterance)}

	if cfg.EnableWakeWord && len(cfg.WakeWordPhrases) > 0 {
		recognizer.Enqueue(capture.PartialStep(cfg.WakeWordPhrases[0]))
		recognizer.Enqueue(command...)
		if err := mgr.EnableWakeWord(ctx); err != nil {
			return err
		}
		if _, err := awaitEvent(ctx, events, voice.EventWakeWordDetected); err != nil {
			return err
		}
	} else {
		recognizer.Enqueue(command...)
		if err := mgr.Activate(ctx); err != nil {
			return err
		}
	}

	transcript, err := awaitEvent(ctx, events, voice.EventTranscript)
	if err != nil {
		return err
	}

	if err := mgr.BeginThinking(ctx); err != nil {
		return err
	}
	if err := mgr.Speak(ctx, "You said: "+transcript.Text); err != nil {
		return err
	}
	if _, err := awaitEvent(ctx, events, voice.EventSpeakingEnd); err != nil {
		return err
	}

	logger.Info("simulation complete", "state", mgr.State(), "transcript", transcript.Text)
	return nil
}

// awaitEvent waits for the next event of type want, skipping non-final
// transcripts. A terminal error event ends the wait.
func awaitEvent(ctx context.Context, events <-chan voice.Event, want voice.EventType) (voice.Event, error) {
	timeout := time.NewTimer(simulateStepTimeout)
	defer timeout.Stop()

	for {
		select {
		case ev := <-events:
			if ev.Type == voice.EventError && ev.Err != nil {
				return ev, ev.Err
			}
			if ev.Type != want {
				continue
			}
			if ev.Type == voice.EventTranscript && !ev.IsFinal {
				continue
			}
			return ev, nil
		case <-timeout.C:
			return voice.Event{}, fmt.Errorf("timed out waiting for %s event", want)
		case <-ctx.Done():
			return voice.Event{}, ctx.Err()
		}
	}
}
