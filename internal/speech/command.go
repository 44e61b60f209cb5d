package speech

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// CommandSynthesizer speaks by running an external TTS command per
// utterance. Argv may contain {voice}, {language}, and {text} placeholders;
// without {text} the utterance is written to stdin.
type CommandSynthesizer struct {
	Argv []string
}

// NewCommandSynthesizer builds a synthesizer for argv (espeak-ng by default).
func NewCommandSynthesizer(argv []string) *CommandSynthesizer {
	return &CommandSynthesizer{Argv: append([]string(nil), argv...)}
}

func (s *CommandSynthesizer) Say(ctx context.Context, text string, opts Options) error {
	argv, stdin := expandArgv(s.Argv, text, opts)
	return runCommandWithInput(ctx, argv, stdin)
}

// expandArgv substitutes placeholders and reports the stdin payload.
func expandArgv(argv []string, text string, opts Options) ([]string, string) {
	voice := opts.Voice
	if voice == "" {
		voice = strings.ToLower(opts.Language)
	}

	out := make([]string, 0, len(argv)+2)
	usesText := false
	usesVoice := false
	for _, arg := range argv {
		if strings.Contains(arg, "{text}") {
			usesText = true
		}
		if strings.Contains(arg, "{voice}") {
			usesVoice = true
		}
		arg = strings.ReplaceAll(arg, "{voice}", voice)
		arg = strings.ReplaceAll(arg, "{language}", opts.Language)
		arg = strings.ReplaceAll(arg, "{text}", text)
		out = append(out, arg)
	}

	if !usesVoice && voice != "" && len(out) > 0 && isEspeak(out[0]) {
		out = append(out[:1], append([]string{"-v", voice}, out[1:]...)...)
	}
	if usesText {
		return out, ""
	}
	return out, text
}

func isEspeak(bin string) bool {
	base := bin[strings.LastIndex(bin, "/")+1:]
	return base == "espeak" || base == "espeak-ng"
}

// runCommandWithInput executes argv, writing input to stdin, and kills the
// process when ctx is cancelled.
func runCommandWithInput(ctx context.Context, argv []string, input string) error {
	if len(argv) == 0 {
		return fmt.Errorf("speech command argv cannot be empty")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open stdin for %s: %w", argv[0], err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start command %s: %w", argv[0], err)
	}

	if input != "" {
		if _, err := stdin.Write([]byte(input)); err != nil {
			_ = stdin.Close()
			_ = cmd.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("write stdin for %s: %w", argv[0], err)
		}
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("wait for %s: %w", argv[0], err)
	}
	return nil
}

// Silent is a synthesizer that produces no audio. Each utterance lasts
// PerWord per word, so lifecycle timing stays realistic in tests and
// simulations.
type Silent struct {
	PerWord time.Duration

	mu     sync.Mutex
	spoken []string
}

func (s *Silent) Say(ctx context.Context, text string, _ Options) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()

	d := time.Duration(len(strings.Fields(text))) * s.PerWord
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Spoken returns every utterance passed to Say, in order.
func (s *Silent) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}
