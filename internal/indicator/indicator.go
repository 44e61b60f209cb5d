// Package indicator plays the audible cues and haptic pulses that mark voice
// session milestones.
package indicator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/kiaanvoice/internal/logging"
)

// Cue identifies a session milestone.
type Cue int

const (
	CueListenStart Cue = iota + 1
	CueListenStop
	CueComplete
	CueError
)

func (c Cue) String() string {
	switch c {
	case CueListenStart:
		return "listen_start"
	case CueListenStop:
		return "listen_stop"
	case CueComplete:
		return "complete"
	case CueError:
		return "error"
	default:
		return "unknown"
	}
}

// Player renders mono 16-bit PCM cue samples.
type Player interface {
	Play(ctx context.Context, samples []int16) error
}

// Haptics emits a tactile pulse for a cue. Desktop hosts use NoopHaptics.
type Haptics interface {
	Pulse(ctx context.Context, cue Cue) error
}

// NoopHaptics discards every pulse.
type NoopHaptics struct{}

func (NoopHaptics) Pulse(context.Context, Cue) error { return nil }

// Options mirrors the enable_sound_effects / enable_haptics toggles.
type Options struct {
	Sound   bool
	Haptics bool
}

// Controller dispatches cues asynchronously and serializes playback.
type Controller struct {
	logger  *slog.Logger
	player  Player
	haptics Haptics

	mu   sync.Mutex
	opts Options

	playMu sync.Mutex
	wg     sync.WaitGroup
}

// New builds a cue controller. Nil player and haptics fall back to PulseAudio
// playback and no-op pulses.
func New(logger *slog.Logger, opts Options, player Player, haptics Haptics) *Controller {
	if player == nil {
		player = PulsePlayer{}
	}
	if haptics == nil {
		haptics = NoopHaptics{}
	}
	return &Controller{
		logger:  logging.Component(logger, "indicator"),
		player:  player,
		haptics: haptics,
		opts:    opts,
	}
}

// Configure swaps the toggles, typically on re-initialization.
func (c *Controller) Configure(opts Options) {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

// Options returns the active toggles.
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Cue emits cue without blocking the caller.
func (c *Controller) Cue(cue Cue) {
	opts := c.Options()
	if !opts.Sound && !opts.Haptics {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.playMu.Lock()
		defer c.playMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()

		if opts.Haptics {
			if err := c.haptics.Pulse(ctx, cue); err != nil {
				c.logger.Debug("haptic pulse failed", "cue", cue.String(), "error", err.Error())
			}
		}
		if opts.Sound {
			if err := c.player.Play(ctx, cueSamples(cue)); err != nil {
				c.logger.Debug("audio cue failed", "cue", cue.String(), "error", err.Error())
			}
		}
	}()
}

// Wait blocks until every dispatched cue has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}
