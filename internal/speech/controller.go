// Package speech plays text-to-speech output, one utterance at a time.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/kiaanvoice/internal/logging"
)

// flushTimeout bounds how long a new utterance waits for the flushed one to
// release the audio device.
const flushTimeout = 2 * time.Second

// ErrEmptyText is returned when Speak is given only whitespace.
var ErrEmptyText = errors.New("nothing to speak")

// Options select the voice for synthesis.
type Options struct {
	Language string
	Voice    string
}

// Synthesizer renders text to audio. Say blocks until playback finishes and
// must return promptly once ctx is cancelled.
type Synthesizer interface {
	Say(ctx context.Context, text string, opts Options) error
}

// Callbacks observe one utterance's lifecycle. Both run on the playback
// goroutine.
type Callbacks struct {
	Started  func(gen uint64)
	Finished func(gen uint64, err error)
}

type utterance struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller guarantees at most one audible utterance.
type Controller struct {
	logger *slog.Logger
	synth  Synthesizer
	opts   Options

	mu      sync.Mutex
	gen     uint64
	current *utterance
}

// NewController wraps synth.
func NewController(logger *slog.Logger, synth Synthesizer, opts Options) *Controller {
	return &Controller{
		logger: logging.Component(logger, "speech"),
		synth:  synth,
		opts:   opts,
	}
}

// Speak flushes any utterance in flight and starts text. It returns the new
// utterance generation without waiting for playback.
func (c *Controller) Speak(ctx context.Context, text string, cb Callbacks) (uint64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, ErrEmptyText
	}

	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.gen++
	gen := c.gen
	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u := &utterance{gen: gen, cancel: cancel, done: make(chan struct{})}
	c.current = u
	c.mu.Unlock()

	if prev != nil {
		c.logger.Debug("flushing utterance", "generation", prev.gen)
		prev.cancel()
		select {
		case <-prev.done:
		case <-time.After(flushTimeout):
			c.logger.Warn("flushed utterance did not stop in time", "generation", prev.gen)
		}
	}

	go c.play(playCtx, u, text, cb)
	return gen, nil
}

func (c *Controller) play(ctx context.Context, u *utterance, text string, cb Callbacks) {
	defer close(u.done)
	defer u.cancel()

	if cb.Started != nil {
		cb.Started(u.gen)
	}
	start := time.Now()
	err := c.synth.Say(ctx, text, c.opts)
	if ctx.Err() != nil {
		err = context.Canceled
	}

	c.mu.Lock()
	if c.current == u {
		c.current = nil
	}
	c.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("utterance failed", "generation", u.gen, "error", err.Error())
	} else {
		c.logger.Debug("utterance ended",
			"generation", u.gen,
			"duration_ms", time.Since(start).Milliseconds(),
			"cancelled", err != nil,
		)
	}

	if cb.Finished != nil {
		cb.Finished(u.gen, err)
	}
}

// Stop cancels the utterance in flight. It reports whether anything was
// playing; calling it when idle is a no-op.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	u := c.current
	c.current = nil
	c.mu.Unlock()

	if u == nil {
		return false
	}
	u.cancel()
	return true
}

// IsCurrent reports whether gen is still the audible utterance.
func (c *Controller) IsCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.gen == gen
}

// Speaking reports whether an utterance is in flight.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}
