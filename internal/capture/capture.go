// Package capture wraps a speech recognizer session so every session ends
// in exactly one outcome, even when the recognizer misbehaves.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbright/kiaanvoice/internal/logging"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
)

// DefaultStopGrace bounds how long Stop waits for the recognizer to resolve.
const DefaultStopGrace = 1500 * time.Millisecond

// ErrNoSession is returned by Stop when no session with the generation is open.
var ErrNoSession = errors.New("no open capture session")

type Purpose string

const (
	PurposeCommand  Purpose = "command"
	PurposeWakeWord Purpose = "wake_word"
)

// Options configures one recognizer session.
type Options struct {
	Language  string
	OnDevice  bool
	Purpose   Purpose
	SessionID string
}

// Sink receives recognizer events. Implementations may call it from any
// goroutine.
type Sink interface {
	Partial(text string)
	Final(text string)
	Fail(err error)
}

// Session is an open recognizer session.
type Session interface {
	// Stop asks the recognizer to finish early and resolve with what it has.
	Stop()
	// Cancel abandons the session; no further events are expected.
	Cancel()
}

// Recognizer is the platform speech-to-text boundary.
type Recognizer interface {
	Start(ctx context.Context, opts Options, sink Sink) (Session, error)
}

// Outcome is the single terminal result of a capture session.
type Outcome struct {
	Generation uint64
	SessionID  string
	// Text is the final transcript; empty when Benign or Err is set.
	Text string
	// Benign marks an expected end without speech.
	Benign bool
	// Synthesized marks a final the adapter built from the last partial after
	// the recognizer failed to resolve a stop in time.
	Synthesized bool
	Err         *voiceerr.Error
}

// Handlers receive adapter output for one session.
type Handlers struct {
	Partial func(gen uint64, text string)
	Done    func(Outcome)
}

// Adapter enforces the session contract over a Recognizer and keeps at most
// one session open.
type Adapter struct {
	logger     *slog.Logger
	recognizer Recognizer
	grace      time.Duration

	mu     sync.Mutex
	gen    uint64
	active *run
}

type run struct {
	adapter  *Adapter
	gen      uint64
	id       string
	session  Session
	handlers Handlers
	logger   *slog.Logger

	mu          sync.Mutex
	done        bool
	stopping    bool
	lastPartial string
	graceTimer  *time.Timer
}

// NewAdapter wraps recognizer. A non-positive grace uses DefaultStopGrace.
func NewAdapter(logger *slog.Logger, recognizer Recognizer, grace time.Duration) *Adapter {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	return &Adapter{
		logger:     logging.Component(logger, "capture"),
		recognizer: recognizer,
		grace:      grace,
	}
}

// Start opens a new session, cancelling any session still open, and returns
// its generation.
func (a *Adapter) Start(ctx context.Context, opts Options, handlers Handlers) (uint64, error) {
	if a.recognizer == nil {
		return 0, voiceerr.New(voiceerr.KindSpeechRecognitionUnavailable, "no speech recognizer configured")
	}

	a.mu.Lock()
	prev := a.active
	a.active = nil
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	r := &run{
		adapter:  a,
		gen:      gen,
		id:       opts.SessionID,
		handlers: handlers,
		logger:   a.logger.With("session_id", opts.SessionID, "generation", gen, "purpose", opts.Purpose),
	}

	session, err := a.recognizer.Start(ctx, opts, runSink{run: r})
	if err != nil {
		r.logger.Error("recognizer start failed", "error", err.Error())
		return gen, voiceerr.Classify(fmt.Errorf("start recognizer: %w", err))
	}

	r.mu.Lock()
	r.session = session
	alreadyDone := r.done
	r.mu.Unlock()
	if alreadyDone {
		return gen, nil
	}

	a.mu.Lock()
	if a.gen == gen {
		a.active = r
	}
	superseded := a.gen != gen
	a.mu.Unlock()
	if superseded {
		r.cancel()
		return gen, nil
	}

	r.logger.Debug("capture session started")
	return gen, nil
}

// Stop asks session gen to resolve early. The session still ends with one
// outcome: the recognizer's own, or a final built from the last partial once
// the grace period passes.
func (a *Adapter) Stop(gen uint64) error {
	r := a.lookup(gen)
	if r == nil {
		return ErrNoSession
	}
	r.stop(a.grace)
	return nil
}

// Cancel abandons session gen without an outcome.
func (a *Adapter) Cancel(gen uint64) {
	a.mu.Lock()
	r := a.active
	if r == nil || r.gen != gen {
		a.mu.Unlock()
		return
	}
	a.active = nil
	a.mu.Unlock()
	r.cancel()
}

// CancelActive abandons whatever session is open.
func (a *Adapter) CancelActive() {
	a.mu.Lock()
	r := a.active
	a.active = nil
	a.mu.Unlock()
	if r != nil {
		r.cancel()
	}
}

// Active returns the open session generation, if any.
func (a *Adapter) Active() (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return 0, false
	}
	return a.active.gen, true
}

// IsCurrent reports whether gen is the open session.
func (a *Adapter) IsCurrent(gen uint64) bool {
	active, ok := a.Active()
	return ok && active == gen
}

func (a *Adapter) lookup(gen uint64) *run {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil || a.active.gen != gen {
		return nil
	}
	return a.active
}

func (a *Adapter) release(r *run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == r {
		a.active = nil
	}
}

func (r *run) stop(grace time.Duration) {
	r.mu.Lock()
	if r.done || r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	session := r.session
	r.graceTimer = time.AfterFunc(grace, func() {
		r.mu.Lock()
		text := r.lastPartial
		r.mu.Unlock()
		r.logger.Warn("recognizer did not resolve stop; using last partial", "grace_ms", grace.Milliseconds())
		r.finish(outcomeForFinal(text, true))
		if session != nil {
			session.Cancel()
		}
	})
	r.mu.Unlock()

	if session != nil {
		session.Stop()
	}
}

func (r *run) cancel() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	session := r.session
	r.mu.Unlock()

	if session != nil {
		session.Cancel()
	}
	r.logger.Debug("capture session cancelled")
}

func (r *run) partial(text string) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.lastPartial = text
	r.mu.Unlock()

	if r.handlers.Partial != nil {
		r.handlers.Partial(r.gen, text)
	}
}

func (r *run) finish(out Outcome) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	r.mu.Unlock()
	r.adapter.release(r)

	out.Generation = r.gen
	out.SessionID = r.id
	switch {
	case out.Err != nil:
		r.logger.Warn("capture session failed", "kind", out.Err.Kind, "error", out.Err.Message)
	case out.Benign:
		r.logger.Info("capture session ended without speech")
	default:
		r.logger.Info("capture session resolved", "chars", len(out.Text), "synthesized", out.Synthesized)
	}

	if r.handlers.Done != nil {
		r.handlers.Done(out)
	}
}

func outcomeForFinal(text string, synthesized bool) Outcome {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{Benign: true, Synthesized: synthesized}
	}
	return Outcome{Text: text, Synthesized: synthesized}
}

// runSink adapts recognizer callbacks to one run; events after the terminal
// one are dropped.
type runSink struct {
	run *run
}

func (s runSink) Partial(text string) {
	s.run.partial(text)
}

func (s runSink) Final(text string) {
	s.run.finish(outcomeForFinal(text, false))
}

func (s runSink) Fail(err error) {
	if err == nil || voiceerr.IsBenign(err) {
		s.run.finish(Outcome{Benign: true})
		return
	}
	s.run.finish(Outcome{Err: voiceerr.Classify(err)})
}
