package capture

import (
	"context"
	"sync"
	"time"
)

// Step is one scripted recognizer event. Exactly one of Partial, Final, or
// Err is meaningful; Final with an empty string resolves without speech.
type Step struct {
	Delay   time.Duration
	Partial string
	Final   *string
	Err     error
}

// PartialStep emits a partial transcript.
func PartialStep(text string) Step {
	return Step{Partial: text}
}

// FinalStep emits a final transcript.
func FinalStep(text string) Step {
	return Step{Final: &text}
}

// ErrStep fails the session.
func ErrStep(err error) Step {
	return Step{Err: err}
}

// Scripted is a deterministic Recognizer. Each Start consumes the next
// queued script; sessions without a script stay open until driven through
// the returned ScriptedSession or stopped.
type Scripted struct {
	mu       sync.Mutex
	scripts  [][]Step
	sessions []*ScriptedSession
	startErr error
	open     int
	maxOpen  int

	// IgnoreStop makes sessions ignore Stop, like a recognizer that never
	// delivers its final result.
	IgnoreStop bool
}

// NewScripted queues scripts for successive sessions.
func NewScripted(scripts ...[]Step) *Scripted {
	return &Scripted{scripts: scripts}
}

// Enqueue queues a script for a future session.
func (r *Scripted) Enqueue(steps ...Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts = append(r.scripts, steps)
}

// FailStarts makes every Start fail with err until called with nil.
func (r *Scripted) FailStarts(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startErr = err
}

func (r *Scripted) Start(ctx context.Context, opts Options, sink Sink) (Session, error) {
	r.mu.Lock()
	if r.startErr != nil {
		err := r.startErr
		r.mu.Unlock()
		return nil, err
	}
	var script []Step
	if len(r.scripts) > 0 {
		script = r.scripts[0]
		r.scripts = r.scripts[1:]
	}
	s := &ScriptedSession{recognizer: r, sink: sink, opts: opts, ignoreStop: r.IgnoreStop}
	r.sessions = append(r.sessions, s)
	r.open++
	if r.open > r.maxOpen {
		r.maxOpen = r.open
	}
	r.mu.Unlock()

	if len(script) > 0 {
		go s.play(script)
	}
	return s, nil
}

// Started returns how many sessions were opened.
func (r *Scripted) Started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Open returns how many sessions are still open.
func (r *Scripted) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// MaxOpen returns the most sessions ever open at once.
func (r *Scripted) MaxOpen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxOpen
}

// Last returns the most recently started session, or nil.
func (r *Scripted) Last() *ScriptedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}

func (r *Scripted) closed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open--
}

// ScriptedSession is one open scripted session. Its Partial, Final, and
// Fail methods inject events as if the recognizer produced them.
type ScriptedSession struct {
	recognizer *Scripted
	sink       Sink
	opts       Options
	ignoreStop bool

	mu          sync.Mutex
	closed      bool
	stopped     bool
	lastPartial string
}

// Options returns the options the session was started with.
func (s *ScriptedSession) Options() Options {
	return s.opts
}

// Closed reports whether the session ended or was cancelled.
func (s *ScriptedSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ScriptedSession) Partial(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastPartial = text
	s.mu.Unlock()
	s.sink.Partial(text)
}

func (s *ScriptedSession) Final(text string) {
	if !s.close() {
		return
	}
	s.sink.Final(text)
}

func (s *ScriptedSession) Fail(err error) {
	if !s.close() {
		return
	}
	s.sink.Fail(err)
}

// Stop resolves the session with the last partial as final.
func (s *ScriptedSession) Stop() {
	s.mu.Lock()
	s.stopped = true
	ignore := s.ignoreStop
	text := s.lastPartial
	s.mu.Unlock()
	if ignore {
		return
	}
	s.Final(text)
}

func (s *ScriptedSession) Cancel() {
	s.close()
}

func (s *ScriptedSession) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()
	s.recognizer.closed()
	return true
}

func (s *ScriptedSession) play(script []Step) {
	for _, step := range script {
		if step.Delay > 0 {
			time.Sleep(step.Delay)
		}
		if s.Closed() {
			return
		}
		switch {
		case step.Err != nil:
			s.Fail(step.Err)
		case step.Final != nil:
			s.Final(*step.Final)
		default:
			s.Partial(step.Partial)
		}
	}
}
