// Package engine owns the voice state and applies transition requests one
// at a time on a single goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/rbright/kiaanvoice/internal/fsm"
	"github.com/rbright/kiaanvoice/internal/logging"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
)

var (
	// ErrInvalidTransition marks a request not legal from the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrStale marks a request whose guard no longer holds when dequeued.
	ErrStale = errors.New("stale transition request")
	// ErrClosed is returned for requests submitted to or pending in a closed engine.
	ErrClosed = errors.New("transition engine closed")
)

// InvalidTransitionError reports a rejected request. Callers should treat it
// as a bug in the caller, not a runtime condition.
type InvalidTransitionError struct {
	From       fsm.State
	Transition fsm.Transition
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s --(%s)--> ?", e.From, e.Transition)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Payload is the data a transition carries into effects and listeners.
type Payload struct {
	Text   string
	Phrase string
	Err    *voiceerr.Error
}

// Request asks the engine to apply one transition.
type Request struct {
	Transition fsm.Transition
	Payload    Payload
	// Guard runs on the engine goroutine right before validation; a false
	// result drops the request as stale.
	Guard func() bool
	// Source names the producer for logs (ui, recognizer, timer, ...).
	Source string
}

// Change describes one committed transition.
type Change struct {
	Transition fsm.Transition
	From       fsm.State
	To         fsm.State
	// Resume is the resting mode the current turn returns to.
	Resume  fsm.State
	Payload Payload
	Source  string
}

// Effects runs state-specific side effects after a change is committed and
// before listeners observe it. It runs on the engine goroutine and must use
// Post, never Apply, to request follow-up transitions.
type Effects interface {
	Apply(Change)
}

// EffectsFunc adapts a function to the Effects interface.
type EffectsFunc func(Change)

func (f EffectsFunc) Apply(c Change) {
	f(c)
}

// Listener observes committed changes on the engine goroutine.
type Listener func(Change)

type result struct {
	state fsm.State
	err   error
}

type item struct {
	req    *Request
	fn     func()
	result chan result
}

// Option customizes engine construction.
type Option func(*Engine)

// WithInitialState starts the engine in state instead of uninitialized.
func WithInitialState(state fsm.State) Option {
	return func(e *Engine) {
		e.state = state
	}
}

// Engine is the single serialized mutation path for the voice state.
type Engine struct {
	logger  *slog.Logger
	effects Effects

	qmu    sync.Mutex
	queue  []item
	closed bool
	wake   chan struct{}
	done   chan struct{}

	smu    sync.RWMutex
	state  fsm.State
	resume fsm.State

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// New starts an engine goroutine. effects may be nil.
func New(logger *slog.Logger, effects Effects, opts ...Option) *Engine {
	if effects == nil {
		effects = EffectsFunc(func(Change) {})
	}
	e := &Engine{
		logger:    logging.Component(logger, "engine"),
		effects:   effects,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		state:     fsm.StateUninitialized,
		resume:    fsm.StateIdle,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// State returns the committed state snapshot.
func (e *Engine) State() fsm.State {
	e.smu.RLock()
	defer e.smu.RUnlock()
	return e.state
}

// Resume returns the stored pre-activation mode.
func (e *Engine) Resume() fsm.State {
	e.smu.RLock()
	defer e.smu.RUnlock()
	return e.resume
}

// SetResume rewrites the stored pre-activation mode. Call it inside Do so
// it is ordered with transitions.
func (e *Engine) SetResume(state fsm.State) {
	e.smu.Lock()
	defer e.smu.Unlock()
	e.resume = state
}

// AddListener registers l and returns a function that removes it.
func (e *Engine) AddListener(l Listener) func() {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	return func() {
		e.lmu.Lock()
		defer e.lmu.Unlock()
		delete(e.listeners, id)
	}
}

// Apply submits req and blocks until it has been applied, its effects issued,
// and every listener notified. It must not be called from the engine
// goroutine (effects or listeners); use Post there.
func (e *Engine) Apply(ctx context.Context, req Request) (fsm.State, error) {
	ch := make(chan result, 1)
	if !e.enqueue(item{req: &req, result: ch}) {
		return e.State(), ErrClosed
	}
	select {
	case r := <-ch:
		return r.state, r.err
	case <-ctx.Done():
		return e.State(), ctx.Err()
	}
}

// Post enqueues req without waiting. It reports false when the engine is closed.
func (e *Engine) Post(req Request) bool {
	return e.enqueue(item{req: &req})
}

// Do runs fn on the engine goroutine in submission order with transitions.
func (e *Engine) Do(fn func()) bool {
	return e.enqueue(item{fn: fn})
}

// Close stops the engine goroutine. Pending requests fail with ErrClosed.
func (e *Engine) Close() {
	e.qmu.Lock()
	if e.closed {
		e.qmu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	pending := e.queue
	e.queue = nil
	e.qmu.Unlock()

	for _, it := range pending {
		if it.result != nil {
			it.result <- result{state: e.State(), err: ErrClosed}
		}
	}
	e.signal()
	<-e.done
}

func (e *Engine) enqueue(it item) bool {
	e.qmu.Lock()
	if e.closed {
		e.qmu.Unlock()
		return false
	}
	e.queue = append(e.queue, it)
	e.qmu.Unlock()
	e.signal()
	return true
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest item, blocking until one arrives or the engine closes.
func (e *Engine) next() (item, bool) {
	for {
		e.qmu.Lock()
		if e.closed {
			e.qmu.Unlock()
			return item{}, false
		}
		if len(e.queue) > 0 {
			it := e.queue[0]
			e.queue[0] = item{}
			e.queue = e.queue[1:]
			e.qmu.Unlock()
			return it, true
		}
		e.qmu.Unlock()
		<-e.wake
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		it, ok := e.next()
		if !ok {
			return
		}
		if it.fn != nil {
			it.fn()
			continue
		}
		state, err := e.apply(*it.req)
		if it.result != nil {
			it.result <- result{state: state, err: err}
		}
	}
}

func (e *Engine) apply(req Request) (fsm.State, error) {
	e.smu.RLock()
	prev, resume := e.state, e.resume
	e.smu.RUnlock()

	if req.Guard != nil && !req.Guard() {
		e.logger.Debug("dropped stale transition",
			"transition", req.Transition,
			"state", prev,
			"source", req.Source,
		)
		return prev, ErrStale
	}

	next, err := fsm.Next(prev, req.Transition, resume)
	if err != nil {
		e.logger.Error("rejected transition",
			"transition", req.Transition,
			"state", prev,
			"source", req.Source,
			"error", err.Error(),
		)
		return prev, &InvalidTransitionError{From: prev, Transition: req.Transition}
	}

	if mode, begins := fsm.ResumeAfter(prev, req.Transition); begins {
		resume = mode
	}
	if req.Transition == fsm.TransitionReset {
		resume = fsm.StateIdle
	}

	e.smu.Lock()
	e.state = next
	e.resume = resume
	e.smu.Unlock()

	change := Change{
		Transition: req.Transition,
		From:       prev,
		To:         next,
		Resume:     resume,
		Payload:    req.Payload,
		Source:     req.Source,
	}

	e.logger.Debug("applied transition",
		"transition", req.Transition,
		"from", prev,
		"to", next,
		"source", req.Source,
	)

	e.effects.Apply(change)
	e.notify(change)
	return next, nil
}

func (e *Engine) notify(change Change) {
	e.lmu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	// Registration order.
	slices.Sort(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id])
	}
	e.lmu.Unlock()

	for _, l := range listeners {
		l(change)
	}
}
