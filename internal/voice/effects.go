package voice

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rbright/kiaanvoice/internal/capture"
	"github.com/rbright/kiaanvoice/internal/engine"
	"github.com/rbright/kiaanvoice/internal/fsm"
	"github.com/rbright/kiaanvoice/internal/indicator"
	"github.com/rbright/kiaanvoice/internal/speech"
	"github.com/rbright/kiaanvoice/internal/supervisor"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
)

// apply runs on the engine goroutine after every committed change: first
// the teardown owed by the state being left, then the setup of the state
// being entered.
func (m *Manager) apply(c engine.Change) {
	m.leave(c)
	if c.Transition == fsm.TransitionReset {
		m.resetAll()
		return
	}
	m.enter(c)
}

func (m *Manager) leave(c engine.Change) {
	switch c.From {
	case fsm.StateWarmingUp:
		if c.To != fsm.StateListening {
			m.endCommandSession()
		}
	case fsm.StateListening:
		m.silence.Cancel()
		m.endCommandSession()
		m.deps.Cues.Cue(indicator.CueListenStop)
	case fsm.StateWakeWordListening:
		if c.To != fsm.StateWakeWordListening {
			m.endWakeSession()
		}
	case fsm.StateSpeaking:
		if c.To != fsm.StateSpeaking {
			m.speaker.Stop()
			m.speakGen = 0
		}
	case fsm.StateError:
		m.backoff.Cancel()
	case fsm.StateInitializing, fsm.StateRecovering:
		if c.To != c.From {
			m.checkGen++
		}
	}
}

func (m *Manager) enter(c engine.Change) {
	switch c.To {
	case fsm.StateInitializing:
		m.commitPending()
		m.runChecks(fsm.StateInitializing)
	case fsm.StateRecovering:
		m.logger.Info("recovering speech services", "attempt", m.supervisor().Retries())
		m.rebuildAdapter()
		m.runChecks(fsm.StateRecovering)
	case fsm.StateIdle:
		if c.Transition == fsm.TransitionReady {
			m.supervisor().OnReady()
			if m.wakeDesired {
				m.eng.Post(engine.Request{
					Transition: fsm.TransitionEnableWakeWord,
					Source:     "supervisor",
					Guard:      func() bool { return m.wakeDesired && m.eng.State() == fsm.StateIdle },
				})
			}
		}
	case fsm.StateWakeWordListening:
		if c.Transition == fsm.TransitionEnableWakeWord {
			m.wakeDesired = true
		}
		if !m.wakeDesired {
			m.eng.Post(engine.Request{
				Transition: fsm.TransitionDisableWakeWord,
				Source:     "wakeword",
				Guard:      func() bool { return m.eng.State() == fsm.StateWakeWordListening },
			})
			return
		}
		m.startWakeSession()
	case fsm.StateWarmingUp:
		m.startCommandSession()
	case fsm.StateListening:
		m.armSilence()
		m.deps.Cues.Cue(indicator.CueListenStart)
	case fsm.StateProcessing:
		m.deps.Cues.Cue(indicator.CueComplete)
	case fsm.StateSpeaking:
		m.startUtterance(c.Payload.Text)
	case fsm.StateError:
		m.superviseError(c.Payload.Err)
	}
}

// resetAll cancels everything a reset owes regardless of the state left.
func (m *Manager) resetAll() {
	m.timers.CancelAll()
	m.adapter.CancelActive()
	m.speaker.Stop()
	m.detector.Disarm()
	m.supervisor().Reset()
	m.checkGen++
	m.cmdGen, m.wakeGen, m.speakGen = 0, 0, 0
	m.wakeDesired = false
	m.wakeEmpty = 0
	m.report = nil
	m.logger.Info("reset")
}

func (m *Manager) commitPending() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	if pending != nil {
		m.configure(*pending)
	}
}

// runChecks runs the capability checks off the engine goroutine and posts
// ready or error back, guarded so a result outliving its state is dropped.
func (m *Manager) runChecks(state fsm.State) {
	m.checkGen++
	gen := m.checkGen
	cfg := m.config()
	check := m.deps.Precheck
	guard := func() bool { return m.checkGen == gen && m.eng.State() == state }

	go func() {
		verr := check(m.ctx, cfg)
		if verr != nil {
			m.eng.Post(engine.Request{
				Transition: fsm.TransitionError,
				Payload:    engine.Payload{Err: verr},
				Source:     "precheck",
				Guard:      guard,
			})
			return
		}
		m.eng.Post(engine.Request{Transition: fsm.TransitionReady, Source: "precheck", Guard: guard})
	}()
}

func (m *Manager) captureOptions(purpose capture.Purpose, sessionID string) capture.Options {
	cfg := m.config()
	return capture.Options{
		Language:  cfg.Language,
		OnDevice:  cfg.UseOnDeviceRecognition,
		Purpose:   purpose,
		SessionID: sessionID,
	}
}

// steadyWakeSession is how long a wake session must stay open before its
// end counts as normal recognizer turnover rather than an empty restart.
const steadyWakeSession = time.Second

func (m *Manager) startWakeSession() {
	m.wakeSince = time.Now()
	m.detector.Arm()
	gen, err := m.adapter.Start(m.ctx, m.captureOptions(capture.PurposeWakeWord, ""), capture.Handlers{
		Partial: func(gen uint64, text string) {
			m.eng.Do(func() { m.onWakeText(gen, text) })
		},
		Done: func(out capture.Outcome) {
			m.eng.Do(func() { m.onWakeOutcome(out) })
		},
	})
	if err != nil {
		m.detector.Disarm()
		m.fail(voiceerr.Classify(err), "capture", m.inState(fsm.StateWakeWordListening))
		return
	}
	m.wakeGen = gen
}

func (m *Manager) endWakeSession() {
	m.rewake.Cancel()
	m.wakeEmpty = 0
	m.detector.Disarm()
	if m.wakeGen != 0 {
		m.adapter.Cancel(m.wakeGen)
		m.wakeGen = 0
	}
}

// onWakeText feeds one wake-session transcript to the detector. A match
// closes the wake session before the activated session opens.
func (m *Manager) onWakeText(gen uint64, text string) bool {
	if gen != m.wakeGen || m.eng.State() != fsm.StateWakeWordListening {
		return false
	}
	if text != "" {
		m.wakeEmpty = 0
	}
	phrase, ok := m.detector.Feed(text)
	if !ok {
		return false
	}
	m.logger.Info("wake word detected", "phrase", phrase)
	m.adapter.Cancel(gen)
	m.wakeGen = 0
	m.eng.Post(engine.Request{
		Transition: fsm.TransitionWakeWordDetected,
		Payload:    engine.Payload{Phrase: phrase},
		Source:     "wakeword",
		Guard:      m.inState(fsm.StateWakeWordListening),
	})
	return true
}

func (m *Manager) onWakeOutcome(out capture.Outcome) {
	if out.Generation != m.wakeGen || m.eng.State() != fsm.StateWakeWordListening {
		return
	}
	if out.Err != nil {
		m.wakeGen = 0
		m.fail(out.Err, "capture", m.inState(fsm.StateWakeWordListening))
		return
	}
	if out.Text != "" && m.onWakeText(out.Generation, out.Text) {
		return
	}
	// The recognizer closed its session without a trigger; keep listening.
	m.wakeGen = 0
	m.restartWakeSession()
}

// restartWakeSession reopens wake listening. Sessions that keep ending
// quickly without speech are reopened along the retry backoff curve.
func (m *Manager) restartWakeSession() {
	if time.Since(m.wakeSince) >= steadyWakeSession {
		m.wakeEmpty = 0
	}
	m.wakeEmpty++
	if m.wakeEmpty == 1 {
		m.startWakeSession()
		return
	}

	delay := m.supervisor().Backoff(m.wakeEmpty - 2)
	m.logger.Debug("wake session ended early; delaying restart",
		"empty_sessions", m.wakeEmpty,
		"delay_ms", delay.Milliseconds(),
	)
	m.rewake.Arm(delay, func(gen uint64) {
		m.eng.Do(func() {
			if !m.rewake.Consume(gen) || m.wakeGen != 0 || m.eng.State() != fsm.StateWakeWordListening {
				return
			}
			m.startWakeSession()
		})
	})
}

func (m *Manager) startCommandSession() {
	m.turnID = uuid.NewString()
	gen, err := m.adapter.Start(m.ctx, m.captureOptions(capture.PurposeCommand, m.turnID), capture.Handlers{
		Partial: func(gen uint64, text string) {
			m.eng.Do(func() { m.onCommandPartial(gen, text) })
		},
		Done: func(out capture.Outcome) {
			m.eng.Do(func() { m.onCommandOutcome(out, true) })
		},
	})
	if err != nil {
		m.fail(voiceerr.Classify(err), "capture", m.inState(fsm.StateWarmingUp))
		return
	}
	m.cmdGen = gen
	m.logger.Debug("command capture started", "session_id", m.turnID, "generation", gen)
	m.eng.Post(engine.Request{
		Transition: fsm.TransitionStartListening,
		Source:     "capture",
		Guard:      func() bool { return m.cmdGen == gen && m.eng.State() == fsm.StateWarmingUp },
	})
}

func (m *Manager) endCommandSession() {
	if m.cmdGen != 0 {
		m.adapter.Cancel(m.cmdGen)
		m.cmdGen = 0
	}
}

func (m *Manager) onCommandPartial(gen uint64, text string) {
	if gen != m.cmdGen {
		return
	}
	state := m.eng.State()
	if state != fsm.StateWarmingUp && state != fsm.StateListening {
		return
	}
	if state == fsm.StateListening {
		m.armSilence()
	}
	m.subs.emit(Event{Type: EventTranscript, Text: text})
}

// onCommandOutcome turns the session's single outcome into a transition.
// An outcome that overtakes the startListening request is requeued once.
func (m *Manager) onCommandOutcome(out capture.Outcome, requeue bool) {
	gen := out.Generation
	if gen != m.cmdGen {
		return
	}
	state := m.eng.State()
	if state == fsm.StateWarmingUp && requeue {
		m.eng.Do(func() { m.onCommandOutcome(out, false) })
		return
	}
	if state != fsm.StateWarmingUp && state != fsm.StateListening {
		return
	}

	current := func() bool { return m.cmdGen == gen }
	switch {
	case out.Err != nil:
		m.fail(out.Err, "capture", current)
	case out.Benign:
		m.eng.Post(engine.Request{Transition: fsm.TransitionStopListening, Source: "capture", Guard: current})
	default:
		if state == fsm.StateWarmingUp {
			m.eng.Post(engine.Request{
				Transition: fsm.TransitionStartListening,
				Source:     "capture",
				Guard:      func() bool { return current() && m.eng.State() == fsm.StateWarmingUp },
			})
		}
		m.eng.Post(engine.Request{
			Transition: fsm.TransitionTranscriptReceived,
			Payload:    engine.Payload{Text: out.Text},
			Source:     "capture",
			Guard:      current,
		})
	}
}

func (m *Manager) armSilence() {
	d := m.config().SilenceTimeout()
	if d <= 0 {
		return
	}
	m.silence.Arm(d, func(gen uint64) {
		m.eng.Do(func() {
			if !m.silence.Consume(gen) || m.eng.State() != fsm.StateListening {
				return
			}
			m.logger.Info("silence timeout", "session_id", m.turnID, "timeout_ms", d.Milliseconds())
			m.stopCommandSession()
		})
	})
}

// stopCommandSession asks the recognizer to resolve; without an open
// session the turn ends directly.
func (m *Manager) stopCommandSession() {
	gen := m.cmdGen
	if err := m.adapter.Stop(gen); err != nil {
		m.eng.Post(engine.Request{
			Transition: fsm.TransitionStopListening,
			Source:     "capture",
			Guard:      func() bool { return m.cmdGen == gen && m.eng.State() == fsm.StateListening },
		})
	}
}

func (m *Manager) stopListening() {
	switch state := m.eng.State(); state {
	case fsm.StateListening:
		m.stopCommandSession()
	case fsm.StateWarmingUp, fsm.StateProcessing:
		m.eng.Post(engine.Request{
			Transition: fsm.TransitionStopListening,
			Source:     "caller",
			Guard:      m.inState(state),
		})
	case fsm.StateThinking:
		m.eng.Post(engine.Request{
			Transition: fsm.TransitionStopSpeaking,
			Source:     "caller",
			Guard:      m.inState(state),
		})
	}
}

func (m *Manager) startUtterance(text string) {
	gen, err := m.speaker.Speak(m.ctx, text, speech.Callbacks{
		Finished: func(gen uint64, err error) {
			current := func() bool { return m.speakGen == gen }
			switch {
			case errors.Is(err, context.Canceled):
				// Whoever cancelled the utterance drives the state.
			case err != nil:
				m.fail(voiceerr.Wrap(voiceerr.KindAudioError, err), "speech", current)
			default:
				m.eng.Post(engine.Request{Transition: fsm.TransitionStopSpeaking, Source: "speech", Guard: current})
			}
		},
	})
	if err != nil {
		m.logger.Warn("speak failed", "error", err.Error())
		m.eng.Post(engine.Request{Transition: fsm.TransitionStopSpeaking, Source: "speech", Guard: m.inState(fsm.StateSpeaking)})
		return
	}
	m.speakGen = gen
}

// superviseError asks the supervisor what to do about err: schedule a
// recover after the backoff delay, or surface it to subscribers.
func (m *Manager) superviseError(err *voiceerr.Error) {
	if err == nil {
		err = voiceerr.New(voiceerr.KindUnknown, "unspecified error")
	}
	decision := m.supervisor().OnError(err)
	switch decision.Action {
	case supervisor.ActionRetry:
		m.backoff.Arm(decision.Delay, func(gen uint64) {
			m.eng.Post(engine.Request{
				Transition: fsm.TransitionRecover,
				Source:     "supervisor",
				Guard:      func() bool { return m.backoff.Consume(gen) },
			})
		})
		return
	case supervisor.ActionGiveUp:
		m.report = err.WithAttempts(decision.Attempts)
	default:
		m.report = err
	}
	m.deps.Cues.Cue(indicator.CueError)
}

// fail posts an error transition. It is safe off the engine goroutine.
func (m *Manager) fail(err *voiceerr.Error, source string, guard func() bool) {
	m.eng.Post(engine.Request{
		Transition: fsm.TransitionError,
		Payload:    engine.Payload{Err: err},
		Source:     source,
		Guard:      guard,
	})
}

func (m *Manager) inState(state fsm.State) func() bool {
	return func() bool { return m.eng.State() == state }
}

// publish is the engine listener that fans changes out as events.
func (m *Manager) publish(c engine.Change) {
	report := m.report
	m.report = nil
	for _, ev := range eventsFor(c, report) {
		m.subs.emit(ev)
	}
}
