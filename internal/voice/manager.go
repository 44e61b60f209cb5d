// Package voice is the composition root of the voice runtime: it wires the
// transition engine to capture, wake-word detection, speech output, timers,
// and the recovery supervisor, and exposes the public operation surface.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbright/kiaanvoice/internal/capture"
	"github.com/rbright/kiaanvoice/internal/config"
	"github.com/rbright/kiaanvoice/internal/engine"
	"github.com/rbright/kiaanvoice/internal/fsm"
	"github.com/rbright/kiaanvoice/internal/indicator"
	"github.com/rbright/kiaanvoice/internal/logging"
	"github.com/rbright/kiaanvoice/internal/precheck"
	"github.com/rbright/kiaanvoice/internal/speech"
	"github.com/rbright/kiaanvoice/internal/supervisor"
	"github.com/rbright/kiaanvoice/internal/timer"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
	"github.com/rbright/kiaanvoice/internal/wakeword"
)

var (
	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = errors.New("voice manager destroyed")
	// ErrNotInitialized is returned by session operations before Initialize.
	ErrNotInitialized = errors.New("voice manager not initialized")
	// ErrWakeWordDisabled is returned by EnableWakeWord when enable_wake_word is off.
	ErrWakeWordDisabled = errors.New("wake word disabled by configuration")
	// ErrInterrupted is returned by Initialize when a reset ends initialization.
	ErrInterrupted = errors.New("initialization interrupted by reset")
)

// Permissions grants and reports microphone consent.
type Permissions interface {
	Granted() (bool, error)
	Grant() error
}

// PrecheckFunc runs the capability checks for cfg and returns the first
// blocking failure.
type PrecheckFunc func(ctx context.Context, cfg config.Config) *voiceerr.Error

// Cues plays session milestone cues.
type Cues interface {
	Configure(indicator.Options)
	Cue(indicator.Cue)
	Wait()
}

type noopCues struct{}

func (noopCues) Configure(indicator.Options) {}
func (noopCues) Cue(indicator.Cue)           {}
func (noopCues) Wait()                       {}

// Deps are the collaborators a Manager is built from. Nil fields get
// defaults: the consent marker from config, the precheck package, the
// configured speech command, and silent cues.
type Deps struct {
	Logger      *slog.Logger
	Recognizer  capture.Recognizer
	Synthesizer speech.Synthesizer
	Permissions Permissions
	Precheck    PrecheckFunc
	Cues        Cues
}

// Manager owns one voice runtime instance.
type Manager struct {
	logger *slog.Logger
	base   *slog.Logger
	deps   Deps
	eng    *engine.Engine
	subs   subscribers

	ctx       context.Context
	cancel    context.CancelFunc
	destroyed atomic.Bool

	mu          sync.Mutex
	cfg         config.Config
	pending     *config.Config
	initialized bool
	perms       Permissions
	sup         *supervisor.Supervisor

	// Owned by the engine goroutine.
	adapter     *capture.Adapter
	speaker     *speech.Controller
	detector    *wakeword.Detector
	silence     *timer.Timer
	backoff     *timer.Timer
	rewake      *timer.Timer
	timers      timer.Group
	cmdGen      uint64
	wakeGen     uint64
	speakGen    uint64
	checkGen    uint64
	turnID      string
	wakeDesired bool
	wakeEmpty   int
	wakeSince   time.Time
	report      *voiceerr.Error
}

// New builds a manager in the uninitialized state.
func New(deps Deps) *Manager {
	if deps.Cues == nil {
		deps.Cues = noopCues{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:  logging.Component(deps.Logger, "voice"),
		base:    logging.OrDiscard(deps.Logger),
		deps:    deps,
		ctx:     ctx,
		cancel:  cancel,
		silence: timer.New("silence"),
		backoff: timer.New("backoff"),
		rewake:  timer.New("rewake"),
	}
	m.timers = timer.Group{m.silence, m.backoff, m.rewake}
	if m.deps.Precheck == nil {
		m.deps.Precheck = m.defaultPrecheck
	}
	m.configure(config.Default())

	m.eng = engine.New(deps.Logger, engine.EffectsFunc(m.apply))
	m.eng.AddListener(m.publish)
	return m
}

// Initialize validates cfg, runs the capability checks, and blocks until
// the machine settles in idle or error.
func (m *Manager) Initialize(ctx context.Context, cfg config.Config) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}
	warnings, err := config.Validate(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range warnings {
		m.logger.Warn("config warning", "message", w.Message)
	}

	m.mu.Lock()
	snapshot := cfg
	m.pending = &snapshot
	m.mu.Unlock()

	settled := make(chan engine.Change, 1)
	remove := m.eng.AddListener(func(c engine.Change) {
		if c.From != fsm.StateInitializing || c.To == fsm.StateInitializing {
			return
		}
		select {
		case settled <- c:
		default:
		}
	})
	defer remove()

	if _, err := m.eng.Apply(ctx, engine.Request{Transition: fsm.TransitionInitialize, Source: "caller"}); err != nil {
		m.mu.Lock()
		if m.pending == &snapshot {
			m.pending = nil
		}
		m.mu.Unlock()
		return m.opError(err)
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	select {
	case c := <-settled:
		switch {
		case c.To == fsm.StateError:
			if c.Payload.Err != nil {
				return c.Payload.Err
			}
			return voiceerr.New(voiceerr.KindUnknown, "initialization failed")
		case c.Transition == fsm.TransitionReset:
			return ErrInterrupted
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestPermissions records microphone consent and reports the result.
func (m *Manager) RequestPermissions(context.Context) (bool, error) {
	if m.destroyed.Load() {
		return false, ErrDestroyed
	}
	perms := m.permissions()
	if err := perms.Grant(); err != nil {
		return false, err
	}
	return perms.Granted()
}

// HasPermissions reports whether microphone consent is recorded.
func (m *Manager) HasPermissions(context.Context) (bool, error) {
	if m.destroyed.Load() {
		return false, ErrDestroyed
	}
	return m.permissions().Granted()
}

// EnableWakeWord arms always-listening mode from idle.
func (m *Manager) EnableWakeWord(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	if !m.config().EnableWakeWord {
		return ErrWakeWordDisabled
	}
	_, err := m.eng.Apply(ctx, engine.Request{
		Transition: fsm.TransitionEnableWakeWord,
		Source:     "caller",
		Guard:      func() bool { return m.eng.State() != fsm.StateWakeWordListening },
	})
	return m.opError(err)
}

// DisableWakeWord leaves always-listening mode. During a turn begun from
// wake-word listening it makes the turn resume to idle instead.
func (m *Manager) DisableWakeWord(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	if !m.eng.Do(func() {
		m.wakeDesired = false
		if m.eng.Resume() == fsm.StateWakeWordListening {
			m.eng.SetResume(fsm.StateIdle)
		}
	}) {
		return ErrDestroyed
	}
	_, err := m.eng.Apply(ctx, engine.Request{
		Transition: fsm.TransitionDisableWakeWord,
		Source:     "caller",
		Guard: func() bool {
			s := m.eng.State()
			return s == fsm.StateIdle || s == fsm.StateWakeWordListening
		},
	})
	return m.opError(err)
}

// Activate starts push-to-talk capture. It returns once the capture start
// has been issued; it is a no-op while already warming up or listening.
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	_, err := m.eng.Apply(ctx, engine.Request{
		Transition: fsm.TransitionActivate,
		Source:     "caller",
		Guard: func() bool {
			s := m.eng.State()
			return s != fsm.StateWarmingUp && s != fsm.StateListening
		},
	})
	return m.opError(err)
}

// StopListening ends the current capture or turn. While listening it asks
// the recognizer to resolve; the resulting transcript or benign stop arrives
// asynchronously.
func (m *Manager) StopListening(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	done := make(chan struct{})
	if !m.eng.Do(func() {
		defer close(done)
		m.stopListening()
	}) {
		return ErrDestroyed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginThinking marks the processed transcript as handed to a responder.
func (m *Manager) BeginThinking(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	_, err := m.eng.Apply(ctx, engine.Request{Transition: fsm.TransitionStartThinking, Source: "caller"})
	return m.opError(err)
}

// Speak flushes any utterance in flight and starts text.
func (m *Manager) Speak(ctx context.Context, text string) error {
	if err := m.usable(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return speech.ErrEmptyText
	}
	_, err := m.eng.Apply(ctx, engine.Request{
		Transition: fsm.TransitionStartSpeaking,
		Payload:    engine.Payload{Text: text},
		Source:     "caller",
	})
	return m.opError(err)
}

// StopSpeaking silences the current utterance. It is a no-op when nothing
// is speaking.
func (m *Manager) StopSpeaking(ctx context.Context) error {
	if err := m.usable(); err != nil {
		return err
	}
	_, err := m.eng.Apply(ctx, engine.Request{
		Transition: fsm.TransitionStopSpeaking,
		Source:     "caller",
		Guard:      func() bool { return m.eng.State() == fsm.StateSpeaking },
	})
	return m.opError(err)
}

// Reset cancels every timer and session and forces idle.
func (m *Manager) Reset(ctx context.Context) error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}
	_, err := m.eng.Apply(ctx, engine.Request{Transition: fsm.TransitionReset, Source: "caller"})
	return m.opError(err)
}

// Destroy resets the machine, releases every resource, and makes the
// manager permanently unusable.
func (m *Manager) Destroy(ctx context.Context) error {
	if !m.destroyed.CompareAndSwap(false, true) {
		return ErrDestroyed
	}
	_, err := m.eng.Apply(ctx, engine.Request{Transition: fsm.TransitionReset, Source: "destroy"})
	m.eng.Close()
	m.cancel()
	m.timers.CancelAll()
	m.adapter.CancelActive()
	m.speaker.Stop()
	m.deps.Cues.Wait()
	m.logger.Info("voice manager destroyed")
	if err != nil && !errors.Is(err, engine.ErrClosed) {
		return err
	}
	return nil
}

// State returns the current state snapshot.
func (m *Manager) State() fsm.State {
	return m.eng.State()
}

// RetryCount returns the supervisor's current retry counter.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup.Retries()
}

// Config returns the active configuration snapshot.
func (m *Manager) Config() config.Config {
	return m.config()
}

// Subscribe registers fn for every event and returns a function that
// removes it.
func (m *Manager) Subscribe(fn Subscriber) func() {
	return m.subs.add(fn)
}

func (m *Manager) usable() error {
	if m.destroyed.Load() {
		return ErrDestroyed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

// opError maps engine results for caller operations: a dropped guard means
// the operation was already satisfied.
func (m *Manager) opError(err error) error {
	switch {
	case err == nil, errors.Is(err, engine.ErrStale):
		return nil
	case errors.Is(err, engine.ErrClosed):
		return ErrDestroyed
	default:
		return err
	}
}

func (m *Manager) config() config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) supervisor() *supervisor.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sup
}

func (m *Manager) permissions() Permissions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perms
}

// configure installs cfg and rebuilds the components it parameterizes. It
// runs before the engine starts and afterwards only on the engine goroutine.
func (m *Manager) configure(cfg config.Config) {
	perms := m.deps.Permissions
	if perms == nil {
		consent, err := precheck.NewConsent(cfg.Permissions)
		if err != nil {
			m.logger.Warn("resolve consent marker", "error", err.Error())
			consent = precheck.Consent{Required: cfg.Permissions.RequireConsent}
		}
		perms = consent
	}

	m.mu.Lock()
	m.cfg = cfg
	m.perms = perms
	m.sup = supervisor.New(m.base, supervisor.Policy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay(),
		MaxDelay:   cfg.MaxRetryDelay(),
	})
	m.mu.Unlock()

	m.rebuildAdapter()

	synth := m.deps.Synthesizer
	if synth == nil {
		synth = speech.NewCommandSynthesizer(cfg.Speech.Command.Argv)
	}
	if m.speaker != nil {
		m.speaker.Stop()
	}
	m.speaker = speech.NewController(m.base, synth, speech.Options{Language: cfg.Language, Voice: cfg.Speech.Voice})

	m.detector = wakeword.New(cfg.WakeWordPhrases)
	m.deps.Cues.Configure(indicator.Options{Sound: cfg.EnableSoundEffects, Haptics: cfg.EnableHaptics})
}

// rebuildAdapter drops any open session and starts over with a fresh adapter.
func (m *Manager) rebuildAdapter() {
	if m.adapter != nil {
		m.adapter.CancelActive()
	}
	m.adapter = capture.NewAdapter(m.base, m.deps.Recognizer, m.config().Recognizer.StopGrace())
}

func (m *Manager) defaultPrecheck(ctx context.Context, cfg config.Config) *voiceerr.Error {
	_, verr := precheck.New(cfg, m.permissions(), precheck.Probes{}, m.base).Run(ctx)
	return verr
}
