package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbright/kiaanvoice/internal/capture"
	"github.com/rbright/kiaanvoice/internal/config"
	"github.com/rbright/kiaanvoice/internal/engine"
	"github.com/rbright/kiaanvoice/internal/fsm"
	"github.com/rbright/kiaanvoice/internal/speech"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
	"github.com/stretchr/testify/require"
)

type fakePerms struct {
	mu      sync.Mutex
	granted bool
}

func (p *fakePerms) Granted() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted, nil
}

func (p *fakePerms) Grant() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = true
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) of(kind EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	m      *Manager
	rec    *capture.Scripted
	synth  *speech.Silent
	perms  *fakePerms
	events *eventLog
}

type checkFunc func(call int) *voiceerr.Error

func newHarness(t *testing.T, check checkFunc) *harness {
	t.Helper()
	h := &harness{
		rec:    capture.NewScripted(),
		synth:  &speech.Silent{PerWord: 5 * time.Millisecond},
		perms:  &fakePerms{granted: true},
		events: &eventLog{},
	}

	var mu sync.Mutex
	calls := 0
	h.m = New(Deps{
		Recognizer:  h.rec,
		Synthesizer: h.synth,
		Permissions: h.perms,
		Precheck: func(context.Context, config.Config) *voiceerr.Error {
			if ok, _ := h.perms.Granted(); !ok {
				return voiceerr.New(voiceerr.KindPermissionDenied, "microphone access not granted")
			}
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if check != nil {
				return check(n)
			}
			return nil
		},
	})
	h.m.Subscribe(h.events.add)
	t.Cleanup(func() { _ = h.m.Destroy(context.Background()) })
	return h
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RetryBaseDelayMS = 10
	cfg.MaxRetryDelayMS = 40
	cfg.SilenceTimeoutMS = 10000
	cfg.Recognizer.StopGraceMS = 100
	return cfg
}

func (h *harness) initialize(t *testing.T, cfg config.Config) {
	t.Helper()
	require.NoError(t, h.m.Initialize(context.Background(), cfg))
	require.Equal(t, fsm.StateIdle, h.m.State())
}

func waitState(t *testing.T, m *Manager, want fsm.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 2*time.Millisecond,
		"state stayed %s, want %s", m.State(), want)
}

func TestInitializeReachesIdleAndEmitsReady(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	require.Len(t, h.events.of(EventReady), 1)
	changes := h.events.of(EventStateChange)
	require.Equal(t, fsm.StateInitializing, changes[0].State)
	require.Equal(t, fsm.StateUninitialized, changes[0].Previous)
	require.Equal(t, fsm.StateIdle, changes[1].State)
}

func TestOperationsBeforeInitialize(t *testing.T) {
	h := newHarness(t, nil)
	require.ErrorIs(t, h.m.Activate(context.Background()), ErrNotInitialized)
	require.ErrorIs(t, h.m.Speak(context.Background(), "hi"), ErrNotInitialized)
	require.NoError(t, h.m.Reset(context.Background()))
}

func TestRejectedInitializeDropsPendingConfig(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())
	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateListening)

	other := testConfig()
	other.Language = "fr-FR"
	err := h.m.Initialize(context.Background(), other)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	h.m.mu.Lock()
	pending := h.m.pending
	h.m.mu.Unlock()
	require.Nil(t, pending)
	require.Equal(t, testConfig().Language, h.m.Config().Language)
	require.Equal(t, fsm.StateListening, h.m.State())
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig()
	cfg.Language = ""
	require.Error(t, h.m.Initialize(context.Background(), cfg))
	require.Equal(t, fsm.StateUninitialized, h.m.State())
}

func TestPermissionDeniedIsTerminalUntilReset(t *testing.T) {
	h := newHarness(t, nil)
	h.perms.granted = false

	err := h.m.Initialize(context.Background(), testConfig())
	var verr *voiceerr.Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, voiceerr.KindPermissionDenied, verr.Kind)
	require.False(t, verr.IsRecoverable())
	require.Equal(t, fsm.StateError, h.m.State())

	errs := h.events.of(EventError)
	require.Len(t, errs, 1)
	require.Equal(t, voiceerr.KindPermissionDenied, errs[0].Err.Kind)
	require.Zero(t, h.m.RetryCount())
	require.Zero(t, h.m.timers.ArmedCount())

	require.ErrorIs(t, h.m.Activate(context.Background()), engine.ErrInvalidTransition)
	require.Equal(t, fsm.StateError, h.m.State())
	require.Zero(t, h.rec.Started())

	require.NoError(t, h.m.Reset(context.Background()))
	require.Equal(t, fsm.StateIdle, h.m.State())
}

func TestRequestPermissionsGrantsConsent(t *testing.T) {
	h := newHarness(t, nil)
	h.perms.granted = false

	ok, err := h.m.HasPermissions(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = h.m.RequestPermissions(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	h.initialize(t, testConfig())
}

func TestWakeWordDetectionStartsListening(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	h.rec.Enqueue(
		capture.PartialStep("so hey"),
		capture.PartialStep("so Hey Kiaan, hey kiaan"),
		capture.PartialStep("so hey kiaan hey kiaan what"),
	)
	require.NoError(t, h.m.EnableWakeWord(context.Background()))

	waitState(t, h.m, fsm.StateListening)
	require.False(t, h.m.detector.Armed())

	detected := h.events.of(EventWakeWordDetected)
	require.Len(t, detected, 1)
	require.Equal(t, "hey kiaan", detected[0].Phrase)

	require.Equal(t, 2, h.rec.Started())
	require.Equal(t, 1, h.rec.MaxOpen())
	require.Equal(t, capture.PurposeCommand, h.rec.Last().Options().Purpose)
}

func TestStopListeningResumesWakeWordListening(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	require.NoError(t, h.m.EnableWakeWord(context.Background()))
	require.Equal(t, fsm.StateWakeWordListening, h.m.State())

	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateListening)

	require.NoError(t, h.m.StopListening(context.Background()))
	waitState(t, h.m, fsm.StateWakeWordListening)
	require.Eventually(t, func() bool { return h.rec.Started() == 3 }, time.Second, 2*time.Millisecond)
	require.Equal(t, 1, h.rec.MaxOpen())
	require.Empty(t, h.events.of(EventError))
}

func TestDisableWakeWordDuringTurnResumesIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	require.NoError(t, h.m.EnableWakeWord(context.Background()))
	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateListening)

	before := len(h.events.of(EventStateChange))
	require.NoError(t, h.m.DisableWakeWord(context.Background()))
	require.NoError(t, h.m.StopListening(context.Background()))
	waitState(t, h.m, fsm.StateIdle)

	changes := h.events.of(EventStateChange)[before:]
	require.NotEmpty(t, changes)
	for _, ev := range changes {
		require.NotEqual(t, fsm.StateWakeWordListening, ev.State, "%s -> %s", ev.Previous, ev.State)
	}
	last := changes[len(changes)-1]
	require.Equal(t, fsm.StateListening, last.Previous)
	require.Equal(t, fsm.StateIdle, last.State)
}

// silentRecognizer ends every session at once without speech.
type silentRecognizer struct {
	mu      sync.Mutex
	started int
}

type silentSession struct{}

func (silentSession) Stop()   {}
func (silentSession) Cancel() {}

func (r *silentRecognizer) Start(_ context.Context, _ capture.Options, sink capture.Sink) (capture.Session, error) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	sink.Fail(voiceerr.ErrNoSpeech)
	return silentSession{}, nil
}

func (r *silentRecognizer) Started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func TestEmptyWakeSessionsRestartWithBackoff(t *testing.T) {
	rec := &silentRecognizer{}
	m := New(Deps{
		Recognizer:  rec,
		Synthesizer: &speech.Silent{},
		Permissions: &fakePerms{granted: true},
		Precheck:    func(context.Context, config.Config) *voiceerr.Error { return nil },
	})
	t.Cleanup(func() { _ = m.Destroy(context.Background()) })

	require.NoError(t, m.Initialize(context.Background(), testConfig()))
	require.NoError(t, m.EnableWakeWord(context.Background()))

	time.Sleep(200 * time.Millisecond)
	started := rec.Started()
	require.GreaterOrEqual(t, started, 3)
	require.LessOrEqual(t, started, 20)
	require.Equal(t, fsm.StateWakeWordListening, m.State())
	require.Zero(t, m.RetryCount())

	require.NoError(t, m.Reset(context.Background()))
	stopped := rec.Started()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, stopped, rec.Started())
	require.Equal(t, fsm.StateIdle, m.State())
}

func TestEnableWakeWordRespectsConfig(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig()
	cfg.EnableWakeWord = false
	h.initialize(t, cfg)
	require.ErrorIs(t, h.m.EnableWakeWord(context.Background()), ErrWakeWordDisabled)
}

func TestActivateIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateListening)
	require.NoError(t, h.m.Activate(context.Background()))
	require.NoError(t, h.m.Activate(context.Background()))

	require.Equal(t, fsm.StateListening, h.m.State())
	require.Equal(t, 1, h.rec.Started())
	require.Equal(t, 1, h.rec.MaxOpen())
}

func TestTranscriptMovesToProcessing(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	h.rec.Enqueue(capture.PartialStep("how are"), capture.FinalStep("how are you"))
	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateProcessing)

	transcripts := h.events.of(EventTranscript)
	require.Equal(t, Event{Type: EventTranscript, Text: "how are"}, transcripts[0])
	require.Equal(t, Event{Type: EventTranscript, Text: "how are you", IsFinal: true}, transcripts[len(transcripts)-1])

	require.NoError(t, h.m.BeginThinking(context.Background()))
	require.Equal(t, fsm.StateThinking, h.m.State())
	require.NoError(t, h.m.StopListening(context.Background()))
	waitState(t, h.m, fsm.StateIdle)
}

func TestSilenceTimeoutResolvesWithLastPartial(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig()
	cfg.SilenceTimeoutMS = 30
	h.initialize(t, cfg)

	h.rec.Enqueue(capture.PartialStep("peace"))
	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateProcessing)

	finals := h.events.of(EventTranscript)
	require.Equal(t, "peace", finals[len(finals)-1].Text)
	require.True(t, finals[len(finals)-1].IsFinal)
	require.Zero(t, h.m.timers.ArmedCount())
}

func TestNoSpeechIsBenign(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	h.rec.Enqueue(capture.ErrStep(voiceerr.ErrNoSpeech))
	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateIdle)

	h.rec.Enqueue(capture.FinalStep("  "))
	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateIdle)
	require.Eventually(t, func() bool { return h.rec.Open() == 0 }, time.Second, 2*time.Millisecond)

	require.Empty(t, h.events.of(EventError))
	require.Zero(t, h.m.RetryCount())
	require.NotContains(t, h.states(), fsm.StateError)
}

func (h *harness) states() []fsm.State {
	var out []fsm.State
	for _, ev := range h.events.of(EventStateChange) {
		out = append(out, ev.State)
	}
	return out
}

func TestRecoverableErrorRecoversToIdle(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	h.rec.Enqueue(capture.ErrStep(context.DeadlineExceeded))
	require.NoError(t, h.m.Activate(context.Background()))

	require.Eventually(t, func() bool { return len(h.events.of(EventReady)) == 2 }, 2*time.Second, 2*time.Millisecond)
	waitState(t, h.m, fsm.StateIdle)
	require.Zero(t, h.m.RetryCount())
	require.Empty(t, h.events.of(EventError))

	states := h.states()
	require.Contains(t, states, fsm.StateError)
	require.Contains(t, states, fsm.StateRecovering)
	require.NotContains(t, states, fsm.StateWakeWordListening)
}

func TestRecoveryReturnsToWakeWordListening(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())
	require.NoError(t, h.m.EnableWakeWord(context.Background()))

	h.rec.Enqueue(capture.ErrStep(errors.New("audio glitch")))
	require.NoError(t, h.m.Activate(context.Background()))

	require.Eventually(t, func() bool { return len(h.events.of(EventReady)) == 2 }, 2*time.Second, 2*time.Millisecond)
	waitState(t, h.m, fsm.StateWakeWordListening)
}

func TestRetryBudgetIsBounded(t *testing.T) {
	h := newHarness(t, func(call int) *voiceerr.Error {
		if call == 1 {
			return nil
		}
		return voiceerr.New(voiceerr.KindNetworkError, "recognizer unreachable")
	})
	cfg := testConfig()
	cfg.MaxRetries = 2
	h.initialize(t, cfg)

	h.rec.Enqueue(capture.ErrStep(context.DeadlineExceeded))
	require.NoError(t, h.m.Activate(context.Background()))

	require.Eventually(t, func() bool { return len(h.events.of(EventError)) == 1 }, 2*time.Second, 2*time.Millisecond)
	require.Equal(t, fsm.StateError, h.m.State())

	errs := h.events.of(EventError)
	require.Equal(t, voiceerr.KindNetworkError, errs[0].Err.Kind)
	require.Equal(t, 2, errs[0].Err.Attempts)
	require.Equal(t, 2, h.m.RetryCount())
	require.False(t, h.m.backoff.Armed())

	recovering := 0
	for _, s := range h.states() {
		if s == fsm.StateRecovering {
			recovering++
		}
	}
	require.Equal(t, 2, recovering)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, fsm.StateError, h.m.State())
}

func TestResetCancelsTimers(t *testing.T) {
	h := newHarness(t, nil)
	cfg := testConfig()
	cfg.RetryBaseDelayMS = 5000
	cfg.MaxRetryDelayMS = 8000
	h.initialize(t, cfg)

	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateListening)
	require.True(t, h.m.silence.Armed())

	require.NoError(t, h.m.Reset(context.Background()))
	require.Equal(t, fsm.StateIdle, h.m.State())
	require.Zero(t, h.m.timers.ArmedCount())
	require.Zero(t, h.rec.Open())

	h.rec.Enqueue(capture.ErrStep(errors.New("recognizer hiccup")))
	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateError)
	require.Eventually(t, h.m.backoff.Armed, time.Second, 2*time.Millisecond)

	require.NoError(t, h.m.Reset(context.Background()))
	require.Equal(t, fsm.StateIdle, h.m.State())
	require.Zero(t, h.m.timers.ArmedCount())
	require.Zero(t, h.m.RetryCount())
}

func TestSpeakLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.synth.PerWord = 20 * time.Millisecond
	h.initialize(t, testConfig())

	require.NoError(t, h.m.StopSpeaking(context.Background()))
	require.ErrorIs(t, h.m.Speak(context.Background(), " "), speech.ErrEmptyText)

	require.NoError(t, h.m.Speak(context.Background(), "you are not alone"))
	require.Equal(t, fsm.StateSpeaking, h.m.State())
	waitState(t, h.m, fsm.StateIdle)

	require.Len(t, h.events.of(EventSpeakingStart), 1)
	require.Len(t, h.events.of(EventSpeakingEnd), 1)
	require.Equal(t, []string{"you are not alone"}, h.synth.Spoken())
}

func TestSpeakFlushesAndStopSpeakingResumes(t *testing.T) {
	h := newHarness(t, nil)
	h.synth.PerWord = time.Hour
	h.initialize(t, testConfig())
	require.NoError(t, h.m.EnableWakeWord(context.Background()))

	require.NoError(t, h.m.Speak(context.Background(), "first"))
	require.NoError(t, h.m.Speak(context.Background(), "second"))
	require.Equal(t, fsm.StateSpeaking, h.m.State())
	require.Len(t, h.events.of(EventSpeakingStart), 2)

	require.NoError(t, h.m.StopSpeaking(context.Background()))
	require.Equal(t, fsm.StateWakeWordListening, h.m.State())
	require.False(t, h.m.speaker.Speaking())

	require.NoError(t, h.m.StopSpeaking(context.Background()))
	require.Equal(t, fsm.StateWakeWordListening, h.m.State())
}

func TestInvalidTransitionDoesNotMutate(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())

	before := len(h.events.of(EventStateChange))
	err := h.m.BeginThinking(context.Background())
	var invalid *engine.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, fsm.StateIdle, invalid.From)
	require.Equal(t, fsm.StateIdle, h.m.State())
	require.Len(t, h.events.of(EventStateChange), before)
}

func TestDestroyIsPermanent(t *testing.T) {
	h := newHarness(t, nil)
	h.initialize(t, testConfig())
	require.NoError(t, h.m.Activate(context.Background()))
	waitState(t, h.m, fsm.StateListening)

	require.NoError(t, h.m.Destroy(context.Background()))
	require.Zero(t, h.rec.Open())
	require.Zero(t, h.m.timers.ArmedCount())

	ctx := context.Background()
	require.ErrorIs(t, h.m.Activate(ctx), ErrDestroyed)
	require.ErrorIs(t, h.m.Reset(ctx), ErrDestroyed)
	require.ErrorIs(t, h.m.Initialize(ctx, testConfig()), ErrDestroyed)
	require.ErrorIs(t, h.m.Destroy(ctx), ErrDestroyed)
	_, err := h.m.HasPermissions(ctx)
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestSubscribeCancel(t *testing.T) {
	h := newHarness(t, nil)
	var mu sync.Mutex
	count := 0
	cancel := h.m.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	cancel()
	h.initialize(t, testConfig())

	mu.Lock()
	defer mu.Unlock()
	require.Zero(t, count)
}
