package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbright/kiaanvoice/internal/voiceerr"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recorder struct {
	mu       sync.Mutex
	partials []string
	outcomes []Outcome
	done     chan struct{}
	once     sync.Once
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Partial: func(_ uint64, text string) {
			r.mu.Lock()
			r.partials = append(r.partials, text)
			r.mu.Unlock()
		},
		Done: func(o Outcome) {
			r.mu.Lock()
			r.outcomes = append(r.outcomes, o)
			r.mu.Unlock()
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *recorder) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture session did not resolve")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[0]
}

func (r *recorder) outcomeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outcomes)
}

func TestFinalTranscriptResolvesOnce(t *testing.T) {
	rec := NewScripted([]Step{PartialStep("hel"), PartialStep("hello"), FinalStep("hello there")})
	a := NewAdapter(nil, rec, 50*time.Millisecond)
	out := newRecorder()

	gen, err := a.Start(context.Background(), Options{Purpose: PurposeCommand}, out.handlers())
	require.NoError(t, err)

	got := out.wait(t)
	require.Equal(t, gen, got.Generation)
	require.Equal(t, "hello there", got.Text)
	require.False(t, got.Benign)
	require.NotEmpty(t, got.SessionID)

	last := rec.Last()
	last.Final("ignored")
	last.Fail(errors.New("late"))
	require.Equal(t, 1, out.outcomeCount())
	require.Equal(t, []string{"hel", "hello"}, out.partials)

	_, open := a.Active()
	require.False(t, open)
}

func TestStopResolvesWithLastPartial(t *testing.T) {
	rec := NewScripted()
	a := NewAdapter(nil, rec, time.Second)
	out := newRecorder()

	gen, err := a.Start(context.Background(), Options{}, out.handlers())
	require.NoError(t, err)
	rec.Last().Partial("turn on the lights")

	require.NoError(t, a.Stop(gen))
	got := out.wait(t)
	require.Equal(t, "turn on the lights", got.Text)
	require.False(t, got.Synthesized)
}

func TestStopGraceSynthesizesFinal(t *testing.T) {
	rec := NewScripted()
	rec.IgnoreStop = true
	a := NewAdapter(nil, rec, 20*time.Millisecond)
	out := newRecorder()

	gen, err := a.Start(context.Background(), Options{}, out.handlers())
	require.NoError(t, err)
	rec.Last().Partial("breathe in")

	require.NoError(t, a.Stop(gen))
	got := out.wait(t)
	require.Equal(t, "breathe in", got.Text)
	require.True(t, got.Synthesized)
	require.Eventually(t, func() bool { return rec.Open() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopWithoutSpeechIsBenign(t *testing.T) {
	rec := NewScripted()
	a := NewAdapter(nil, rec, time.Second)
	out := newRecorder()

	gen, err := a.Start(context.Background(), Options{}, out.handlers())
	require.NoError(t, err)
	require.NoError(t, a.Stop(gen))

	got := out.wait(t)
	require.True(t, got.Benign)
	require.Nil(t, got.Err)
}

func TestNoSpeechErrorIsBenign(t *testing.T) {
	rec := NewScripted([]Step{ErrStep(voiceerr.ErrNoSpeech)})
	a := NewAdapter(nil, rec, time.Second)
	out := newRecorder()

	_, err := a.Start(context.Background(), Options{}, out.handlers())
	require.NoError(t, err)

	got := out.wait(t)
	require.True(t, got.Benign)
	require.Nil(t, got.Err)
}

func TestPlatformErrorIsClassified(t *testing.T) {
	rec := NewScripted([]Step{ErrStep(status.Error(codes.Unavailable, "asr down"))})
	a := NewAdapter(nil, rec, time.Second)
	out := newRecorder()

	_, err := a.Start(context.Background(), Options{}, out.handlers())
	require.NoError(t, err)

	got := out.wait(t)
	require.NotNil(t, got.Err)
	require.Equal(t, voiceerr.KindNetworkError, got.Err.Kind)
	require.True(t, got.Err.IsRecoverable())
}

func TestStartFailureIsClassified(t *testing.T) {
	rec := NewScripted()
	rec.FailStarts(voiceerr.New(voiceerr.KindMicrophoneUnavailable, "no source"))
	a := NewAdapter(nil, rec, time.Second)

	_, err := a.Start(context.Background(), Options{}, Handlers{})
	var ve *voiceerr.Error
	require.ErrorAs(t, err, &ve)
	require.Equal(t, voiceerr.KindMicrophoneUnavailable, ve.Kind)
	require.Zero(t, rec.Open())
}

func TestNilRecognizerIsUnavailable(t *testing.T) {
	a := NewAdapter(nil, nil, 0)
	_, err := a.Start(context.Background(), Options{}, Handlers{})
	var ve *voiceerr.Error
	require.ErrorAs(t, err, &ve)
	require.False(t, ve.IsRecoverable())
}

func TestNewStartCancelsPreviousSession(t *testing.T) {
	rec := NewScripted()
	a := NewAdapter(nil, rec, time.Second)
	first := newRecorder()
	second := newRecorder()

	gen1, err := a.Start(context.Background(), Options{}, first.handlers())
	require.NoError(t, err)
	gen2, err := a.Start(context.Background(), Options{}, second.handlers())
	require.NoError(t, err)

	require.Greater(t, gen2, gen1)
	require.Equal(t, 1, rec.Open())
	require.Equal(t, 1, rec.MaxOpen())
	require.False(t, a.IsCurrent(gen1))
	require.True(t, a.IsCurrent(gen2))
	require.ErrorIs(t, a.Stop(gen1), ErrNoSession)
	require.Zero(t, first.outcomeCount())
}

func TestCancelSuppressesOutcome(t *testing.T) {
	rec := NewScripted()
	a := NewAdapter(nil, rec, time.Second)
	out := newRecorder()

	gen, err := a.Start(context.Background(), Options{}, out.handlers())
	require.NoError(t, err)
	session := rec.Last()

	a.Cancel(gen)
	session.Final("too late")

	require.Zero(t, out.outcomeCount())
	require.Zero(t, rec.Open())
	_, open := a.Active()
	require.False(t, open)
}
