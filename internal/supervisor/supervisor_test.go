package supervisor

import (
	"testing"
	"time"

	"github.com/rbright/kiaanvoice/internal/voiceerr"
	"github.com/stretchr/testify/require"
)

func TestBackoffCurve(t *testing.T) {
	s := New(nil, Policy{MaxRetries: 10, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second},
		{62, 8 * time.Second},
		{-1, 500 * time.Millisecond},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, s.Backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestBackoffNonPowerOfTwoCap(t *testing.T) {
	s := New(nil, Policy{MaxRetries: 3, BaseDelay: 300 * time.Millisecond, MaxDelay: time.Second})
	require.Equal(t, 600*time.Millisecond, s.Backoff(1))
	require.Equal(t, time.Second, s.Backoff(2))
}

func TestPolicyDefaults(t *testing.T) {
	s := New(nil, Policy{MaxRetries: -2})
	p := s.Policy()
	require.Zero(t, p.MaxRetries)
	require.Equal(t, 500*time.Millisecond, p.BaseDelay)
	require.Equal(t, DefaultMaxDelay, p.MaxDelay)
}

func TestBudgetExhaustsAfterMaxRetries(t *testing.T) {
	const n = 3
	s := New(nil, Policy{MaxRetries: n, BaseDelay: 500 * time.Millisecond})
	transient := voiceerr.New(voiceerr.KindTimeout, "recognizer timed out")

	for k := 0; k < n; k++ {
		d := s.OnError(transient)
		require.Equal(t, ActionRetry, d.Action, "error %d", k+1)
		require.Equal(t, k, d.Attempt)
		require.Equal(t, s.Backoff(k), d.Delay)
	}

	d := s.OnError(transient)
	require.Equal(t, ActionGiveUp, d.Action)
	require.Equal(t, n, d.Attempts)
	require.Equal(t, n, s.Retries())
}

func TestPermanentErrorDoesNotSpendBudget(t *testing.T) {
	s := New(nil, Policy{MaxRetries: 3})
	d := s.OnError(voiceerr.New(voiceerr.KindPermissionDenied, "denied"))
	require.Equal(t, ActionPermanent, d.Action)
	require.Zero(t, s.Retries())
}

func TestReadyAndResetClearCounter(t *testing.T) {
	s := New(nil, Policy{MaxRetries: 3})
	transient := voiceerr.New(voiceerr.KindNetworkError, "reset by peer")

	s.OnError(transient)
	s.OnError(transient)
	require.Equal(t, 2, s.Retries())
	s.OnReady()
	require.Zero(t, s.Retries())

	d := s.OnError(transient)
	require.Equal(t, 0, d.Attempt)

	s.Reset()
	require.Zero(t, s.Retries())
}

func TestZeroRetriesGivesUpImmediately(t *testing.T) {
	s := New(nil, Policy{MaxRetries: 0})
	d := s.OnError(voiceerr.New(voiceerr.KindAudioError, "glitch"))
	require.Equal(t, ActionGiveUp, d.Action)
	require.Zero(t, d.Attempts)
}
