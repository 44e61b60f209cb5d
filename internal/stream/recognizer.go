// Package stream implements a streaming speech recognizer that sends
// microphone PCM over a websocket and reads Deepgram-style results.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rbright/kiaanvoice/internal/audio"
	"github.com/rbright/kiaanvoice/internal/capture"
	"github.com/rbright/kiaanvoice/internal/logging"
	"github.com/rbright/kiaanvoice/internal/voiceerr"
)

const (
	defaultDialTimeout = 5 * time.Second
	// commandDialTimeout bounds the dial for push-to-talk sessions, which
	// are opened while the caller waits.
	commandDialTimeout = 1500 * time.Millisecond
)

// PCMSource is an open microphone stream.
type PCMSource interface {
	Chunks() <-chan []byte
	Stop() error
}

// SourceOpener opens a microphone stream for one session.
type SourceOpener func(ctx context.Context) (PCMSource, error)

// PulseSource opens the configured Pulse input through the audio package.
func PulseSource(input, fallback string, sampleRate int, logger *slog.Logger) SourceOpener {
	logger = logging.Component(logger, "audio")
	return func(ctx context.Context) (PCMSource, error) {
		selection, err := audio.SelectDevice(ctx, input, fallback)
		if err != nil {
			if errors.Is(err, audio.ErrNoDevices) {
				return nil, voiceerr.Wrap(voiceerr.KindMicrophoneUnavailable, err)
			}
			return nil, voiceerr.Wrap(voiceerr.KindAudioError, err)
		}
		if selection.Warning != "" {
			logger.Warn(selection.Warning)
		}
		c, err := audio.StartCapture(ctx, selection.Device, audio.Format{SampleRate: sampleRate})
		if err != nil {
			return nil, voiceerr.Wrap(voiceerr.KindAudioError, err)
		}
		return c, nil
	}
}

// Config describes the remote recognizer endpoint.
type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	SampleRate  int
	DialTimeout time.Duration
}

// Recognizer implements capture.Recognizer over a websocket.
type Recognizer struct {
	cfg    Config
	open   SourceOpener
	logger *slog.Logger
	dialer *websocket.Dialer
}

// New builds a websocket recognizer reading audio from open.
func New(cfg Config, open SourceOpener, logger *slog.Logger) *Recognizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Recognizer{
		cfg:    cfg,
		open:   open,
		logger: logging.Component(logger, "stream"),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}
}

// ListenURL builds the endpoint URL with recognition parameters.
func (r *Recognizer) ListenURL(opts capture.Options) (string, error) {
	u, err := url.Parse(r.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse recognizer endpoint: %w", err)
	}
	q := u.Query()
	if r.cfg.Model != "" {
		q.Set("model", r.cfg.Model)
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", strconv.FormatBool(opts.Purpose != capture.PurposeWakeWord))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Recognizer) Start(ctx context.Context, opts capture.Options, sink capture.Sink) (capture.Session, error) {
	if r.open == nil {
		return nil, voiceerr.New(voiceerr.KindMicrophoneUnavailable, "no audio source configured")
	}

	target, err := r.ListenURL(opts)
	if err != nil {
		return nil, voiceerr.Wrap(voiceerr.KindSpeechRecognitionUnavailable, err)
	}

	header := http.Header{}
	if r.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+r.cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout(opts.Purpose))
	defer cancel()

	conn, resp, err := r.dialer.DialContext(dialCtx, target, header)
	if err != nil {
		if resp != nil {
			return nil, handshakeError(resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}

	source, err := r.open(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &session{
		conn:    conn,
		source:  source,
		sink:    sink,
		purpose: opts.Purpose,
		logger:  r.logger.With("session_id", opts.SessionID),
	}
	go s.pump()
	go s.read()
	s.logger.Debug("recognizer stream opened", "endpoint", r.cfg.Endpoint)
	return s, nil
}

func (r *Recognizer) dialTimeout(purpose capture.Purpose) time.Duration {
	if purpose == capture.PurposeCommand && r.cfg.DialTimeout > commandDialTimeout {
		return commandDialTimeout
	}
	return r.cfg.DialTimeout
}

func handshakeError(status int, err error) error {
	wrapped := fmt.Errorf("recognizer handshake status %d: %w", status, err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return voiceerr.Wrap(voiceerr.KindSpeechRecognitionUnavailable, wrapped)
	case status == http.StatusTooManyRequests || status >= 500:
		return voiceerr.Wrap(voiceerr.KindNetworkError, wrapped)
	default:
		return voiceerr.Wrap(voiceerr.KindRecognitionError, wrapped)
	}
}

type resultMessage struct {
	Type        string        `json:"type"`
	IsFinal     bool          `json:"is_final,omitempty"`
	SpeechFinal bool          `json:"speech_final,omitempty"`
	Channel     resultChannel `json:"channel,omitempty"`
	Description string        `json:"description,omitempty"`
	Message     string        `json:"message,omitempty"`
}

type resultChannel struct {
	Alternatives []resultAlternative `json:"alternatives,omitempty"`
}

type resultAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type session struct {
	conn    *websocket.Conn
	source  PCMSource
	sink    capture.Sink
	purpose capture.Purpose
	logger  *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	stopping  bool
	cancelled bool
	finished  bool
	committed []string
	closeOnce sync.Once
}

// pump forwards PCM until the source closes or the session ends.
func (s *session) pump() {
	for chunk := range s.source.Chunks() {
		if err := s.write(websocket.BinaryMessage, chunk); err != nil {
			if s.isStopping() {
				return
			}
			s.fail(fmt.Errorf("send audio: %w", err))
			return
		}
	}
}

func (s *session) read() {
	defer s.shutdown()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.isCancelled() {
				return
			}
			if s.isStopping() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.final()
				return
			}
			s.fail(fmt.Errorf("read recognizer: %w", err))
			return
		}

		var msg resultMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warn("ignoring malformed recognizer message", "error", err.Error())
			continue
		}

		switch msg.Type {
		case "Results":
			s.handleResult(msg)
		case "Error":
			text := msg.Description
			if text == "" {
				text = msg.Message
			}
			s.fail(voiceerr.New(voiceerr.KindRecognitionError, text))
			return
		default:
			s.logger.Debug("recognizer message", "type", msg.Type)
		}
	}
}

func (s *session) handleResult(msg resultMessage) {
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if msg.IsFinal && text != "" {
		s.committed = append(s.committed, text)
	}
	current := strings.Join(s.committed, " ")
	if !msg.IsFinal && text != "" {
		current = strings.TrimSpace(current + " " + text)
	}
	// Wake word sessions are long-lived; each utterance starts fresh.
	if msg.SpeechFinal && s.purpose == capture.PurposeWakeWord {
		s.committed = nil
	}
	s.mu.Unlock()

	if current != "" {
		s.sink.Partial(current)
	}
	if msg.SpeechFinal && s.purpose == capture.PurposeCommand {
		s.final()
		s.shutdown()
	}
}

func (s *session) write(kind int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(defaultDialTimeout))
	return s.conn.WriteMessage(kind, payload)
}

// Stop ends audio and asks the server to flush its final results.
func (s *session) Stop() {
	s.mu.Lock()
	if s.stopping || s.cancelled || s.finished {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	_ = s.source.Stop()
	if err := s.write(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.logger.Warn("close stream request failed", "error", err.Error())
	}
}

// Cancel drops the session without a result.
func (s *session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.shutdown()
}

func (s *session) final() {
	s.mu.Lock()
	if s.finished || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.finished = true
	text := strings.Join(s.committed, " ")
	s.mu.Unlock()
	s.sink.Final(text)
}

func (s *session) fail(err error) {
	s.mu.Lock()
	if s.finished || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()
	s.sink.Fail(err)
	s.shutdown()
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		_ = s.source.Stop()
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *session) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}
