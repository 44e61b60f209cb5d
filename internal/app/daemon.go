package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rbright/kiaanvoice/internal/cli"
	"github.com/rbright/kiaanvoice/internal/config"
	"github.com/rbright/kiaanvoice/internal/indicator"
	"github.com/rbright/kiaanvoice/internal/ipc"
	"github.com/rbright/kiaanvoice/internal/logging"
	"github.com/rbright/kiaanvoice/internal/speech"
	"github.com/rbright/kiaanvoice/internal/stream"
	"github.com/rbright/kiaanvoice/internal/voice"
)

const (
	watchBuffer     = 64
	shutdownTimeout = 3 * time.Second
)

// commandRun owns the runtime socket and serves control commands against a
// single voice manager until ctx is canceled.
func (r Runner) commandRun(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	listener, err := ipc.Acquire(ctx, socketPath, ipc.AcquireOptions{ProbeTimeout: 180 * time.Millisecond, Retries: 8})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(socketPath)
	}()

	recognizer := stream.New(stream.Config{
		Endpoint:   cfg.Recognizer.Endpoint,
		APIKey:     cfg.Recognizer.APIKey,
		Model:      cfg.Recognizer.Model,
		SampleRate: cfg.Recognizer.SampleRate,
	}, stream.PulseSource(cfg.Audio.Input, cfg.Audio.Fallback, cfg.Recognizer.SampleRate, logger), logger)

	mgr := voice.New(voice.Deps{
		Logger:      logger,
		Recognizer:  recognizer,
		Synthesizer: speech.NewCommandSynthesizer(cfg.Speech.Command.Argv),
		Cues:        indicator.New(logger, indicator.Options{}, nil, nil),
	})

	d := newDaemon(ctx, mgr, cfg, logger, r.Stdout)
	defer d.close()

	if err := d.start(ctx); err != nil {
		// The daemon keeps serving so a client can fix the cause and reset.
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
	}

	serverErr := ipc.Serve(ctx, listener, d)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Destroy(shutdownCtx); err != nil {
		logger.Warn("destroy voice manager", "error", err.Error())
	}

	if serverErr != nil {
		fmt.Fprintf(r.Stderr, "error: ipc server failed: %v\n", serverErr)
		return 1
	}
	return 0
}

// syncWriter serializes lines written from event callbacks and command
// handlers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.w, line)
}

// daemon adapts IPC requests to manager operations.
type daemon struct {
	ctx    context.Context
	mgr    *voice.Manager
	cfg    config.Config
	logger *slog.Logger
	out    *syncWriter
	unsub  func()
	wg     sync.WaitGroup
}

func newDaemon(ctx context.Context, mgr *voice.Manager, cfg config.Config, logger *slog.Logger, stdout io.Writer) *daemon {
	d := &daemon{
		ctx:    ctx,
		mgr:    mgr,
		cfg:    cfg,
		logger: logging.Component(logger, "daemon"),
		out:    &syncWriter{w: stdout},
	}
	d.unsub = mgr.Subscribe(d.onEvent)
	return d
}

// start initializes the manager and arms wake-word listening when the
// configuration enables it.
func (d *daemon) start(ctx context.Context) error {
	if err := d.mgr.Initialize(ctx, d.cfg); err != nil {
		return fmt.Errorf("initialize voice runtime: %w", err)
	}
	return d.armWakeWord(ctx)
}

func (d *daemon) armWakeWord(ctx context.Context) error {
	if !d.cfg.EnableWakeWord {
		return nil
	}
	if err := d.mgr.EnableWakeWord(ctx); err != nil {
		return fmt.Errorf("enable wake word: %w", err)
	}
	return nil
}

func (d *daemon) close() {
	d.unsub()
	d.wg.Wait()
}

// onEvent runs on the manager's engine goroutine, so follow-up operations
// are handed to their own goroutine.
func (d *daemon) onEvent(ev voice.Event) {
	switch ev.Type {
	case voice.EventTranscript:
		if !ev.IsFinal {
			return
		}
		d.out.println("transcript: " + ev.Text)
		d.async(func() {
			if err := d.mgr.StopListening(d.ctx); err != nil {
				d.logger.Warn("end turn after transcript", "error", err.Error())
			}
		})
	case voice.EventWakeWordDetected:
		d.logger.Info("wake word detected", "phrase", ev.Phrase)
	case voice.EventError:
		if ev.Err != nil {
			d.out.println(fmt.Sprintf("error: %s (%s)", ev.Err.Message, ev.Err.Kind))
		}
	}
}

func (d *daemon) async(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *daemon) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	var (
		err     error
		message string
	)

	switch cli.Command(req.Command) {
	case cli.CommandStatus:
		return d.status()
	case cli.CommandActivate:
		err = d.mgr.Activate(ctx)
		message = "listening"
	case cli.CommandStop:
		err = d.mgr.StopListening(ctx)
		message = "stopped"
	case cli.CommandSpeak:
		err = d.mgr.Speak(ctx, req.Text)
		message = "speaking"
	case cli.CommandHush:
		err = d.mgr.StopSpeaking(ctx)
		message = "hushed"
	case cli.CommandWake:
		switch req.Text {
		case "on":
			err = d.mgr.EnableWakeWord(ctx)
			message = "wake word armed"
		case "off":
			err = d.mgr.DisableWakeWord(ctx)
			message = "wake word disarmed"
		default:
			return ipc.Response{OK: false, Error: fmt.Sprintf("invalid wake argument %q", req.Text)}
		}
	case cli.CommandReset:
		err = d.mgr.Reset(ctx)
		if err == nil {
			err = d.start(ctx)
		}
		message = "reset"
	default:
		return ipc.Response{OK: false, Error: fmt.Sprintf("unsupported command %q", req.Command)}
	}

	if err != nil {
		d.logger.Warn("command failed", "command", req.Command, "error", err.Error())
		return ipc.Response{OK: false, State: string(d.mgr.State()), Error: err.Error()}
	}
	return ipc.Response{OK: true, State: string(d.mgr.State()), Message: message}
}

func (d *daemon) status() ipc.Response {
	return ipc.Response{
		OK:         true,
		State:      string(d.mgr.State()),
		RetryCount: d.mgr.RetryCount(),
	}
}

func (d *daemon) Streams(command string) bool {
	return cli.Command(command) == cli.CommandWatch
}

// Stream forwards manager events to a watch client. Events are dropped for
// a client that falls behind rather than stalling the engine goroutine.
func (d *daemon) Stream(ctx context.Context, _ ipc.Request, send func(any) error) error {
	events := make(chan voice.Event, watchBuffer)
	unsub := d.mgr.Subscribe(func(ev voice.Event) {
		select {
		case events <- ev:
		default:
			d.logger.Warn("watch client lagging; dropping event", "type", ev.Type)
		}
	})
	defer unsub()

	if err := send(voice.Event{Type: voice.EventStateChange, State: d.mgr.State()}); err != nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := send(ev); err != nil {
				return nil
			}
		}
	}
}
