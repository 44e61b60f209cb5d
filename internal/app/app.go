package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rbright/kiaanvoice/internal/audio"
	"github.com/rbright/kiaanvoice/internal/cli"
	"github.com/rbright/kiaanvoice/internal/config"
	"github.com/rbright/kiaanvoice/internal/ipc"
	"github.com/rbright/kiaanvoice/internal/logging"
	"github.com/rbright/kiaanvoice/internal/precheck"
	"github.com/rbright/kiaanvoice/internal/version"
)

const (
	binaryName     = "kiaanvoice"
	forwardTimeout = 2 * time.Second
)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText(binaryName))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText(binaryName))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}
	logRuntime.SetDebug(cfgLoaded.Config.DebugMode)
	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandRun:
		return r.commandRun(ctx, cfgLoaded.Config, logger)
	case cli.CommandSimulate:
		return r.commandSimulate(ctx, cfgLoaded.Config, parsed.Text(), logger)
	case cli.CommandDoctor:
		return r.commandDoctor(ctx, cfgLoaded, logger)
	case cli.CommandDevices:
		return r.commandDevices(ctx)
	case cli.CommandPermissions:
		return r.commandPermissions(cfgLoaded.Config, parsed.Text())
	case cli.CommandStatus:
		return r.commandStatus(ctx)
	case cli.CommandWatch:
		return r.commandWatch(ctx)
	case cli.CommandActivate, cli.CommandStop, cli.CommandHush, cli.CommandReset:
		return r.forwardOrFail(ctx, ipc.Request{Command: string(parsed.Command)})
	case cli.CommandSpeak, cli.CommandWake:
		return r.forwardOrFail(ctx, ipc.Request{Command: string(parsed.Command), Text: parsed.Text()})
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandDoctor(ctx context.Context, loaded config.Loaded, logger *slog.Logger) int {
	fmt.Fprintf(r.Stdout, "config: %s", loaded.Path)
	if loaded.Exists {
		fmt.Fprintln(r.Stdout, " (loaded)")
	} else {
		fmt.Fprintln(r.Stdout, " (defaults)")
	}

	consent, err := precheck.NewConsent(loaded.Config.Permissions)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	report, verr := precheck.New(loaded.Config, consent, precheck.Probes{}, logger).Run(checkCtx)
	fmt.Fprintln(r.Stdout, report.String())
	if verr != nil {
		logger.Warn("doctor found blocking failure", "kind", verr.Kind, "error", verr.Error())
		return 1
	}
	return 0
}

func (r Runner) commandDevices(ctx context.Context) int {
	devices, err := audio.ListDevices(ctx)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Fprintln(r.Stdout, "no audio devices found")
		return 1
	}

	for _, device := range devices {
		defaultMark := " "
		if device.Default {
			defaultMark = "*"
		}
		availability := "yes"
		if !device.Available {
			availability = "no"
		}
		muted := "no"
		if device.Muted {
			muted = "yes"
		}
		fmt.Fprintf(
			r.Stdout,
			"%s id=%s | description=%q | state=%s | available=%s | muted=%s\n",
			defaultMark,
			device.ID,
			device.Description,
			device.State,
			availability,
			muted,
		)
	}

	return 0
}

func (r Runner) commandPermissions(cfg config.Config, action string) int {
	consent, err := precheck.NewConsent(cfg.Permissions)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if !consent.Required {
		fmt.Fprintln(r.Stdout, "microphone consent not required by configuration")
		return 0
	}

	switch action {
	case "grant":
		err = consent.Grant()
	case "revoke":
		err = consent.Revoke()
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	granted, err := consent.Granted()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if granted {
		fmt.Fprintf(r.Stdout, "microphone consent granted (%s)\n", consent.Path)
		return 0
	}
	fmt.Fprintf(r.Stdout, "microphone consent not granted (%s)\n", consent.Path)
	return 0
}

func (r Runner) commandStatus(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "stopped")
		return 0
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: string(cli.CommandStatus)})
	if !handled {
		fmt.Fprintln(r.Stdout, "stopped")
		return 0
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.State == "" {
		resp.State = "unknown"
	}
	if resp.RetryCount > 0 {
		fmt.Fprintf(r.Stdout, "%s (retries=%d)\n", resp.State, resp.RetryCount)
		return 0
	}
	fmt.Fprintln(r.Stdout, resp.State)
	return 0
}

func (r Runner) commandWatch(ctx context.Context) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	err = ipc.Watch(ctx, socketPath, ipc.Request{Command: string(cli.CommandWatch)}, func(line []byte) error {
		_, werr := fmt.Fprintln(r.Stdout, string(line))
		return werr
	})
	if err != nil {
		if isSocketMissing(err) || isConnectionRefused(err) {
			fmt.Fprintln(r.Stderr, "error: no running kiaanvoice daemon")
			return 1
		}
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (r Runner) forwardOrFail(ctx context.Context, req ipc.Request) int {
	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	resp, handled, err := tryForward(ctx, socketPath, req)
	if !handled {
		fmt.Fprintf(r.Stderr, "error: no running kiaanvoice daemon\n")
		return 1
	}
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	if resp.Message != "" {
		fmt.Fprintln(r.Stdout, resp.Message)
	}
	return 0
}

func tryForward(ctx context.Context, socketPath string, req ipc.Request) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, forwardTimeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isSocketMissing(err) {
		return ipc.Response{}, false, nil
	}
	if isConnectionRefused(err) {
		return ipc.Response{}, false, nil
	}

	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}

func isSocketMissing(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrNotExist) ||
		strings.Contains(err.Error(), "no such file or directory")
}

func isConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}
