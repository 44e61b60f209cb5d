package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// SocketEnv overrides the daemon socket location.
const SocketEnv = "KIAANVOICE_SOCKET"

var ErrAlreadyRunning = errors.New("kiaanvoice daemon already running")

// RuntimeSocketPath returns $KIAANVOICE_SOCKET or the socket under
// $XDG_RUNTIME_DIR.
func RuntimeSocketPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(SocketEnv)); explicit != "" {
		return explicit, nil
	}
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtimeDir, "kiaanvoice.sock"), nil
}

const defaultProbeTimeout = 200 * time.Millisecond

// AcquireOptions bounds stale-socket recovery.
type AcquireOptions struct {
	ProbeTimeout time.Duration
	Retries      int
}

// Acquire listens on path for the daemon. A socket left behind by a dead
// daemon is removed; a responsive one yields ErrAlreadyRunning. A socket
// whose owner does not answer conclusively is left in place.
func Acquire(ctx context.Context, path string, opts AcquireOptions) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure runtime socket dir: %w", err)
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}

	for attempt := 0; ; attempt++ {
		listener, err := net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			return listener, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen unix %s: %w", path, err)
		}

		alive, probeErr := Probe(ctx, path, opts.ProbeTimeout)
		switch {
		case alive:
			return nil, ErrAlreadyRunning
		case probeErr != nil:
			return nil, fmt.Errorf("probe existing socket %s: %w", path, probeErr)
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}

		if attempt >= opts.Retries {
			return nil, fmt.Errorf("failed to acquire socket %s after %d retries", path, opts.Retries)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
		}
	}
}
