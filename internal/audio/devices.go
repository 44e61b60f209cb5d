// Package audio discovers PulseAudio input sources and streams microphone
// PCM for recognizer sessions.
package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const applicationName = "kiaanvoice"

// ErrNoDevices is returned when the server reports no input sources.
var ErrNoDevices = errors.New("no audio input devices found")

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// usable reports whether the source can deliver speech right now.
func (d Device) usable() bool {
	return d.Available && !d.Muted
}

func (d Device) problem() string {
	if d.Muted {
		return "muted"
	}
	return "unavailable"
}

// Selection is the resolved microphone. Warning is set when the preferred
// source could not be used and Device is a fallback.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

func newClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(applicationName),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns every Pulse input source with default and
// availability metadata.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}

	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return devicesFromInfo(infos, defaultSource.ID()), nil
}

func devicesFromInfo(infos pulseproto.GetSourceInfoListReply, defaultID string) []Device {
	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			State:       sourceState(info.State),
			Available:   activePortAvailable(info),
			Muted:       info.Mute,
			Default:     info.SourceName == defaultID,
		})
	}
	return devices
}

// SelectDevice resolves the audio.input and audio.fallback preferences
// against the live source list.
func SelectDevice(ctx context.Context, input string, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return choose(devices, input, fallback)
}

// choose picks the preferred source, falling back when it is muted or
// unavailable. "default" and "" both mean the server's default source.
func choose(devices []Device, input string, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, ErrNoDevices
	}

	primary, err := resolve(devices, input)
	if err != nil {
		return Selection{}, fmt.Errorf("audio.input: %w", err)
	}
	if primary.usable() {
		return Selection{Device: primary}, nil
	}

	backup, err := resolve(devices, fallback)
	if err != nil {
		return Selection{}, fmt.Errorf("audio.input %q is %s and fallback is unusable: %w", primary.ID, primary.problem(), err)
	}
	if !backup.usable() {
		return Selection{}, fmt.Errorf("audio fallback device %q is %s", backup.ID, backup.problem())
	}

	return Selection{
		Device:   backup,
		Warning:  fmt.Sprintf("audio.input %q is %s; falling back to %q", primary.ID, primary.problem(), backup.ID),
		Fallback: backup.ID != primary.ID,
	}, nil
}

// resolve maps one preference term to a device.
func resolve(devices []Device, term string) (Device, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" || term == "default" {
		for _, d := range devices {
			if d.Default {
				return d, nil
			}
		}
		return Device{}, errors.New("default audio source is unavailable")
	}
	for _, d := range devices {
		if matches(d, term) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%q did not match any device", term)
}

// matches reports whether a lower-cased term occurs in a device id or
// description.
func matches(d Device, term string) bool {
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(d.ID), term) ||
		strings.Contains(strings.ToLower(d.Description), term)
}

func sourceState(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// activePortAvailable treats sources without ports, and ports whose
// availability is unknown (0) or yes (2), as available.
func activePortAvailable(info *pulseproto.GetSourceInfoReply) bool {
	if info == nil {
		return false
	}
	for _, port := range info.Ports {
		if port.Name == info.ActivePortName {
			return port.Available != 1
		}
	}
	return true
}
