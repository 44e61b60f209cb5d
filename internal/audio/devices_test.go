package audio

import (
	"context"
	"reflect"
	"testing"

	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/require"
)

func testDevices() []Device {
	return []Device{
		{ID: "alsa_input.usb-rode", Description: "RODE NT-USB", Available: true, Default: true},
		{ID: "bluez_input.headset", Description: "Pixel Buds Pro", Available: true},
	}
}

func TestChooseTable(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func([]Device)
		input        string
		fallback     string
		wantID       string
		wantFallback bool
		wantWarning  string
		wantErr      string
	}{
		{name: "default source", input: "default", fallback: "default", wantID: "alsa_input.usb-rode"},
		{name: "empty means default", wantID: "alsa_input.usb-rode"},
		{name: "match by description", input: "pixel buds", wantID: "bluez_input.headset"},
		{name: "match is case insensitive", input: "  RODE ", wantID: "alsa_input.usb-rode"},
		{
			name:         "muted input falls back",
			mutate:       func(d []Device) { d[1].Muted = true },
			input:        "headset",
			fallback:     "rode",
			wantID:       "alsa_input.usb-rode",
			wantFallback: true,
			wantWarning:  "muted",
		},
		{
			name:         "unavailable input falls back to default",
			mutate:       func(d []Device) { d[1].Available = false },
			input:        "headset",
			wantID:       "alsa_input.usb-rode",
			wantFallback: true,
			wantWarning:  "unavailable",
		},
		{
			name:    "muted default with default fallback",
			mutate:  func(d []Device) { d[0].Muted = true },
			wantErr: `audio fallback device "alsa_input.usb-rode" is muted`,
		},
		{name: "unknown input", input: "missing", wantErr: "did not match"},
		{
			name:     "unknown fallback",
			mutate:   func(d []Device) { d[0].Muted = true },
			fallback: "missing",
			wantErr:  "fallback is unusable",
		},
		{
			name:    "no default source",
			mutate:  func(d []Device) { d[0].Default = false },
			wantErr: "default audio source is unavailable",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			devices := testDevices()
			if tc.mutate != nil {
				tc.mutate(devices)
			}
			selection, err := choose(devices, tc.input, tc.fallback)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantID, selection.Device.ID)
			require.Equal(t, tc.wantFallback, selection.Fallback)
			if tc.wantWarning == "" {
				require.Empty(t, selection.Warning)
			} else {
				require.Contains(t, selection.Warning, tc.wantWarning)
			}
		})
	}
}

func TestChooseWithoutDevices(t *testing.T) {
	_, err := choose(nil, "default", "default")
	require.ErrorIs(t, err, ErrNoDevices)
}

func TestListAndSelectFailWhenPulseUnavailable(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/definitely-missing-pulse-server")

	_, err := ListDevices(context.Background())
	require.ErrorContains(t, err, "connect pulse server")

	_, err = SelectDevice(context.Background(), "default", "default")
	require.Error(t, err)
}

func TestDevicesFromInfo(t *testing.T) {
	mic := &pulseproto.GetSourceInfoReply{SourceName: "mic", Device: "Desk Mic", State: 1, ActivePortName: "analog"}
	setSourcePorts(t, mic, []sourcePort{{name: "analog", available: 1}})
	monitor := &pulseproto.GetSourceInfoReply{SourceName: "monitor", Device: "Monitor", Mute: true}

	devices := devicesFromInfo(pulseproto.GetSourceInfoListReply{mic, nil, monitor}, "monitor")
	require.Equal(t, []Device{
		{ID: "mic", Description: "Desk Mic", State: "idle", Available: false},
		{ID: "monitor", Description: "Monitor", State: "running", Available: true, Muted: true, Default: true},
	}, devices)
}

func TestActivePortAvailable(t *testing.T) {
	require.False(t, activePortAvailable(nil))
	require.True(t, activePortAvailable(&pulseproto.GetSourceInfoReply{}))

	unknown := &pulseproto.GetSourceInfoReply{ActivePortName: "mic"}
	setSourcePorts(t, unknown, []sourcePort{{name: "mic", available: 0}})
	require.True(t, activePortAvailable(unknown))

	unplugged := &pulseproto.GetSourceInfoReply{ActivePortName: "mic"}
	setSourcePorts(t, unplugged, []sourcePort{{name: "line", available: 2}, {name: "mic", available: 1}})
	require.False(t, activePortAvailable(unplugged))
}

func TestSourceState(t *testing.T) {
	require.Equal(t, "running", sourceState(0))
	require.Equal(t, "suspended", sourceState(2))
	require.Equal(t, "unknown(7)", sourceState(7))
}

type sourcePort struct {
	name      string
	available uint32
}

// setSourcePorts fills the reply's anonymous port struct slice by reflection.
func setSourcePorts(t *testing.T, reply *pulseproto.GetSourceInfoReply, ports []sourcePort) {
	t.Helper()

	sliceType := reflect.TypeOf(reply.Ports)
	sliceValue := reflect.MakeSlice(sliceType, len(ports), len(ports))
	for i, port := range ports {
		item := sliceValue.Index(i)
		item.FieldByName("Name").SetString(port.name)
		item.FieldByName("Available").SetUint(uint64(port.available))
	}
	reflect.ValueOf(reply).Elem().FieldByName("Ports").Set(sliceValue)
}
