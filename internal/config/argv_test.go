package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgv(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr string
	}{
		{name: "blank", input: "   ", want: nil},
		{name: "default speech command", input: "espeak-ng", want: []string{"espeak-ng"}},
		{name: "flags", input: "espeak-ng -v en-us -s 150", want: []string{"espeak-ng", "-v", "en-us", "-s", "150"}},
		{name: "double quoted", input: `piper --model "/opt/voices/en us.onnx"`, want: []string{"piper", "--model", "/opt/voices/en us.onnx"}},
		{name: "single quoted keeps backslash", input: `say 'a\b'`, want: []string{"say", `a\b`}},
		{name: "escaped space", input: `say hello\ world`, want: []string{"say", "hello world"}},
		{name: "adjacent quotes join", input: `say "in"'ner'peace`, want: []string{"say", "innerpeace"}},
		{name: "empty quoted arg", input: `say ""`, want: []string{"say", ""}},
		{name: "comment", input: `# espeak-ng -v en-us`, want: nil},
		{name: "unterminated quote", input: `say "oops`, wantErr: "unterminated quote"},
		{name: "unterminated escape", input: `say oops\`, wantErr: "unterminated escape"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseArgv(tc.input)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestMustParseArgvPanicsOnInvalidInput(t *testing.T) {
	require.Panics(t, func() {
		_ = mustParseArgv(`say "unterminated`)
	})
}
