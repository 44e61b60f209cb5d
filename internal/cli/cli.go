package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandRun         Command = "run"
	CommandActivate    Command = "activate"
	CommandStop        Command = "stop"
	CommandSpeak       Command = "speak"
	CommandHush        Command = "hush"
	CommandWake        Command = "wake"
	CommandReset       Command = "reset"
	CommandStatus      Command = "status"
	CommandWatch       Command = "watch"
	CommandDevices     Command = "devices"
	CommandDoctor      Command = "doctor"
	CommandSimulate    Command = "simulate"
	CommandPermissions Command = "permissions"
	CommandVersion     Command = "version"
	CommandHelp        Command = "help"
)

// argSpec describes how many positional arguments a command accepts and,
// when restricted, which values are allowed for the first one.
type argSpec struct {
	min, max int
	choices  []string
}

const unbounded = -1

var validCommands = map[Command]argSpec{
	CommandRun:         {},
	CommandActivate:    {},
	CommandStop:        {},
	CommandSpeak:       {min: 1, max: unbounded},
	CommandHush:        {},
	CommandWake:        {min: 1, max: 1, choices: []string{"on", "off"}},
	CommandReset:       {},
	CommandStatus:      {},
	CommandWatch:       {},
	CommandDevices:     {},
	CommandDoctor:      {},
	CommandSimulate:    {max: unbounded},
	CommandPermissions: {min: 1, max: 1, choices: []string{"grant", "revoke", "status"}},
	CommandVersion:     {},
	CommandHelp:        {},
}

type Parsed struct {
	Command    Command
	Args       []string
	ConfigPath string
	ShowHelp   bool
}

// Text joins the positional arguments, e.g. the utterance given to speak.
func (p Parsed) Text() string {
	return strings.Join(p.Args, " ")
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			spec, ok := validCommands[cmd]
			if !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			rest := args[i+1:]
			if err := spec.check(cmd, rest); err != nil {
				return Parsed{}, err
			}

			parsed.Command = cmd
			parsed.Args = rest
			parsed.ShowHelp = cmd == CommandHelp
			return parsed, nil
		}
	}

	return parsed, nil
}

func (s argSpec) check(cmd Command, rest []string) error {
	if s.max == 0 && len(rest) > 0 {
		return fmt.Errorf("unexpected arguments after command %q", cmd)
	}
	if len(rest) < s.min {
		if len(s.choices) > 0 {
			return fmt.Errorf("command %q requires one of: %s", cmd, strings.Join(s.choices, ", "))
		}
		return fmt.Errorf("command %q requires an argument", cmd)
	}
	if s.max != unbounded && len(rest) > s.max {
		return fmt.Errorf("unexpected arguments after command %q", cmd)
	}
	if len(s.choices) > 0 {
		for _, choice := range s.choices {
			if rest[0] == choice {
				return nil
			}
		}
		return fmt.Errorf("invalid argument %q for %q (want one of: %s)", rest[0], cmd, strings.Join(s.choices, ", "))
	}
	return nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command> [args]

Daemon:
  run                  Start the voice daemon in the foreground

Control (requires a running daemon):
  activate             Start listening for a command
  stop                 Stop listening or end the current turn
  speak TEXT           Speak TEXT, interrupting any current utterance
  hush                 Stop speaking
  wake on|off          Arm or disarm wake-word listening
  reset                Cancel everything and re-run initialization
  status               Print current state and retry count
  watch                Stream voice events as JSON lines

Local:
  devices              List available input devices
  doctor               Run configuration and environment checks
  simulate [PHRASE]    Run a scripted voice turn without audio hardware
  permissions grant|revoke|status
                       Manage the microphone consent marker
  version              Print version information
  help                 Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/kiaanvoice/config.yaml)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
