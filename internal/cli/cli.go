// Package cli parses scribe's command line.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandStart      Command = "start"
	CommandStop       Command = "stop"
	CommandCancel     Command = "cancel"
	CommandDismiss    Command = "dismiss"
	CommandForceAudio Command = "force-audio"
	CommandSubmit     Command = "submit"
	CommandStatus     Command = "status"
	CommandDevices    Command = "devices"
	CommandDoctor     Command = "doctor"
	CommandVersion    Command = "version"
	CommandHelp       Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandStart:      {},
	CommandStop:       {},
	CommandCancel:     {},
	CommandDismiss:    {},
	CommandForceAudio: {},
	CommandSubmit:     {},
	CommandStatus:     {},
	CommandDevices:    {},
	CommandDoctor:     {},
	CommandVersion:    {},
	CommandHelp:       {},
}

// Parsed is the command plus its global flags. Profile flags only affect start.
type Parsed struct {
	Command    Command
	ConfigPath string
	SessionID  string
	Text       string
	ShowHelp   bool

	Batch        bool
	LocalOnly    bool
	LowThreshold bool
}

// Parse reads flags, then one command. submit consumes every remaining argument
// as the manual transcript text.
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
		case "--config", "--session":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return Parsed{}, fmt.Errorf("%s requires a value", arg)
			}
			if arg == "--config" {
				parsed.ConfigPath = args[i]
			} else {
				parsed.SessionID = args[i]
			}
		case "--batch":
			parsed.Batch = true
		case "--local-only":
			parsed.LocalOnly = true
		case "--low-threshold":
			parsed.LowThreshold = true
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}
			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp

			rest := args[i+1:]
			if cmd == CommandSubmit {
				parsed.Text = strings.Join(rest, " ")
				if strings.TrimSpace(parsed.Text) == "" {
					return Parsed{}, errors.New("submit requires transcript text")
				}
				return parsed, nil
			}
			if len(rest) > 0 {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
			return parsed, nil
		}
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [flags] <command>

Commands:
  start        Run a transcription session in the foreground
  stop         Stop capture; the session finishes its transcript
  cancel       Cancel the session and discard everything
  dismiss      Abandon a session waiting for manual text
  force-audio  Mark speech as detected for the running session
  submit TEXT  Provide the transcript for a session waiting for manual text
  status       Print the running session's state
  devices      List available audio sources
  doctor       Run configuration and environment checks
  version      Print version information
  help         Show this help

Flags:
  --config PATH     Config file path (default: $XDG_CONFIG_HOME/scribe/config.jsonc)
  --session ID      Target a specific session instead of the latest
  --batch           start: skip streaming and transcribe after stop
  --local-only      start: only use the local transcription model
  --low-threshold   start: use the degraded speech detection threshold
  -h, --help        Show help
  --version         Show version
`, binaryName)
}
