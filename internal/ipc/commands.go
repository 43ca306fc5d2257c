// Package ipc exchanges commands and status between qrscan-ctl and the
// qrscan-core daemon through files in ~/.cache/qrscan.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Command represents user commands from the CLI to the daemon
type Command string

const (
	CmdStart    Command = "start"     // Start scanning with the selected camera
	CmdStop     Command = "stop"      // Release the camera and end the session
	CmdRetry    Command = "retry"     // Re-enumerate cameras after an error
	CmdRearm    Command = "rearm"     // Accept the next decode
	CmdTorchOn  Command = "torch-on"  // Turn the torch on
	CmdTorchOff Command = "torch-off" // Turn the torch off
	CmdSwitch   Command = "switch"    // Switch camera; takes a device id
	CmdQuit     Command = "quit"      // Shutdown daemon
)

// Request is a parsed command line from cmd.txt.
type Request struct {
	Cmd Command
	Arg string
}

func (r Request) String() string {
	if r.Arg == "" {
		return string(r.Cmd)
	}
	return string(r.Cmd) + ":" + r.Arg
}

// Dir returns ~/.cache/qrscan.
func Dir() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "qrscan")
}

// CommandPath returns ~/.cache/qrscan/cmd.txt.
func CommandPath() string {
	return filepath.Join(Dir(), "cmd.txt")
}

// ParseRequest validates a "cmd" or "cmd:arg" line.
func ParseRequest(line string) (Request, error) {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, ":")
	req := Request{Cmd: Command(name), Arg: strings.TrimSpace(arg)}

	switch req.Cmd {
	case CmdSwitch:
		if req.Arg == "" {
			return Request{}, fmt.Errorf("switch requires a device id")
		}
	case CmdStart, CmdStop, CmdRetry, CmdRearm, CmdTorchOn, CmdTorchOff, CmdQuit:
		if req.Arg != "" {
			return Request{}, fmt.Errorf("%s takes no argument", req.Cmd)
		}
	default:
		return Request{}, fmt.Errorf("unknown command %q", name)
	}
	return req, nil
}

// WriteCommand writes a command to ~/.cache/qrscan/cmd.txt
func WriteCommand(req Request) error {
	if _, err := ParseRequest(req.String()); err != nil {
		return err
	}
	if err := os.MkdirAll(Dir(), 0755); err != nil {
		return err
	}
	return os.WriteFile(CommandPath(), []byte(req.String()), 0644)
}

// ReadCommand reads and clears ~/.cache/qrscan/cmd.txt.
// ok is false if no command is pending. Invalid commands are cleared and
// reported as an error.
func ReadCommand() (req Request, ok bool, err error) {
	data, err := os.ReadFile(CommandPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Request{}, false, nil
		}
		return Request{}, false, err
	}

	// Clear the file immediately to prevent re-execution
	if err := os.WriteFile(CommandPath(), []byte(""), 0644); err != nil {
		return Request{}, false, err
	}

	if strings.TrimSpace(string(data)) == "" {
		return Request{}, false, nil
	}
	req, err = ParseRequest(string(data))
	if err != nil {
		return Request{}, false, err
	}
	return req, true, nil
}
