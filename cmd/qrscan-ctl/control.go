package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/qrscan/internal/ipc"
	"github.com/tiroq/qrscan/internal/pidfile"
)

var waitFlag time.Duration

// sendCommand writes req for the daemon and, with --wait, reports the state
// the daemon settles in.
func sendCommand(req ipc.Request) error {
	if _, alive := pidfile.Running(pidfile.Path("qrscan-core")); !alive {
		return fmt.Errorf("qrscan-core is not running")
	}

	var before time.Time
	if st, err := ipc.ReadStatus(); err == nil {
		before = st.Timestamp
	}

	if err := ipc.WriteCommand(req); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	fmt.Printf("Sent: %s\n", req)

	if waitFlag <= 0 {
		return nil
	}
	st, err := waitForStatus(before, waitFlag)
	if err != nil {
		return err
	}
	fmt.Printf("State: %s\n", st.Session.State)
	if st.LastError != "" {
		fmt.Printf("Error: %s\n", st.LastError)
	}
	return nil
}

// waitForStatus polls status.json until it is newer than since.
func waitForStatus(since time.Time, timeout time.Duration) (*ipc.StatusSnapshot, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st, err := ipc.ReadStatus(); err == nil && st.Timestamp.After(since) {
			return st, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("daemon did not update status within %s", timeout)
}

func simpleCommand(use, short string, c ipc.Command) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendCommand(ipc.Request{Cmd: c})
		},
	}
}

var torchCmd = &cobra.Command{
	Use:       "torch on|off",
	Short:     "Turn the camera torch on or off",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "on":
			return sendCommand(ipc.Request{Cmd: ipc.CmdTorchOn})
		case "off":
			return sendCommand(ipc.Request{Cmd: ipc.CmdTorchOff})
		}
		return fmt.Errorf("torch takes on or off, got %q", args[0])
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch <device-id>",
	Short: "Switch to another camera (see 'qrscan-ctl devices')",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(ipc.Request{Cmd: ipc.CmdSwitch, Arg: args[0]})
	},
}

func init() {
	commands := []*cobra.Command{
		simpleCommand("start", "Start scanning with the selected camera", ipc.CmdStart),
		simpleCommand("stop", "Stop scanning and release the camera", ipc.CmdStop),
		simpleCommand("retry", "Re-enumerate cameras after an error", ipc.CmdRetry),
		simpleCommand("rearm", "Accept the next decoded code", ipc.CmdRearm),
		simpleCommand("quit", "Shut the daemon down", ipc.CmdQuit),
		torchCmd,
		switchCmd,
	}
	for _, c := range commands {
		c.Flags().DurationVar(&waitFlag, "wait", 0, "wait up to this long for the daemon to report its new state")
		rootCmd.AddCommand(c)
	}
}
