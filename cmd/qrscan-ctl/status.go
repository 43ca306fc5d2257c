package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/qrscan/internal/devices"
	"github.com/tiroq/qrscan/internal/fileutil"
	"github.com/tiroq/qrscan/internal/ipc"
	"github.com/tiroq/qrscan/internal/pidfile"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon and scanning session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := ipc.ReadStatus()
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no status yet; is qrscan-core running?")
			}
			return fmt.Errorf("failed to read status: %w", err)
		}

		if statusJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		pid, alive := pidfile.Running(pidfile.Path("qrscan-core"))
		if alive {
			fmt.Printf("Daemon:    running (PID %d)\n", pid)
		} else {
			fmt.Println("Daemon:    not running (status below may be stale)")
		}
		agent := "disconnected"
		if st.AgentConnected {
			agent = "connected"
			if st.AgentVersion != "" {
				agent += " (" + st.AgentVersion + ")"
			}
		}
		fmt.Printf("Agent:     %s\n", agent)

		s := st.Session
		fmt.Printf("State:     %s\n", s.State)
		if s.SessionID != "" {
			fmt.Printf("Session:   %s\n", s.SessionID)
		}
		if s.Selected != nil {
			fmt.Printf("Camera:    %s (%s)\n", s.Selected.Label, s.Selected.ID)
		}
		if s.HasTorch {
			torch := "off"
			if s.TorchOn {
				torch = "on"
			}
			fmt.Printf("Torch:     %s\n", torch)
		}
		fmt.Printf("Armed:     %v\n", s.Armed)
		if st.LastCommand != "" {
			fmt.Printf("Command:   %s\n", st.LastCommand)
		}
		if s.ErrorCode != "" {
			fmt.Printf("Error:     %s: %s\n", s.ErrorCode, s.ErrorMessage)
			if s.Remediation != "" {
				fmt.Printf("Hint:      %s\n", s.Remediation)
			}
		} else if st.LastError != "" {
			fmt.Printf("Error:     %s\n", st.LastError)
		}
		if len(st.Fixes) > 0 {
			fmt.Println()
			for _, fix := range st.Fixes {
				fmt.Println("  " + fix)
			}
		}
		fmt.Printf("Updated:   %s\n", st.Timestamp.Format(time.RFC3339))
		return nil
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the cameras the daemon found",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := ipc.ReadStatus()
		if err != nil {
			return fmt.Errorf("failed to read status: %w", err)
		}
		if len(st.Session.Devices) == 0 {
			fmt.Println("No cameras found.")
			return nil
		}
		for _, d := range st.Session.Devices {
			marker := " "
			if st.Session.Selected != nil && st.Session.Selected.ID == d.ID {
				marker = "*"
			}
			label := d.Label
			if label == "" {
				label = "(no label)"
			}
			fmt.Printf("%s %s\t%s\t%s\n", marker, d.ID, label, devices.FacingOf(d.Label))
		}
		return nil
	},
}

var lastCmd = &cobra.Command{
	Use:   "last",
	Short: "Print the last decoded code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := fileutil.ReadScanRecord(ipc.Dir())
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("nothing scanned yet")
			}
			return err
		}
		if statusJSON {
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Println(rec.Text)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
	lastCmd.Flags().BoolVar(&statusJSON, "json", false, "print the full scan record as JSON")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(lastCmd)
}
