package ipc

import (
	"os"
	"path/filepath"
	"time"

	"github.com/tiroq/qrscan/internal/fileutil"
	"github.com/tiroq/qrscan/internal/session"
)

// StatusSnapshot represents the complete daemon state at a point in time
type StatusSnapshot struct {
	Session        session.Snapshot `json:"session"`         // Current scanning session
	AgentConnected bool             `json:"agent_connected"` // Capture agent connection status
	AgentVersion   string           `json:"agent_version,omitempty"`
	LastCommand    string           `json:"last_command,omitempty"` // Last command applied
	LastDecode     string           `json:"last_decode,omitempty"`  // Text of the last accepted decode
	LastError      string           `json:"last_error,omitempty"`   // Last error message
	Fixes          []string         `json:"fixes,omitempty"`        // Troubleshooting for LastError
	PID            int              `json:"pid"`
	Timestamp      time.Time        `json:"timestamp"` // Snapshot time
}

// StatusPath returns ~/.cache/qrscan/status.json.
func StatusPath() string {
	return filepath.Join(Dir(), "status.json")
}

// WriteStatus persists StatusSnapshot to ~/.cache/qrscan/status.json using atomic write
func WriteStatus(status *StatusSnapshot) error {
	if err := os.MkdirAll(Dir(), 0755); err != nil {
		return err
	}
	return fileutil.WriteJSON(StatusPath(), status)
}

// ReadStatus loads StatusSnapshot from ~/.cache/qrscan/status.json
func ReadStatus() (*StatusSnapshot, error) {
	var status StatusSnapshot
	if err := fileutil.ReadJSON(StatusPath(), &status); err != nil {
		return nil, err
	}
	return &status, nil
}
