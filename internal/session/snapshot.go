package session

import (
	"time"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/scanerr"
)

// Snapshot is a flat, JSON-friendly view of the session for status files and
// the HTTP API.
type Snapshot struct {
	SessionID       string           `json:"session_id"`
	State           Kind             `json:"state"`
	Devices         []capture.Device `json:"devices,omitempty"`
	Selected        *capture.Device  `json:"selected,omitempty"`
	TorchOn         bool             `json:"torch_on"`
	HasTorch        bool             `json:"has_torch"`
	Armed           bool             `json:"armed"`
	NoDecodeRetries int              `json:"no_decode_retries"`
	ErrorCode       scanerr.Code     `json:"error_code,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	Remediation     string           `json:"remediation,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Snapshot returns the current state without waiting for in-flight transitions.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SessionID:       s.id,
		State:           s.state.Kind(),
		Armed:           s.armed,
		NoDecodeRetries: s.noDecode,
		UpdatedAt:       s.updatedAt,
	}
	if len(s.devices) > 0 {
		snap.Devices = make([]capture.Device, len(s.devices))
		copy(snap.Devices, s.devices)
		sel := s.selected
		snap.Selected = &sel
	}

	switch st := s.state.(type) {
	case Scanning:
		snap.TorchOn = st.TorchOn
		snap.HasTorch = st.HasTorch
	case Failed, PermissionDenied, Unsupported, IncompatibleDevice:
		if s.lastErr != nil {
			snap.ErrorCode = s.lastErr.Code
			snap.ErrorMessage = s.lastErr.Message
			snap.Remediation = s.lastErr.Remediation()
		}
	}
	return snap
}
