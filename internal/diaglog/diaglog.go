// Package diaglog provides structured NDJSON diagnostic logging for qrscan.
// Activated by QRSCAN_DEBUG_CAPTURE=true. When the env var is absent, all
// Log calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentAgentClient = "capture-agent-client"
	ComponentSession     = "session"
	ComponentRegistry    = "device-registry"
	ComponentTorch       = "torch"
	ComponentReconnect   = "reconnect-handler"
	ComponentDiagExport  = "diag-export"
	ComponentCore        = "qrscan-core"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventWSSend             = "ws_send"
	EventWSRecv             = "ws_recv"
	EventWSConnect          = "ws_connect"
	EventWSDisconnect       = "ws_disconnect"
	EventWSReconnectAttempt = "ws_reconnect_attempt"
	EventWSReconnectSuccess = "ws_reconnect_success"
	EventWSReconnectFailed  = "ws_reconnect_failed"

	EventEnumerateOK     = "enumerate_ok"
	EventEnumerateEmpty  = "enumerate_empty"
	EventEnumerateRetry  = "enumerate_retry"
	EventEnumerateFailed = "enumerate_failed"

	EventTransition     = "state_transition"
	EventDeviceOpen     = "device_open"
	EventDeviceClose    = "device_close"
	EventTorchProbe     = "torch_probe"
	EventTorchSet       = "torch_set"
	EventDecode         = "decode"
	EventDecodeIgnored  = "decode_ignored"
	EventNoDecode       = "no_decode_timeout"
	EventFrameMiss      = "frame_miss"
	EventStreamFailed   = "stream_failed"
	EventSessionError   = "session_error"
	EventCommandApplied = "command_applied"
)

// ── LogEntry ─────────────────────────────────────────────────────────────────

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"` // scanning session
	DeviceID  string      `json:"device_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`  // error code or trigger
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// ── Logger ───────────────────────────────────────────────────────────────────

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// DefaultMaxSize caps the live log file before it is rolled to <path>.1.
const DefaultMaxSize = 10 * 1024 * 1024

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return &Logger{enabled: false}, nil
	}
	rw, err := newRollingWriter(path, DefaultMaxSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry to JSON, appends a newline, and writes to the rolling
// file. Sensitive payload fields are redacted before serialisation.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Enabled reports whether entries are actually written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether QRSCAN_DEBUG_CAPTURE is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv("QRSCAN_DEBUG_CAPTURE") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
