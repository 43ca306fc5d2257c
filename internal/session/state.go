package session

import (
	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/scanerr"
)

// Kind names a State variant.
type Kind string

const (
	KindUnsupported        Kind = "unsupported"
	KindIncompatibleDevice Kind = "incompatible_device"
	KindAwaitingPermission Kind = "awaiting_permission"
	KindPermissionDenied   Kind = "permission_denied"
	KindReady              Kind = "ready"
	KindScanning           Kind = "scanning"
	KindFailed             Kind = "failed"
	KindClosed             Kind = "closed"
)

// State is the current session state. The concrete types below are the only
// implementations; hosts render with a type switch over them.
type State interface {
	Kind() Kind
	sealed()
}

// Unsupported means the platform has no capture facility. Terminal.
type Unsupported struct{}

// IncompatibleDevice means capture exists but this device class may not use it. Terminal.
type IncompatibleDevice struct{}

// AwaitingPermission means device access has no verdict yet.
type AwaitingPermission struct{}

// PermissionDenied means access was refused. Only Retry leaves it.
type PermissionDenied struct {
	Code scanerr.Code
}

// Ready means devices are enumerated and one is selected but not open.
type Ready struct {
	Devices  []capture.Device
	Selected capture.Device
}

// Scanning means exactly one stream is open and the decode loop is running.
type Scanning struct {
	Selected capture.Device
	TorchOn  bool
	HasTorch bool
}

// Failed means an operation failed after enumeration. Only Retry (or picking
// another camera) leaves it.
type Failed struct {
	Code    scanerr.Code
	Message string
}

// Closed means the session released its device and accepts no more transitions.
type Closed struct{}

func (Unsupported) Kind() Kind        { return KindUnsupported }
func (IncompatibleDevice) Kind() Kind { return KindIncompatibleDevice }
func (AwaitingPermission) Kind() Kind { return KindAwaitingPermission }
func (PermissionDenied) Kind() Kind   { return KindPermissionDenied }
func (Ready) Kind() Kind              { return KindReady }
func (Scanning) Kind() Kind           { return KindScanning }
func (Failed) Kind() Kind             { return KindFailed }
func (Closed) Kind() Kind             { return KindClosed }

func (Unsupported) sealed()        {}
func (IncompatibleDevice) sealed() {}
func (AwaitingPermission) sealed() {}
func (PermissionDenied) sealed()   {}
func (Ready) sealed()              {}
func (Scanning) sealed()           {}
func (Failed) sealed()             {}
func (Closed) sealed()             {}

// Terminal reports whether no transition can leave k.
func (k Kind) Terminal() bool {
	return k == KindUnsupported || k == KindIncompatibleDevice || k == KindClosed
}

// Retryable reports whether Retry is accepted from k.
func (k Kind) Retryable() bool {
	return k == KindReady || k == KindFailed || k == KindPermissionDenied
}
