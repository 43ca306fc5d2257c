// Package scanerr maps raw capture platform failures onto the closed set of
// scanner error codes and their user remediation hints.
package scanerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tiroq/qrscan/internal/capture"
)

// Code is one member of the closed error taxonomy.
type Code string

const (
	CodeUnsupported        Code = "Unsupported"
	CodeIncompatibleDevice Code = "IncompatibleDevice"
	CodePermissionDenied   Code = "PermissionDenied"
	CodeNoDeviceFound      Code = "NoDeviceFound"
	CodeDeviceBusy         Code = "DeviceBusy"
	CodeStartFailed        Code = "StartFailed"
	CodeUnknown            Code = "Unknown"
)

var remediations = map[Code]string{
	CodeUnsupported:        "This platform cannot access cameras. Use a different browser or device.",
	CodeIncompatibleDevice: "Camera scanning is not available on this device. Enter the code manually.",
	CodePermissionDenied:   "Camera access was refused. Allow camera access in your settings, then retry.",
	CodeNoDeviceFound:      "No camera was found. Connect a camera, then retry.",
	CodeDeviceBusy:         "The camera is in use by another application. Close other camera apps, then retry.",
	CodeStartFailed:        "The camera could not be started. Retry, or pick a different camera.",
	CodeUnknown:            "Something went wrong with the camera. Retry, or reload the scanner.",
}

// Remediation returns the user-facing hint for c.
func (c Code) Remediation() string {
	if r, ok := remediations[c]; ok {
		return r
	}
	return remediations[CodeUnknown]
}

// Transient reports whether c may clear by itself after a short wait.
func (c Code) Transient() bool {
	return c == CodeDeviceBusy
}

// Error is a classified platform failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New builds a classified error without an underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Remediation returns the user-facing hint for the error's code.
func (e *Error) Remediation() string {
	return e.Code.Remediation()
}

// Transient reports whether the failure may clear on its own.
func (e *Error) Transient() bool {
	return e.Code.Transient()
}

// CodeOf maps a platform error name and message to a code. Names are matched
// exactly; messages are matched by case-insensitive substring.
func CodeOf(name, message string) Code {
	if code, ok := byName[name]; ok {
		return code
	}
	msg := strings.ToLower(message)
	for _, m := range byMessage {
		if strings.Contains(msg, m.substr) {
			return m.code
		}
	}
	return CodeUnknown
}

var byName = map[string]Code{
	"NotAllowedError":             CodePermissionDenied,
	"PermissionDeniedError":       CodePermissionDenied,
	"PermissionDismissedError":    CodePermissionDenied,
	"SecurityError":               CodePermissionDenied,
	"NotFoundError":               CodeNoDeviceFound,
	"DevicesNotFoundError":        CodeNoDeviceFound,
	"NotReadableError":            CodeDeviceBusy,
	"TrackStartError":             CodeDeviceBusy,
	"DeviceInUseError":            CodeDeviceBusy,
	"AbortError":                  CodeStartFailed,
	"OverconstrainedError":        CodeStartFailed,
	"ConstraintNotSatisfiedError": CodeStartFailed,
	"InvalidStateError":           CodeStartFailed,
	"NotSupportedError":           CodeUnsupported,
	"IncompatibleDeviceError":     CodeIncompatibleDevice,
}

// Order matters: more specific phrases precede the generic ones.
var byMessage = []struct {
	substr string
	code   Code
}{
	{"permission denied", CodePermissionDenied},
	{"permission dismissed", CodePermissionDenied},
	{"not allowed", CodePermissionDenied},
	{"could not start video source", CodeDeviceBusy},
	{"device in use", CodeDeviceBusy},
	{"in use by another", CodeDeviceBusy},
	{"busy", CodeDeviceBusy},
	{"requested device not found", CodeNoDeviceFound},
	{"device not found", CodeNoDeviceFound},
	{"no camera", CodeNoDeviceFound},
	{"no video input", CodeNoDeviceFound},
	{"not compatible", CodeIncompatibleDevice},
	{"secure context", CodeUnsupported},
	{"not supported", CodeUnsupported},
	{"not implemented", CodeUnsupported},
	{"could not start", CodeStartFailed},
	{"failed to start", CodeStartFailed},
	{"starting video failed", CodeStartFailed},
	{"overconstrained", CodeStartFailed},
}

// Classify maps any error to a classified *Error. It never panics; a nil
// error or an error whose Error method panics yields CodeUnknown.
func Classify(err error) (out *Error) {
	defer func() {
		if r := recover(); r != nil {
			out = &Error{Code: CodeUnknown, Message: fmt.Sprintf("unclassifiable error: %v", r), Err: err}
		}
	}()

	if err == nil {
		return &Error{Code: CodeUnknown, Message: "no error detail"}
	}

	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, capture.ErrUnsupported) {
		return &Error{Code: CodeUnsupported, Message: err.Error(), Err: err}
	}

	var pe *capture.PlatformError
	if errors.As(err, &pe) {
		return &Error{Code: CodeOf(pe.Name, pe.Message), Message: pe.Message, Err: err}
	}

	msg := err.Error()
	code := CodeUnknown
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		code = CodeOf("", msg)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// ClassifyStart classifies a failure to open or start a device. Failures no
// other code covers become StartFailed rather than Unknown.
func ClassifyStart(err error) *Error {
	se := Classify(err)
	if se.Code != CodeUnknown {
		return se
	}
	return &Error{Code: CodeStartFailed, Message: se.Message, Err: se.Err}
}
