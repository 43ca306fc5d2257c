// Package capture defines the port between the scanning session and the
// platform facility that owns cameras and runs the symbol decoder.
package capture

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the soft per-frame signal: the frame held no decodable symbol.
	ErrNotFound = errors.New("capture: no symbol found in frame")

	// ErrUnsupported is returned by platforms that have no capture facility at all.
	ErrUnsupported = errors.New("capture: platform has no capture support")

	// ErrStreamEnded is reported when a stream's result channel closes unexpectedly.
	ErrStreamEnded = errors.New("capture: stream ended")
)

// Device is a camera endpoint exposed by the platform.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Capabilities is the platform support verdict computed once per session.
type Capabilities struct {
	CaptureAPI      bool `json:"capture_api"`      // platform exposes a capture API
	DeviceSupported bool `json:"device_supported"` // this device class may use it
}

// Constraints configures a stream at open time.
type Constraints struct {
	FrameRate      int     `json:"fps"`
	RegionFraction float64 `json:"region_fraction"` // fraction of the shorter viewfinder side
	AspectRatio    float64 `json:"aspect_ratio"`
	Mirror         bool    `json:"mirror"`
	VerboseErrors  bool    `json:"verbose_errors"`
}

// DefaultConstraints returns 10 fps, a 70% square decode region, 1:1, unmirrored.
func DefaultConstraints() Constraints {
	return Constraints{
		FrameRate:      10,
		RegionFraction: 0.7,
		AspectRatio:    1.0,
	}
}

// DecodeEvent is one successful symbol extraction.
type DecodeEvent struct {
	Text string      `json:"text"`
	Raw  interface{} `json:"raw,omitempty"`
}

// FrameResult is one item of a stream's result subscription. Exactly one of
// Event and Err is set. An Err matching ErrNotFound is a soft miss; any other
// Err means the stream is no longer usable.
type FrameResult struct {
	Event *DecodeEvent
	Err   error
}

// PlatformError is a raw failure reported by the capture platform.
type PlatformError struct {
	Name    string `json:"name" mapstructure:"name"`
	Message string `json:"message" mapstructure:"message"`
}

func (e *PlatformError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Stream is a live, exclusively owned capture handle.
type Stream interface {
	ID() string
	DeviceID() string
	// Results delivers decode outcomes until the stream is closed.
	Results() <-chan FrameResult
}

// Platform is the capture facility the session drives. Every method may
// block and must honour ctx.
type Platform interface {
	ListDevices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, deviceID string, c Constraints) (Stream, error)
	Close(ctx context.Context, s Stream) error
	ProbeTorch(ctx context.Context, s Stream) (bool, error)
	SetTorch(ctx context.Context, s Stream, on bool) error
}

// CapabilityChecker reports platform support before any device is touched.
type CapabilityChecker interface {
	Capabilities(ctx context.Context) (Capabilities, error)
}
