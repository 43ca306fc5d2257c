// Package capturetest provides a scriptable in-memory capture.Platform that
// records every call it receives.
package capturetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiroq/qrscan/internal/capture"
)

// Platform is a fake capture platform. Configure the exported fields before
// handing it to the code under test.
type Platform struct {
	mu sync.Mutex

	Devices []capture.Device
	// ListErrs is consumed one entry per ListDevices call; a nil entry or an
	// exhausted slice means success.
	ListErrs []error
	// OpenErr, when set, decides the outcome of each Open.
	OpenErr func(deviceID string) error
	// OpenHook runs inside Open before the stream is created.
	OpenHook func(ctx context.Context, deviceID string)
	Torch    map[string]bool // device id -> torch support
	ProbeErr error
	// TorchErr fails SetTorch(on=true) calls.
	TorchErr error
	// TorchOffErr fails SetTorch(on=false) calls.
	TorchOffErr error

	calls   []string
	streams map[string]*Stream
	next    int
	opens   int
	closes  int
	lists   int
}

// New returns a fake exposing the given devices.
func New(devices ...capture.Device) *Platform {
	return &Platform{
		Devices: devices,
		Torch:   make(map[string]bool),
		streams: make(map[string]*Stream),
	}
}

func (p *Platform) record(call string) {
	p.calls = append(p.calls, call)
}

// ListDevices returns Devices or the next scripted error.
func (p *Platform) ListDevices(ctx context.Context) ([]capture.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("list")
	idx := p.lists
	p.lists++
	if idx < len(p.ListErrs) && p.ListErrs[idx] != nil {
		return nil, p.ListErrs[idx]
	}
	out := make([]capture.Device, len(p.Devices))
	copy(out, p.Devices)
	return out, nil
}

// Open creates a stream for deviceID.
func (p *Platform) Open(ctx context.Context, deviceID string, c capture.Constraints) (capture.Stream, error) {
	p.mu.Lock()
	hook := p.OpenHook
	openErr := p.OpenErr
	p.mu.Unlock()

	if hook != nil {
		hook(ctx, deviceID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("open:" + deviceID)
	if openErr != nil {
		if err := openErr(deviceID); err != nil {
			return nil, err
		}
	}
	p.next++
	p.opens++
	s := &Stream{
		id:          fmt.Sprintf("s%d", p.next),
		deviceID:    deviceID,
		constraints: c,
		results:     make(chan capture.FrameResult, 16),
	}
	p.streams[s.id] = s
	return s, nil
}

// Close releases a stream.
func (p *Platform) Close(ctx context.Context, s capture.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("close:" + s.DeviceID())
	if fs, ok := p.streams[s.ID()]; ok {
		fs.markClosed()
		delete(p.streams, s.ID())
	}
	p.closes++
	return nil
}

// ProbeTorch reports Torch[deviceID] or ProbeErr.
func (p *Platform) ProbeTorch(ctx context.Context, s capture.Stream) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("probe:" + s.DeviceID())
	if p.ProbeErr != nil {
		return false, p.ProbeErr
	}
	return p.Torch[s.DeviceID()], nil
}

// SetTorch records the request; turning the torch on fails with TorchErr.
func (p *Platform) SetTorch(ctx context.Context, s capture.Stream, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := "off"
	if on {
		state = "on"
	}
	p.record("torch:" + s.DeviceID() + ":" + state)
	if on && p.TorchErr != nil {
		return p.TorchErr
	}
	if !on && p.TorchOffErr != nil {
		return p.TorchOffErr
	}
	return nil
}

// Calls returns the recorded call log.
func (p *Platform) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

// Counts returns how many streams were opened and closed.
func (p *Platform) Counts() (opens, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens, p.closes
}

// ListCalls returns how many times ListDevices ran.
func (p *Platform) ListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lists
}

// Active returns the open stream for deviceID, or nil.
func (p *Platform) Active(deviceID string) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.streams {
		if s.deviceID == deviceID {
			return s
		}
	}
	return nil
}

// Stream is a fake capture stream. Tests push results with Decode, Miss and Fail.
type Stream struct {
	mu          sync.Mutex
	id          string
	deviceID    string
	constraints capture.Constraints
	results     chan capture.FrameResult
	closed      bool
}

func (s *Stream) ID() string                          { return s.id }
func (s *Stream) DeviceID() string                    { return s.deviceID }
func (s *Stream) Results() <-chan capture.FrameResult { return s.results }

// Constraints returns what the stream was opened with.
func (s *Stream) Constraints() capture.Constraints { return s.constraints }

// Decode emits a successful decode.
func (s *Stream) Decode(text string) {
	s.push(capture.FrameResult{Event: &capture.DecodeEvent{Text: text}})
}

// Miss emits a soft not-found frame.
func (s *Stream) Miss() {
	s.push(capture.FrameResult{Err: capture.ErrNotFound})
}

// Fail emits a fatal stream error.
func (s *Stream) Fail(err error) {
	s.push(capture.FrameResult{Err: err})
}

func (s *Stream) push(r capture.FrameResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.results <- r
}

func (s *Stream) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
