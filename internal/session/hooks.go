package session

import "github.com/tiroq/qrscan/internal/scanerr"

// Hooks observes session activity for instrumentation. Every field is
// optional and called synchronously; implementations must not block.
type Hooks struct {
	OnTransition  func(from, to Kind)
	OnDeviceOpen  func(deviceID string, err error)
	OnDeviceClose func(deviceID string, err error)
	OnDecode      func()
	OnError       func(code scanerr.Code)
	OnNoDecode    func()
	OnTorch       func(on bool, err error)
}

func (h Hooks) transition(from, to Kind) {
	if h.OnTransition != nil {
		h.OnTransition(from, to)
	}
}

func (h Hooks) deviceOpen(id string, err error) {
	if h.OnDeviceOpen != nil {
		h.OnDeviceOpen(id, err)
	}
}

func (h Hooks) deviceClose(id string, err error) {
	if h.OnDeviceClose != nil {
		h.OnDeviceClose(id, err)
	}
}

func (h Hooks) decode() {
	if h.OnDecode != nil {
		h.OnDecode()
	}
}

func (h Hooks) err(code scanerr.Code) {
	if h.OnError != nil {
		h.OnError(code)
	}
}

func (h Hooks) noDecode() {
	if h.OnNoDecode != nil {
		h.OnNoDecode()
	}
}

func (h Hooks) torch(on bool, err error) {
	if h.OnTorch != nil {
		h.OnTorch(on, err)
	}
}
