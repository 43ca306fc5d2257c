package capturews

import (
	"errors"
	"sync"
	"time"

	"github.com/tiroq/qrscan/internal/capture"
)

const (
	streamBuffer = 32
	pushTimeout  = time.Second
)

// stream is an agent-side capture stream owned by this client.
type stream struct {
	id       string
	deviceID string
	results  chan capture.FrameResult

	mu     sync.Mutex
	closed bool
}

func newStream(id, deviceID string) *stream {
	return &stream{
		id:       id,
		deviceID: deviceID,
		results:  make(chan capture.FrameResult, streamBuffer),
	}
}

func (s *stream) ID() string                          { return s.id }
func (s *stream) DeviceID() string                    { return s.deviceID }
func (s *stream) Results() <-chan capture.FrameResult { return s.results }

// push delivers r without blocking the read loop for long. Misses are
// dropped when the buffer is full; other results wait up to pushTimeout.
func (s *stream) push(r capture.FrameResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if r.Err != nil && errors.Is(r.Err, capture.ErrNotFound) {
		select {
		case s.results <- r:
		default:
		}
		return
	}
	select {
	case s.results <- r:
	case <-time.After(pushTimeout):
	}
}

// finish closes the result channel once.
func (s *stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.results)
}
