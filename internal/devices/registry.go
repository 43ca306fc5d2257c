// Package devices discovers capture devices, retries transient enumeration
// failures with exponential backoff, and picks the default camera.
package devices

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/clock"
	"github.com/tiroq/qrscan/internal/diaglog"
	"github.com/tiroq/qrscan/internal/scanerr"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 1000 * time.Millisecond
)

// RetryBudget is an immutable enumeration retry allowance. Each Consume
// returns a new value for the next attempt.
type RetryBudget struct {
	AttemptsRemaining int
	BaseDelay         time.Duration
	attempt           int
}

// NewRetryBudget returns a budget of attempts tries (at least one).
func NewRetryBudget(attempts int, base time.Duration) RetryBudget {
	if attempts < 1 {
		attempts = 1
	}
	return RetryBudget{AttemptsRemaining: attempts, BaseDelay: base}
}

// DefaultRetryBudget is 3 attempts with a 1s base delay.
func DefaultRetryBudget() RetryBudget {
	return NewRetryBudget(DefaultAttempts, DefaultBaseDelay)
}

// Consume spends one attempt.
func (b RetryBudget) Consume() RetryBudget {
	b.attempt++
	b.AttemptsRemaining--
	return b
}

// Attempt is the 1-based number of the most recently consumed attempt.
func (b RetryBudget) Attempt() int {
	return b.attempt
}

// Exhausted reports whether no attempts remain.
func (b RetryBudget) Exhausted() bool {
	return b.AttemptsRemaining <= 0
}

// Delay is the wait after the current attempt fails: BaseDelay * 2^(attempt-1).
func (b RetryBudget) Delay() time.Duration {
	if b.attempt < 1 {
		return 0
	}
	return b.BaseDelay << uint(b.attempt-1)
}

// Registry enumerates devices through a capture.Platform.
type Registry struct {
	platform capture.Platform
	clock    clock.Clock
	logger   *diaglog.Logger
}

// NewRegistry creates a registry over p using the wall clock.
func NewRegistry(p capture.Platform) *Registry {
	return &Registry{platform: p, clock: clock.Real{}}
}

// SetClock replaces the clock used for backoff sleeps.
func (r *Registry) SetClock(c clock.Clock) {
	r.clock = c
}

// SetLogger injects a diaglog.Logger. Passing nil disables structured logging.
func (r *Registry) SetLogger(l *diaglog.Logger) {
	r.logger = l
}

// Enumerate lists devices. An empty list is a definitive NoDeviceFound and is
// not retried. Errors are classified; transient ones are retried while the
// budget lasts. The returned error is a *scanerr.Error unless ctx ends during
// a backoff sleep, in which case ctx.Err() is returned.
func (r *Registry) Enumerate(ctx context.Context, budget RetryBudget) ([]capture.Device, error) {
	for {
		budget = budget.Consume()
		devs, err := r.platform.ListDevices(ctx)
		if err == nil {
			if len(devs) == 0 {
				r.log(diaglog.LogEntry{
					Event:   diaglog.EventEnumerateEmpty,
					Payload: map[string]interface{}{"attempt": budget.Attempt()},
				})
				return nil, scanerr.New(scanerr.CodeNoDeviceFound, "no capture devices reported")
			}
			r.log(diaglog.LogEntry{
				Event:   diaglog.EventEnumerateOK,
				Payload: map[string]interface{}{"attempt": budget.Attempt(), "devices": len(devs)},
			})
			return devs, nil
		}

		se := scanerr.Classify(err)
		if !se.Transient() || budget.Exhausted() {
			r.log(diaglog.LogEntry{
				Event:  diaglog.EventEnumerateFailed,
				Reason: string(se.Code),
				Payload: map[string]interface{}{
					"attempt": budget.Attempt(),
					"error":   se.Message,
				},
			})
			if se.Code == scanerr.CodeUnknown {
				log.Printf("[DEVICES] enumeration failed with unclassified error: %v", err)
			}
			return nil, se
		}

		delay := budget.Delay()
		r.log(diaglog.LogEntry{
			Event:  diaglog.EventEnumerateRetry,
			Reason: string(se.Code),
			Payload: map[string]interface{}{
				"attempt":   budget.Attempt(),
				"remaining": budget.AttemptsRemaining,
				"delay_ms":  delay.Milliseconds(),
			},
		})
		if err := r.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (r *Registry) log(entry diaglog.LogEntry) {
	if r.logger == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentRegistry
	}
	r.logger.Log(entry)
}

// Facing is the heuristic direction a camera points.
type Facing string

const (
	FacingBack    Facing = "back"
	FacingFront   Facing = "front"
	FacingUnknown Facing = "unknown"
)

// FacingOf guesses a camera's direction from its label. Labels may be empty
// before the first permission grant, in which case the result is unknown.
func FacingOf(label string) Facing {
	l := strings.ToLower(label)
	switch {
	case strings.Contains(l, "back"), strings.Contains(l, "rear"), strings.Contains(l, "environment"):
		return FacingBack
	case strings.Contains(l, "front"), strings.Contains(l, "user"), strings.Contains(l, "facetime"):
		return FacingFront
	default:
		return FacingUnknown
	}
}

// Select picks the default device: preferredID when still present, otherwise
// the first device whose label contains "back" or "rear", otherwise the first
// device. It returns false only for an empty list.
func Select(devs []capture.Device, preferredID string) (capture.Device, bool) {
	if len(devs) == 0 {
		return capture.Device{}, false
	}
	if preferredID != "" {
		if d, ok := Find(devs, preferredID); ok {
			return d, true
		}
	}
	for _, d := range devs {
		l := strings.ToLower(d.Label)
		if strings.Contains(l, "back") || strings.Contains(l, "rear") {
			return d, true
		}
	}
	return devs[0], true
}

// Find returns the device with the given id.
func Find(devs []capture.Device, id string) (capture.Device, bool) {
	for _, d := range devs {
		if d.ID == id {
			return d, true
		}
	}
	return capture.Device{}, false
}
