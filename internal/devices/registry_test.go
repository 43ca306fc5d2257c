package devices

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/capture/capturetest"
	"github.com/tiroq/qrscan/internal/clock"
	"github.com/tiroq/qrscan/internal/scanerr"
)

var busy = &capture.PlatformError{Name: "NotReadableError", Message: "Could not start video source"}

func newTestRegistry(p capture.Platform) (*Registry, *clock.Fake) {
	fc := clock.NewFake()
	r := NewRegistry(p)
	r.SetClock(fc)
	return r, fc
}

func TestRetryBudget(t *testing.T) {
	b := NewRetryBudget(3, 100*time.Millisecond)
	assert.Equal(t, time.Duration(0), b.Delay())

	b = b.Consume()
	assert.Equal(t, 1, b.Attempt())
	assert.Equal(t, 100*time.Millisecond, b.Delay())
	assert.False(t, b.Exhausted())

	b = b.Consume()
	assert.Equal(t, 200*time.Millisecond, b.Delay())

	b = b.Consume()
	assert.Equal(t, 400*time.Millisecond, b.Delay())
	assert.True(t, b.Exhausted())

	assert.Equal(t, 1, NewRetryBudget(0, time.Second).AttemptsRemaining)
}

func TestEnumerate_TransientThenSuccess(t *testing.T) {
	devs := []capture.Device{{ID: "a", Label: "Front"}, {ID: "b", Label: "Back Camera"}}
	p := capturetest.New(devs...)
	p.ListErrs = []error{busy, busy}
	r, fc := newTestRegistry(p)

	const base = 1000 * time.Millisecond
	got, err := r.Enumerate(context.Background(), NewRetryBudget(3, base))
	require.NoError(t, err)
	assert.Equal(t, devs, got)
	assert.Equal(t, 3, p.ListCalls())
	assert.Equal(t, []time.Duration{base, 2 * base}, fc.Sleeps())
	assert.Equal(t, 3*base, fc.Slept())
}

func TestEnumerate_BusyExhaustsBudget(t *testing.T) {
	p := capturetest.New(capture.Device{ID: "a"})
	p.ListErrs = []error{busy, busy, busy, busy}
	r, fc := newTestRegistry(p)

	_, err := r.Enumerate(context.Background(), DefaultRetryBudget())
	var se *scanerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, scanerr.CodeDeviceBusy, se.Code)
	assert.Equal(t, 3, p.ListCalls())

	sleeps := fc.Sleeps()
	require.Len(t, sleeps, 2)
	assert.Less(t, sleeps[0], sleeps[1], "inter-attempt delays must strictly increase")
}

func TestEnumerate_EmptyIsNotRetried(t *testing.T) {
	p := capturetest.New()
	r, fc := newTestRegistry(p)

	_, err := r.Enumerate(context.Background(), DefaultRetryBudget())
	var se *scanerr.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, scanerr.CodeNoDeviceFound, se.Code)
	assert.Equal(t, 1, p.ListCalls())
	assert.Empty(t, fc.Sleeps())
}

func TestEnumerate_NonTransientIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want scanerr.Code
	}{
		{"permission denied", &capture.PlatformError{Name: "NotAllowedError", Message: "Permission denied"}, scanerr.CodePermissionDenied},
		{"not found", &capture.PlatformError{Name: "NotFoundError"}, scanerr.CodeNoDeviceFound},
		{"unknown", errors.New("kaboom"), scanerr.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := capturetest.New(capture.Device{ID: "a"})
			p.ListErrs = []error{tt.err}
			r, fc := newTestRegistry(p)

			_, err := r.Enumerate(context.Background(), DefaultRetryBudget())
			var se *scanerr.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.want, se.Code)
			assert.Equal(t, 1, p.ListCalls())
			assert.Empty(t, fc.Sleeps())
		})
	}
}

func TestEnumerate_CancelledDuringBackoff(t *testing.T) {
	p := capturetest.New(capture.Device{ID: "a"})
	p.ListErrs = []error{busy, busy}
	r := NewRegistry(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Enumerate(ctx, NewRetryBudget(3, time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.ListCalls())
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name      string
		devs      []capture.Device
		preferred string
		wantID    string
	}{
		{
			name:   "rear beats front regardless of order",
			devs:   []capture.Device{{ID: "f", Label: "Front Camera"}, {ID: "r", Label: "Rear Camera"}},
			wantID: "r",
		},
		{
			name:   "back label case-insensitive",
			devs:   []capture.Device{{ID: "a", Label: "Front"}, {ID: "b", Label: "camera2 0, facing BACK"}},
			wantID: "b",
		},
		{
			name:   "first back wins",
			devs:   []capture.Device{{ID: "x", Label: "Back Ultra Wide"}, {ID: "y", Label: "Back Camera"}},
			wantID: "x",
		},
		{
			name:   "falls back to first device",
			devs:   []capture.Device{{ID: "a", Label: ""}, {ID: "b", Label: ""}},
			wantID: "a",
		},
		{
			name:      "preference wins when present",
			devs:      []capture.Device{{ID: "f", Label: "Front"}, {ID: "r", Label: "Rear"}},
			preferred: "f",
			wantID:    "f",
		},
		{
			name:      "stale preference ignored",
			devs:      []capture.Device{{ID: "f", Label: "Front"}, {ID: "r", Label: "Rear"}},
			preferred: "gone",
			wantID:    "r",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Select(tt.devs, tt.preferred)
			require.True(t, ok)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}

	_, ok := Select(nil, "")
	assert.False(t, ok)
}

func TestFacingOf(t *testing.T) {
	assert.Equal(t, FacingBack, FacingOf("Rear Camera"))
	assert.Equal(t, FacingBack, FacingOf("camera 0, facing environment"))
	assert.Equal(t, FacingFront, FacingOf("FaceTime HD Camera"))
	assert.Equal(t, FacingFront, FacingOf("Front"))
	assert.Equal(t, FacingUnknown, FacingOf(""))
	assert.Equal(t, FacingUnknown, FacingOf("USB Video Device"))
}
