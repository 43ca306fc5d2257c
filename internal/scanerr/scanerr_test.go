package scanerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/qrscan/internal/capture"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name    string
		errName string
		message string
		want    Code
	}{
		{"not allowed by name", "NotAllowedError", "", CodePermissionDenied},
		{"security error", "SecurityError", "blocked by policy", CodePermissionDenied},
		{"not found by name", "NotFoundError", "", CodeNoDeviceFound},
		{"not readable is busy", "NotReadableError", "Could not start video source", CodeDeviceBusy},
		{"overconstrained", "OverconstrainedError", "facingMode", CodeStartFailed},
		{"not supported", "NotSupportedError", "", CodeUnsupported},
		{"name wins over message", "NotAllowedError", "device busy", CodePermissionDenied},
		{"permission message", "", "Permission denied by system", CodePermissionDenied},
		{"busy message", "", "Device in use by another process", CodeDeviceBusy},
		{"video source message is busy, not start failure", "", "could not start video source", CodeDeviceBusy},
		{"generic start failure", "", "Could not start stream", CodeStartFailed},
		{"no device message", "", "Requested device not found", CodeNoDeviceFound},
		{"insecure context", "", "getUserMedia requires a secure context", CodeUnsupported},
		{"incompatible", "", "device not compatible with capture", CodeIncompatibleDevice},
		{"unrecognized", "WeirdError", "something odd", CodeUnknown},
		{"empty", "", "", CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.errName, tt.message))
		})
	}
}

type panickyError struct{}

func (*panickyError) Error() string { panic("boom") }

func TestClassify(t *testing.T) {
	t.Run("nil is unknown", func(t *testing.T) {
		assert.Equal(t, CodeUnknown, Classify(nil).Code)
	})

	t.Run("platform error keeps cause", func(t *testing.T) {
		raw := &capture.PlatformError{Name: "NotReadableError", Message: "in use"}
		se := Classify(fmt.Errorf("open: %w", raw))
		require.Equal(t, CodeDeviceBusy, se.Code)
		assert.Equal(t, "in use", se.Message)
		assert.True(t, errors.Is(se, raw))
		assert.True(t, se.Transient())
	})

	t.Run("already classified passes through", func(t *testing.T) {
		orig := New(CodeNoDeviceFound, "none")
		assert.Same(t, orig, Classify(fmt.Errorf("wrap: %w", orig)))
	})

	t.Run("unsupported sentinel", func(t *testing.T) {
		assert.Equal(t, CodeUnsupported, Classify(capture.ErrUnsupported).Code)
	})

	t.Run("context errors are unknown", func(t *testing.T) {
		assert.Equal(t, CodeUnknown, Classify(context.DeadlineExceeded).Code)
	})

	t.Run("panicking error is contained", func(t *testing.T) {
		var se *Error
		assert.NotPanics(t, func() { se = Classify(&panickyError{}) })
		assert.Equal(t, CodeUnknown, se.Code)
	})
}

func TestClassifyStart(t *testing.T) {
	assert.Equal(t, CodeStartFailed, ClassifyStart(errors.New("mystery")).Code)
	assert.Equal(t, CodeDeviceBusy, ClassifyStart(&capture.PlatformError{Name: "TrackStartError"}).Code)
}

func TestRemediation(t *testing.T) {
	codes := []Code{
		CodeUnsupported, CodeIncompatibleDevice, CodePermissionDenied,
		CodeNoDeviceFound, CodeDeviceBusy, CodeStartFailed, CodeUnknown,
	}
	seen := make(map[string]Code)
	for _, c := range codes {
		r := c.Remediation()
		require.NotEmpty(t, r, "code %s", c)
		if prev, dup := seen[r]; dup {
			t.Errorf("codes %s and %s share a remediation", prev, c)
		}
		seen[r] = c
	}
	assert.Equal(t, CodeUnknown.Remediation(), Code("bogus").Remediation())
	assert.Contains(t, CodeDeviceBusy.Remediation(), "Close other camera apps")
}
