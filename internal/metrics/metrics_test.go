package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/capture/capturetest"
	"github.com/tiroq/qrscan/internal/clock"
	"github.com/tiroq/qrscan/internal/session"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	return string(body)
}

func TestHooksFromSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	p := capturetest.New(capture.Device{ID: "b", Label: "Back Camera"})
	p.Torch["b"] = true
	p.TorchErr = errors.New("fault")
	s := session.New(p, capture.Capabilities{CaptureAPI: true, DeviceSupported: true},
		session.DefaultConfig(), session.Handlers{},
		session.WithClock(clock.NewFake()), session.WithHooks(m.Hooks()))
	ctx := context.Background()

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.SetTorch(ctx, true))
	require.NoError(t, s.Close())

	out := scrape(t, reg)
	assert.Contains(t, out, `qrscan_state_transitions_total{from="ready",to="scanning"} 1`)
	assert.Contains(t, out, `qrscan_device_operations_total{op="open",result="ok"} 1`)
	assert.Contains(t, out, `qrscan_device_operations_total{op="close",result="ok"} 1`)
	assert.Contains(t, out, `qrscan_torch_requests_total{on="true",result="error"} 1`)
	assert.Contains(t, out, `qrscan_session_state{state="closed"} 1`)
	assert.Contains(t, out, `qrscan_session_state{state="scanning"} 0`)
	assert.Contains(t, out, `qrscan_state_duration_seconds_count{state="scanning"} 1`)
}

func TestErrorAndDecodeCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	h := m.Hooks()

	h.OnError("DeviceBusy")
	h.OnError("DeviceBusy")
	h.OnDecode()
	h.OnNoDecode()

	out := scrape(t, reg)
	assert.Contains(t, out, `qrscan_errors_total{code="DeviceBusy"} 2`)
	assert.Contains(t, out, "qrscan_decodes_total 1")
	assert.Contains(t, out, "qrscan_no_decode_timeouts_total 1")
}
