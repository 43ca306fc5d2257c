package capturews

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/scanerr"
	"github.com/tiroq/qrscan/internal/session"
	"github.com/tiroq/qrscan/testutil"
)

func connect(t *testing.T, agent *testutil.MockAgent, token string) *Client {
	t.Helper()
	c := NewClient(agent.URL(), token)
	c.SetRequestTimeout(2 * time.Second)
	c.SetReconnectEnabled(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Disconnect)
	return c
}

func nextResult(t *testing.T, s capture.Stream) (capture.FrameResult, bool) {
	t.Helper()
	select {
	case r, ok := <-s.Results():
		return r, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stream result")
		return capture.FrameResult{}, false
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Handshake
// ─────────────────────────────────────────────────────────────────────────────

func TestConnect_handshake(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.SetVersion("2.1.0", 1)

	c := connect(t, agent, "")
	assert.True(t, c.IsConnected())
	version, proto := c.AgentInfo()
	assert.Equal(t, "2.1.0", version)
	assert.Equal(t, 1, proto)
}

func TestConnect_withAuthentication(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.RequireToken("s3cret")

	c := connect(t, agent, "s3cret")
	assert.True(t, c.IsConnected())
}

func TestConnect_wrongTokenFailsFast(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.RequireToken("s3cret")

	c := NewClient(agent.URL(), "wrong")
	c.SetRequestTimeout(5 * time.Second)
	c.SetReconnectEnabled(false)

	start := time.Now()
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
	assert.Less(t, time.Since(start), 5*time.Second, "rejection must not wait for the timeout")
	assert.False(t, c.IsConnected())
}

func TestConnect_identifiedTimeout(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.SkipIdentified()

	c := NewClient(agent.URL(), "")
	c.SetRequestTimeout(200 * time.Millisecond)
	c.SetReconnectEnabled(false)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Identified")
	assert.False(t, c.IsConnected())
}

func TestConnect_unreachable(t *testing.T) {
	agent := testutil.NewMockAgent()
	url := agent.URL()
	agent.Close()

	c := NewClient(url, "")
	c.SetReconnectEnabled(false)
	assert.Error(t, c.Connect(context.Background()))
}

func TestRequest_notConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", "")
	_, err := c.ListDevices(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAuthResponse(t *testing.T) {
	// same token, salt and challenge always produce the same response
	a := authResponse("tok", "salt", "challenge")
	assert.Equal(t, a, authResponse("tok", "salt", "challenge"))
	assert.NotEqual(t, a, authResponse("tok", "salt", "other"))
	assert.Len(t, a, 44)
}

// ─────────────────────────────────────────────────────────────────────────────
// Requests
// ─────────────────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.SetCapabilities(true, false)

	c := connect(t, agent, "")
	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, capture.Capabilities{CaptureAPI: true, DeviceSupported: false}, caps)
}

func TestListDevices(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.AddDevice("a", "Front")
	agent.AddDevice("b", "Back Camera")

	c := connect(t, agent, "")
	devs, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []capture.Device{{ID: "a", Label: "Front"}, {ID: "b", Label: "Back Camera"}}, devs)
}

func TestListDevices_empty(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()

	c := connect(t, agent, "")
	devs, err := c.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestFailedRequestIsClassifiable(t *testing.T) {
	tests := []struct {
		errorName string
		comment   string
		want      scanerr.Code
	}{
		{"NotAllowedError", "Permission denied", scanerr.CodePermissionDenied},
		{"NotReadableError", "Could not start video source", scanerr.CodeDeviceBusy},
		{"OverconstrainedError", "", scanerr.CodeStartFailed},
		{"", "something odd", scanerr.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			agent := testutil.NewMockAgent()
			defer agent.Close()
			agent.FailRequest(RequestListDevices, tt.errorName, tt.comment)

			c := connect(t, agent, "")
			_, err := c.ListDevices(context.Background())
			require.Error(t, err)

			var pe *capture.PlatformError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.comment, pe.Message)
			assert.Equal(t, tt.want, scanerr.Classify(err).Code)
		})
	}
}

func TestRequest_timeout(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.IgnoreRequest(RequestListDevices)

	c := connect(t, agent, "")
	c.SetRequestTimeout(100 * time.Millisecond)
	_, err := c.ListDevices(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestRequest_contextCancel(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.IgnoreRequest(RequestOpenStream)

	c := connect(t, agent, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Open(ctx, "a", capture.DefaultConstraints())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpen_abandonedStreamIsClosed(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.DelayRequest(RequestOpenStream, 300*time.Millisecond)

	c := connect(t, agent, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Open(ctx, "a", capture.DefaultConstraints())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return contains(agent.Requests(), "CloseStream:stream-1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpen_timedOutStreamIsClosed(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.DelayRequest(RequestOpenStream, 300*time.Millisecond)

	c := connect(t, agent, "")
	c.SetRequestTimeout(50 * time.Millisecond)
	_, err := c.Open(context.Background(), "a", capture.DefaultConstraints())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	require.Eventually(t, func() bool {
		return contains(agent.Requests(), "CloseStream:stream-1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpen_failedLateAnswerClosesNothing(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.DelayRequest(RequestOpenStream, 100*time.Millisecond)
	agent.FailRequest(RequestOpenStream, "NotReadableError", "busy")

	c := connect(t, agent, "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Open(ctx, "a", capture.DefaultConstraints())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []string{"OpenStream:a"}, agent.Requests())
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Streams
// ─────────────────────────────────────────────────────────────────────────────

func TestStream_events(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.AddDevice("a", "Front")

	c := connect(t, agent, "")
	s, err := c.Open(context.Background(), "a", capture.DefaultConstraints())
	require.NoError(t, err)
	assert.Equal(t, "stream-1", s.ID())
	assert.Equal(t, "a", s.DeviceID())

	require.NoError(t, agent.EmitDecode("stream-1", "hello"))
	r, ok := nextResult(t, s)
	require.True(t, ok)
	require.NotNil(t, r.Event)
	assert.Equal(t, "hello", r.Event.Text)

	require.NoError(t, agent.Emit(EventFrameMissed, map[string]interface{}{"streamId": "stream-1", "message": "no code"}))
	r, _ = nextResult(t, s)
	assert.ErrorIs(t, r.Err, capture.ErrNotFound)

	require.NoError(t, agent.Emit(EventStreamError, map[string]interface{}{
		"streamId": "stream-1",
		"error":    map[string]interface{}{"name": "NotReadableError", "message": "track ended"},
	}))
	r, _ = nextResult(t, s)
	var pe *capture.PlatformError
	require.True(t, errors.As(r.Err, &pe))
	assert.Equal(t, "NotReadableError", pe.Name)
}

func TestStream_eventsForOtherStreamsAreDropped(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()

	c := connect(t, agent, "")
	s, err := c.Open(context.Background(), "a", capture.DefaultConstraints())
	require.NoError(t, err)

	require.NoError(t, agent.EmitDecode("stream-99", "stray"))
	require.NoError(t, agent.EmitDecode(s.ID(), "mine"))
	r, _ := nextResult(t, s)
	require.NotNil(t, r.Event)
	assert.Equal(t, "mine", r.Event.Text)
}

func TestStream_ended(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()

	c := connect(t, agent, "")
	s, err := c.Open(context.Background(), "a", capture.DefaultConstraints())
	require.NoError(t, err)

	require.NoError(t, agent.Emit(EventStreamEnded, map[string]interface{}{"streamId": s.ID(), "reason": "unplugged"}))
	r, ok := nextResult(t, s)
	require.True(t, ok)
	assert.ErrorIs(t, r.Err, capture.ErrStreamEnded)
	_, ok = nextResult(t, s)
	assert.False(t, ok, "results channel closes after StreamEnded")
}

func TestStream_close(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()

	c := connect(t, agent, "")
	s, err := c.Open(context.Background(), "a", capture.DefaultConstraints())
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background(), s))

	_, ok := nextResult(t, s)
	assert.False(t, ok)
	assert.Equal(t, []string{"OpenStream:a", "CloseStream:stream-1"}, agent.Requests())
}

func TestTorch(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.SetTorchSupported(true)

	c := connect(t, agent, "")
	s, err := c.Open(context.Background(), "a", capture.DefaultConstraints())
	require.NoError(t, err)

	ok, err := c.ProbeTorch(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.SetTorch(context.Background(), s, true))

	agent.FailRequest(RequestSetTorch, "NotSupportedError", "torch unavailable")
	assert.Error(t, c.SetTorch(context.Background(), s, false))
}

// ─────────────────────────────────────────────────────────────────────────────
// Disconnect and reconnect
// ─────────────────────────────────────────────────────────────────────────────

func TestDisconnect_failsOpenStreams(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()

	c := connect(t, agent, "")
	disconnected := make(chan struct{}, 1)
	c.OnDisconnected(func() { disconnected <- struct{}{} })

	s, err := c.Open(context.Background(), "a", capture.DefaultConstraints())
	require.NoError(t, err)

	agent.DropConnection()

	r, ok := nextResult(t, s)
	require.True(t, ok)
	var pe *capture.PlatformError
	require.True(t, errors.As(r.Err, &pe))
	assert.Equal(t, ErrorAgentDisconnected, pe.Name)
	_, ok = nextResult(t, s)
	assert.False(t, ok)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
	assert.False(t, c.IsConnected())
	assert.NoError(t, c.Close(context.Background(), s), "closing after a drop is a no-op")
}

func TestReconnect_restoresConnectionWithoutReopening(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()

	c := NewClient(agent.URL(), "")
	c.SetReconnectDelay(20 * time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	_, err := c.Open(context.Background(), "a", capture.DefaultConstraints())
	require.NoError(t, err)

	agent.DropConnection()

	require.Eventually(t, func() bool {
		return agent.Connections() == 2 && c.IsConnected()
	}, 3*time.Second, 10*time.Millisecond)

	opens := 0
	for _, r := range agent.Requests() {
		if r == "OpenStream:a" {
			opens++
		}
	}
	assert.Equal(t, 1, opens, "streams are not reopened after reconnect")
}

func TestDisconnect_stopsReconnect(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()

	c := NewClient(agent.URL(), "")
	c.SetReconnectDelay(20 * time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))

	c.Disconnect()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, agent.Connections())
	assert.False(t, c.IsConnected())
}

func TestNextDelay(t *testing.T) {
	d := nextDelay(5 * time.Second)
	assert.InDelta(t, float64(10*time.Second), float64(d), float64(time.Second))
	assert.LessOrEqual(t, nextDelay(50*time.Second), 66*time.Second)
	assert.GreaterOrEqual(t, nextDelay(10*time.Millisecond), time.Second)
}

// ─────────────────────────────────────────────────────────────────────────────
// Session over the agent
// ─────────────────────────────────────────────────────────────────────────────

func TestSessionOverAgent(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.AddDevice("a", "Front")
	agent.AddDevice("b", "Back Camera")

	c := connect(t, agent, "")
	caps, err := c.Capabilities(context.Background())
	require.NoError(t, err)

	decoded := make(chan string, 1)
	s := session.New(c, caps, session.DefaultConfig(), session.Handlers{
		OnDecodeSuccess: func(ev capture.DecodeEvent) { decoded <- ev.Text },
	})
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	ready, ok := s.State().(session.Ready)
	require.True(t, ok)
	assert.Equal(t, "b", ready.Selected.ID, "back camera preferred")

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, session.KindScanning, s.State().Kind())

	require.NoError(t, agent.EmitDecode("stream-1", "https://example.com"))
	select {
	case text := <-decoded:
		assert.Equal(t, "https://example.com", text)
	case <-time.After(2 * time.Second):
		t.Fatal("decode not delivered")
	}

	require.NoError(t, s.Close())
	assert.Contains(t, agent.Requests(), "CloseStream:stream-1")
}

func TestSessionOverAgent_dropEntersFailed(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.AddDevice("a", "Front")

	c := connect(t, agent, "")
	s := session.New(c, capture.Capabilities{CaptureAPI: true, DeviceSupported: true}, session.DefaultConfig(), session.Handlers{})
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Start(ctx))

	agent.DropConnection()
	require.Eventually(t, func() bool {
		return s.State().Kind() == session.KindFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionOverAgent_closeDuringStartReleasesDevice(t *testing.T) {
	agent := testutil.NewMockAgent()
	defer agent.Close()
	agent.AddDevice("a", "Front")
	agent.DelayRequest(RequestOpenStream, 300*time.Millisecond)

	c := connect(t, agent, "")
	s := session.New(c, capture.Capabilities{CaptureAPI: true, DeviceSupported: true}, session.DefaultConfig(), session.Handlers{})
	require.NoError(t, s.Init(context.Background()))

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-started:
		assert.ErrorIs(t, err, session.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after close")
	}
	require.Eventually(t, func() bool {
		return contains(agent.Requests(), "CloseStream:stream-1")
	}, 2*time.Second, 10*time.Millisecond)
}
