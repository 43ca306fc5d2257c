package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Fixed handshake material used when the mock requires authentication.
const (
	MockChallenge = "testchallenge"
	MockSalt      = "testsalt"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type mockFailure struct {
	errorName string
	comment   string
}

// MockAgent simulates a capture agent for tests. Wire messages are built as
// plain maps so the mock does not depend on the client package.
type MockAgent struct {
	server *httptest.Server

	mu              sync.Mutex
	writeMu         sync.Mutex
	conn            *websocket.Conn
	agentVersion    string
	protocolVersion int
	token           string
	sendIdentified  bool
	captureAPI      bool
	deviceSupported bool
	devices         []map[string]interface{}
	torch           bool
	failures        map[string]mockFailure
	ignored         map[string]bool
	delays          map[string]time.Duration
	requests        []string
	nextStream      int
	connections     int
	connected       bool
}

// NewMockAgent starts a mock agent with full capabilities and no devices.
func NewMockAgent() *MockAgent {
	m := &MockAgent{
		agentVersion:    "1.2.0",
		protocolVersion: 1,
		sendIdentified:  true,
		captureAPI:      true,
		deviceSupported: true,
		failures:        make(map[string]mockFailure),
		ignored:         make(map[string]bool),
		delays:          make(map[string]time.Duration),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWebSocket))
	return m
}

// URL returns the ws:// address of the mock.
func (m *MockAgent) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// Close shuts the server down and drops any client.
func (m *MockAgent) Close() {
	m.DropConnection()
	m.server.Close()
}

// RequireToken makes the handshake demand an authentication response for token.
func (m *MockAgent) RequireToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// SetVersion changes what the Hello message announces.
func (m *MockAgent) SetVersion(agentVersion string, protocolVersion int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentVersion = agentVersion
	m.protocolVersion = protocolVersion
}

// SkipIdentified makes the mock never complete the handshake.
func (m *MockAgent) SkipIdentified() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendIdentified = false
}

// SetCapabilities sets the GetCapabilities answer.
func (m *MockAgent) SetCapabilities(captureAPI, deviceSupported bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureAPI = captureAPI
	m.deviceSupported = deviceSupported
}

// AddDevice appends a camera to the ListDevices answer.
func (m *MockAgent) AddDevice(id, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, map[string]interface{}{"deviceId": id, "label": label})
}

// SetTorchSupported sets the ProbeTorch answer.
func (m *MockAgent) SetTorchSupported(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.torch = ok
}

// FailRequest makes every request of requestType fail with errorName.
func (m *MockAgent) FailRequest(requestType, errorName, comment string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[requestType] = mockFailure{errorName: errorName, comment: comment}
}

// ClearFailure undoes FailRequest.
func (m *MockAgent) ClearFailure(requestType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, requestType)
}

// IgnoreRequest makes the mock never answer requestType.
func (m *MockAgent) IgnoreRequest(requestType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored[requestType] = true
}

// DelayRequest makes the mock answer requestType only after d. Other
// requests are answered meanwhile.
func (m *MockAgent) DelayRequest(requestType string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[requestType] = d
}

// Requests returns every request received, as "Type" or "Type:streamId".
func (m *MockAgent) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// Connections returns how many handshakes were started.
func (m *MockAgent) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connections
}

// Connected reports whether a client is attached.
func (m *MockAgent) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// WaitConnected polls until a client completes the handshake or timeout passes.
func (m *MockAgent) WaitConnected(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Connected() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// DropConnection closes the current client connection abruptly.
func (m *MockAgent) DropConnection() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Emit sends an event (op 5) to the connected client.
func (m *MockAgent) Emit(eventType string, data map[string]interface{}) error {
	return m.send(map[string]interface{}{
		"op": 5,
		"d": map[string]interface{}{
			"eventType": eventType,
			"eventData": data,
		},
	})
}

// EmitDecode emits a FrameDecoded event for streamID.
func (m *MockAgent) EmitDecode(streamID, text string) error {
	return m.Emit("FrameDecoded", map[string]interface{}{"streamId": streamID, "text": text})
}

func (m *MockAgent) send(msg interface{}) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// handleWebSocket runs the handshake and answers requests
func (m *MockAgent) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.connections++
	hello := map[string]interface{}{
		"agentVersion":    m.agentVersion,
		"protocolVersion": m.protocolVersion,
		"capabilities": map[string]interface{}{
			"captureApi":      m.captureAPI,
			"deviceSupported": m.deviceSupported,
		},
	}
	token := m.token
	if token != "" {
		hello["authentication"] = map[string]interface{}{"challenge": MockChallenge, "salt": MockSalt}
	}
	sendIdentified := m.sendIdentified
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.connected = false
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	if err := m.send(map[string]interface{}{"op": 0, "d": hello}); err != nil {
		return
	}

	var identify map[string]interface{}
	if err := conn.ReadJSON(&identify); err != nil {
		return
	}
	if token != "" {
		d, _ := identify["d"].(map[string]interface{})
		got, _ := d["authentication"].(string)
		if got != expectedAuth(token) {
			return
		}
	}
	if !sendIdentified {
		// hold the connection open without completing the handshake
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}

	if err := m.send(map[string]interface{}{"op": 2, "d": map[string]interface{}{"negotiatedProtocolVersion": 1}}); err != nil {
		return
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()

	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		resp, delay := m.respond(msg)
		if resp == nil {
			continue
		}
		if delay > 0 {
			go func() {
				time.Sleep(delay)
				_ = m.send(resp)
			}()
			continue
		}
		if err := m.send(resp); err != nil {
			return
		}
	}
}

// respond builds the op 7 reply for a request, or nil when it is ignored,
// and how long to hold the reply back.
func (m *MockAgent) respond(msg map[string]interface{}) (map[string]interface{}, time.Duration) {
	d, ok := msg["d"].(map[string]interface{})
	if !ok {
		return nil, 0
	}
	requestType, _ := d["requestType"].(string)
	requestID, _ := d["requestId"].(string)
	data, _ := d["requestData"].(map[string]interface{})

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := requestType
	if id, ok := data["streamId"].(string); ok {
		entry += ":" + id
	} else if id, ok := data["deviceId"].(string); ok {
		entry += ":" + id
	}
	m.requests = append(m.requests, entry)

	if m.ignored[requestType] {
		return nil, 0
	}

	status := map[string]interface{}{"result": true, "code": 100}
	var responseData interface{} = map[string]interface{}{}

	if f, failed := m.failures[requestType]; failed {
		status = map[string]interface{}{
			"result":    false,
			"code":      500,
			"comment":   f.comment,
			"errorName": f.errorName,
		}
	} else {
		switch requestType {
		case "GetCapabilities":
			responseData = map[string]interface{}{"captureApi": m.captureAPI, "deviceSupported": m.deviceSupported}
		case "ListDevices":
			devices := m.devices
			if devices == nil {
				devices = []map[string]interface{}{}
			}
			responseData = map[string]interface{}{"devices": devices}
		case "OpenStream":
			m.nextStream++
			responseData = map[string]interface{}{"streamId": fmt.Sprintf("stream-%d", m.nextStream)}
		case "ProbeTorch":
			responseData = map[string]interface{}{"supported": m.torch}
		}
	}

	return map[string]interface{}{
		"op": 7,
		"d": map[string]interface{}{
			"requestType":   requestType,
			"requestId":     requestID,
			"requestStatus": status,
			"responseData":  responseData,
		},
	}, m.delays[requestType]
}

func expectedAuth(token string) string {
	secret := sha256.Sum256([]byte(token + MockSalt))
	auth := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(secret[:]) + MockChallenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}
