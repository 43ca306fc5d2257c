// Package capturews implements capture.Platform against a capture agent, the
// page or helper process that owns the camera and runs the symbol decoder,
// reached over a WebSocket.
package capturews

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/diaglog"
)

// ErrNotConnected is returned by requests issued while the agent is unreachable.
var ErrNotConnected = errors.New("capturews: not connected")

// Client is a capture agent WebSocket client
type Client struct {
	url        string
	token      string
	conn       *websocket.Conn
	mu         sync.RWMutex
	writeMu    sync.Mutex // gorilla allows one concurrent writer
	connected  bool
	identified bool
	hello      HelloData

	requestID   int
	requestIDMu sync.Mutex
	responses   map[int]chan *Response
	late        map[int]func(*Response) // abandoned requests whose answer still needs handling
	responseMu  sync.RWMutex

	streams   map[string]*stream
	streamsMu sync.Mutex

	logger   *diaglog.Logger
	loggerMu sync.RWMutex

	onDisconnected func()

	// Reconnection
	reconnectEnabled bool
	reconnectDelay   time.Duration
	requestTimeout   time.Duration
	stopChan         chan struct{}
	stopOnce         sync.Once

	// Identification
	identifiedChan chan struct{}
	helloChan      chan *HelloData
	helloErrChan   chan error
}

// NewClient creates a new capture agent client
func NewClient(url, token string) *Client {
	return &Client{
		url:              url,
		token:            token,
		responses:        make(map[int]chan *Response),
		late:             make(map[int]func(*Response)),
		streams:          make(map[string]*stream),
		reconnectEnabled: true,
		reconnectDelay:   5 * time.Second,
		requestTimeout:   10 * time.Second,
		stopChan:         make(chan struct{}),
		identifiedChan:   make(chan struct{}, 1),
		helloChan:        make(chan *HelloData, 1),
		helloErrChan:     make(chan error, 1),
	}
}

// Connect dials the agent and completes the Hello/Identify handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()
	c.drainHandshake()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	// Start message reader (handles Hello, Identified, and all subsequent messages)
	go c.readMessages(conn)

	select {
	case hello := <-c.helloChan:
		return c.authenticate(ctx, hello)
	case err := <-c.helloErrChan:
		c.disconnect()
		return err
	case <-ctx.Done():
		c.disconnect()
		return ctx.Err()
	case <-time.After(c.requestTimeout):
		c.disconnect()
		return fmt.Errorf("timeout waiting for Hello message")
	}
}

// authenticate sends Identify message with auth response
func (c *Client) authenticate(ctx context.Context, hello *HelloData) error {
	identify := IdentifyData{ProtocolVersion: ProtocolVersion}

	if hello.Authentication.Challenge != "" && c.token != "" {
		identify.Authentication = authResponse(c.token, hello.Authentication.Salt, hello.Authentication.Challenge)
	}

	msg := Message{Op: OpIdentify}
	msg.D, _ = json.Marshal(identify)

	if err := c.write(msg); err != nil {
		c.disconnect()
		return err
	}

	select {
	case err := <-c.helloErrChan:
		c.disconnect()
		return err
	case <-c.identifiedChan:
		c.mu.Lock()
		c.identified = true
		c.hello = *hello
		c.mu.Unlock()
		c.log(diaglog.LogEntry{
			Event: diaglog.EventWSConnect,
			Payload: map[string]interface{}{
				"agent_version":    hello.AgentVersion,
				"protocol_version": hello.ProtocolVersion,
			},
		})
		return nil
	case <-ctx.Done():
		c.disconnect()
		return ctx.Err()
	case <-time.After(c.requestTimeout):
		c.disconnect()
		return fmt.Errorf("timeout waiting for Identified message")
	}
}

// drainHandshake discards signals left over from an earlier connection.
func (c *Client) drainHandshake() {
	for {
		select {
		case <-c.helloChan:
		case <-c.helloErrChan:
		case <-c.identifiedChan:
		default:
			return
		}
	}
}

// authResponse = base64(sha256(base64(sha256(token + salt)) + challenge))
func authResponse(token, salt, challenge string) string {
	secret := sha256.Sum256([]byte(token + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func (c *Client) write(msg Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// readMessages reads and dispatches messages until conn fails
func (c *Client) readMessages(conn *websocket.Conn) {
	established := false
	defer func() {
		if !c.dropConn(conn) {
			return
		}
		c.forgetLate()
		if !established {
			return
		}
		c.failStreams()
		if c.onDisconnected != nil {
			c.onDisconnected()
		}
		if c.shouldReconnect() {
			go c.reconnect()
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !established {
				select {
				case c.helloErrChan <- fmt.Errorf("connection closed during handshake: %w", err):
				default:
				}
			}
			return
		}

		var rawMsg interface{}
		if jerr := json.Unmarshal(msg.D, &rawMsg); jerr == nil {
			c.log(diaglog.LogEntry{
				Event:   diaglog.EventWSRecv,
				Payload: rawMsg,
			})
		}

		switch msg.Op {
		case OpHello:
			var hello HelloData
			if err := json.Unmarshal(msg.D, &hello); err != nil {
				select {
				case c.helloErrChan <- err:
				default:
				}
				return
			}
			select {
			case c.helloChan <- &hello:
			default:
			}

		case OpIdentified:
			established = true
			select {
			case c.identifiedChan <- struct{}{}:
			default:
			}

		case OpEvent:
			var event Event
			if err := json.Unmarshal(msg.D, &event); err == nil {
				c.handleEvent(&event)
			}

		case OpRequestResponse:
			var resp Response
			if err := json.Unmarshal(msg.D, &resp); err == nil {
				c.handleResponse(&resp)
			}
		}
	}
}

// handleEvent routes stream events to their subscription
func (c *Client) handleEvent(event *Event) {
	streamID, res, ok, err := decodeEvent(event)
	if err != nil {
		log.Printf("Warning: malformed %s event: %v", event.EventType, err)
		return
	}
	if !ok {
		return
	}

	c.streamsMu.Lock()
	s := c.streams[streamID]
	c.streamsMu.Unlock()
	if s == nil {
		return
	}
	s.push(res)
	if event.EventType == EventStreamEnded {
		c.forgetStream(streamID)
	}
}

// handleResponse routes responses to waiting request channels, or to the
// late handler of a request its caller gave up on.
func (c *Client) handleResponse(resp *Response) {
	var id int
	if _, err := fmt.Sscanf(resp.RequestID, "%d", &id); err != nil {
		log.Printf("Warning: failed to parse request ID: %v", err)
		return
	}

	c.responseMu.Lock()
	defer c.responseMu.Unlock()

	if ch, ok := c.responses[id]; ok {
		select {
		case ch <- resp:
		default:
		}
		return
	}
	if onLate, ok := c.late[id]; ok {
		delete(c.late, id)
		go onLate(resp)
	}
}

// sendRequest sends a request and waits for its response. A failed response
// is returned as a *capture.PlatformError so callers can classify it.
func (c *Client) sendRequest(ctx context.Context, requestType string, requestData interface{}) (*Response, error) {
	return c.sendRequestLate(ctx, requestType, requestData, nil)
}

// sendRequestLate is sendRequest for requests that acquire something on the
// agent. When the caller stops waiting (ctx done or timeout) after the request
// went out, onLate receives the answer once it arrives, on its own goroutine.
func (c *Client) sendRequestLate(ctx context.Context, requestType string, requestData interface{}, onLate func(*Response)) (*Response, error) {
	c.mu.RLock()
	if !c.connected || !c.identified {
		c.mu.RUnlock()
		return nil, ErrNotConnected
	}
	c.mu.RUnlock()

	c.requestIDMu.Lock()
	c.requestID++
	id := c.requestID
	c.requestIDMu.Unlock()
	requestID := fmt.Sprintf("%d", id)

	msg := Message{Op: OpRequest}
	msg.D, _ = json.Marshal(Request{
		RequestType: requestType,
		RequestID:   requestID,
		RequestData: requestData,
	})

	c.log(diaglog.LogEntry{
		Event:   diaglog.EventWSSend,
		Payload: map[string]interface{}{"request_type": requestType, "request_id": requestID},
	})

	respChan := make(chan *Response, 1)
	c.responseMu.Lock()
	c.responses[id] = respChan
	c.responseMu.Unlock()

	abandoned := false
	defer func() {
		c.responseMu.Lock()
		defer c.responseMu.Unlock()
		delete(c.responses, id)
		if !abandoned || onLate == nil {
			return
		}
		select {
		case resp := <-respChan:
			// answered between giving up and unregistering
			go onLate(resp)
		default:
			c.late[id] = onLate
		}
	}()

	if err := c.write(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if !resp.RequestStatus.Result {
			name := resp.RequestStatus.ErrorName
			if name == "" {
				name = fmt.Sprintf("AgentError%d", resp.RequestStatus.Code)
			}
			return nil, &capture.PlatformError{Name: name, Message: resp.RequestStatus.Comment}
		}
		return resp, nil
	case <-ctx.Done():
		abandoned = true
		return nil, ctx.Err()
	case <-time.After(c.requestTimeout):
		abandoned = true
		return nil, fmt.Errorf("request timeout after %s (request: %s)", c.requestTimeout, requestType)
	}
}

// forgetLate drops pending late handlers. The agent releases everything a
// connection held when it ends.
func (c *Client) forgetLate() {
	c.responseMu.Lock()
	c.late = make(map[int]func(*Response))
	c.responseMu.Unlock()
}

// dropConn clears conn if it is still the active connection and reports
// whether it was.
func (c *Client) dropConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return false
	}
	c.log(diaglog.LogEntry{
		Event:   diaglog.EventWSDisconnect,
		Payload: map[string]interface{}{"url": c.url},
	})
	if err := conn.Close(); err != nil {
		log.Printf("Warning: failed to close connection: %v", err)
	}
	c.conn = nil
	c.connected = false
	c.identified = false
	return true
}

// disconnect closes the WebSocket connection
func (c *Client) disconnect() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		c.dropConn(conn)
	}
}

// failStreams reports AgentDisconnected on every open stream and ends them.
// Streams are never reopened after a reconnect.
func (c *Client) failStreams() {
	c.streamsMu.Lock()
	streams := c.streams
	c.streams = make(map[string]*stream)
	c.streamsMu.Unlock()

	for _, s := range streams {
		s.push(capture.FrameResult{Err: &capture.PlatformError{
			Name:    ErrorAgentDisconnected,
			Message: "capture agent connection lost",
		}})
		s.finish()
	}
}

func (c *Client) shouldReconnect() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.reconnectEnabled {
		return false
	}
	select {
	case <-c.stopChan:
		return false
	default:
		return true
	}
}

// reconnect attempts to reconnect with exponential backoff and jitter
func (c *Client) reconnect() {
	delay := c.reconnectDelay
	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(delay):
			attempt++
			c.log(diaglog.LogEntry{
				Event:     diaglog.EventWSReconnectAttempt,
				Component: diaglog.ComponentReconnect,
				Payload:   map[string]interface{}{"attempt": attempt, "delay_ms": delay.Milliseconds()},
			})
			log.Printf("[RECONNECT] Attempt %d: connecting to capture agent...", attempt)

			ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
			err := c.Connect(ctx)
			cancel()
			if err == nil {
				c.log(diaglog.LogEntry{
					Event:     diaglog.EventWSReconnectSuccess,
					Component: diaglog.ComponentReconnect,
					Payload:   map[string]interface{}{"attempt": attempt},
				})
				log.Printf("[RECONNECT] Successfully reconnected on attempt %d", attempt)
				return
			}
			c.log(diaglog.LogEntry{
				Event:     diaglog.EventWSReconnectFailed,
				Component: diaglog.ComponentReconnect,
				Payload:   map[string]interface{}{"attempt": attempt, "error": err.Error()},
			})

			delay = nextDelay(delay)
			log.Printf("[RECONNECT] Attempt %d failed, next retry in %s", attempt, delay.Round(time.Second))
		}
	}
}

// nextDelay doubles d up to 60s, adds ±10% jitter and never returns less than 1s.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	jitter := time.Duration(float64(d) * 0.2 * (rand.Float64() - 0.5))
	d += jitter
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Disconnect closes the connection, ends every stream and stops reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.reconnectEnabled = false
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.disconnect()
	c.failStreams()
	c.forgetLate()
}

// SetLogger injects a diaglog.Logger. Passing nil disables structured logging.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

// log emits a LogEntry when a logger is set. Component defaults to
// ComponentAgentClient when left empty.
func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentAgentClient
	}
	l.Log(entry)
}

// SetReconnectEnabled enables/disables automatic reconnection
func (c *Client) SetReconnectEnabled(enabled bool) {
	c.mu.Lock()
	c.reconnectEnabled = enabled
	c.mu.Unlock()
}

// SetReconnectDelay sets the first reconnection delay.
func (c *Client) SetReconnectDelay(d time.Duration) {
	c.reconnectDelay = d
}

// SetRequestTimeout bounds the handshake and every request.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.requestTimeout = d
}

// OnDisconnected registers callback for disconnection events
func (c *Client) OnDisconnected(handler func()) {
	c.onDisconnected = handler
}

// IsConnected returns current connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.identified
}

// AgentInfo returns the version and protocol announced in the last Hello.
func (c *Client) AgentInfo() (agentVersion string, protocolVersion int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello.AgentVersion, c.hello.ProtocolVersion
}
