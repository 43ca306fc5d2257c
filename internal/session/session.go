// Package session drives one camera scanning session: permission and device
// discovery, start/stop/switch transitions, the armed decode loop, torch
// control and guaranteed device release.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/clock"
	"github.com/tiroq/qrscan/internal/devices"
	"github.com/tiroq/qrscan/internal/diaglog"
	"github.com/tiroq/qrscan/internal/feature"
	"github.com/tiroq/qrscan/internal/prefs"
	"github.com/tiroq/qrscan/internal/scanerr"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session: closed")

	// ErrUnknownDevice is returned by SwitchCamera for an id that was not enumerated.
	ErrUnknownDevice = errors.New("session: unknown device")
)

const (
	DefaultNoDecodeTimeout = 15 * time.Second
	DefaultSettleDelay     = 300 * time.Millisecond

	// releaseTimeout bounds torch-off plus close during teardown.
	releaseTimeout = 5 * time.Second
)

// Config is accepted at construction. Zero durations disable the matching
// behaviour; use DefaultConfig for the documented defaults.
type Config struct {
	Constraints     capture.Constraints
	NoDecodeTimeout time.Duration
	SettleDelay     time.Duration
	Retry           devices.RetryBudget
}

// DefaultConfig returns 10 fps, a 70% 1:1 decode region, no mirroring, no
// verbose frame errors, a 15s no-decode timeout, a 300ms settle delay and a
// 3 x 1000ms retry budget.
func DefaultConfig() Config {
	return Config{
		Constraints:     capture.DefaultConstraints(),
		NoDecodeTimeout: DefaultNoDecodeTimeout,
		SettleDelay:     DefaultSettleDelay,
		Retry:           devices.DefaultRetryBudget(),
	}
}

// Handlers is the host callback contract. Every field is optional.
//
// OnStateChange and OnError run synchronously inside the transition that
// caused them and must not call transition methods. OnDecodeSuccess,
// OnNoDecode and OnFrameMiss run without any session lock held and may call
// Rearm or Close.
type Handlers struct {
	OnDecodeSuccess func(capture.DecodeEvent)
	OnError         func(*scanerr.Error)
	OnStateChange   func(State)
	OnNoDecode      func(retries int)
	OnFrameMiss     func(error)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger routes structured diagnostics to l.
func WithLogger(l *diaglog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithClock replaces the wall clock for settle sleeps, backoff and the no-decode timer.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithHooks installs instrumentation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Session) {
		s.hooks = h
	}
}

// WithPreferences remembers the last started device under key.
func WithPreferences(store prefs.Store, key string) Option {
	return func(s *Session) {
		s.prefs = store
		s.prefsKey = key
	}
}

// Session owns at most one open capture stream at a time.
type Session struct {
	id       string
	platform capture.Platform
	caps     capture.Capabilities
	cfg      Config
	handlers Handlers
	hooks    Hooks
	registry *devices.Registry
	clock    clock.Clock
	logger   *diaglog.Logger
	prefs    prefs.Store
	prefsKey string

	lifetime context.Context
	cancel   context.CancelFunc

	// opMu serializes transitions; mu guards the fields below it.
	opMu sync.Mutex

	mu          sync.RWMutex
	state       State
	initialized bool
	closed      bool
	devices     []capture.Device
	selected    capture.Device
	stream      capture.Stream
	loopDone    chan struct{}
	gen         uint64
	armed       bool
	timer       clock.Timer
	noDecode    int
	lastErr     *scanerr.Error
	updatedAt   time.Time
}

// New creates a session in AwaitingPermission. Call Init to run the initial
// capability check and device enumeration.
func New(p capture.Platform, caps capture.Capabilities, cfg Config, h Handlers, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		platform: p,
		caps:     caps,
		cfg:      cfg,
		handlers: h,
		clock:    clock.Real{},
		state:    AwaitingPermission{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lifetime, s.cancel = context.WithCancel(context.Background())
	s.registry = devices.NewRegistry(p)
	s.registry.SetClock(s.clock)
	s.registry.SetLogger(s.logger)
	s.updatedAt = time.Now()
	return s
}

// ID is the random session identifier used in diagnostics.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Devices returns the devices found by the last enumeration. A failed
// enumeration leaves it empty.
func (s *Session) Devices() []capture.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capture.Device, len(s.devices))
	copy(out, s.devices)
	return out
}

// Init applies the capability verdict and, when capture is possible,
// enumerates devices. It may be called once.
func (s *Session) Init(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return fmt.Errorf("%w: already initialized", ErrInvalidTransition)
	}
	s.initialized = true
	s.mu.Unlock()

	switch {
	case !s.caps.CaptureAPI:
		se := scanerr.New(scanerr.CodeUnsupported, "platform exposes no capture API")
		s.enterError(Unsupported{}, se)
		return se
	case !s.caps.DeviceSupported:
		se := scanerr.New(scanerr.CodeIncompatibleDevice, "capture is not available for this device class")
		s.enterError(IncompatibleDevice{}, se)
		return se
	}
	return s.enumerate(ctx)
}

// Retry re-enumerates devices from Ready, Failed or PermissionDenied.
func (s *Session) Retry(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	if k := s.kind(); !s.isInitialized() || !k.Retryable() {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, k)
	}
	return s.enumerate(ctx)
}

// Start opens the selected device from Ready. Transient open failures are
// retried with the configured budget; any other failure enters Failed.
func (s *Session) Start(ctx context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	if k := s.kind(); k != KindReady {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, k)
	}
	s.mu.RLock()
	dev := s.selected
	s.mu.RUnlock()
	return s.start(ctx, dev)
}

// SwitchCamera selects deviceID. While scanning it releases the current
// device, waits the settle delay and opens the new one. From Ready, or from
// Failed after a start failure, it only changes the selection. Switching to
// the active device is a no-op.
func (s *Session) SwitchCamera(ctx context.Context, deviceID string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	s.mu.RLock()
	dev, found := devices.Find(s.devices, deviceID)
	current := s.selected
	devs := s.devices
	kind := s.state.Kind()
	s.mu.RUnlock()

	switch kind {
	case KindReady, KindFailed, KindScanning:
	default:
		return fmt.Errorf("%w: switch camera from %s", ErrInvalidTransition, kind)
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
	}
	if kind != KindFailed && dev.ID == current.ID {
		return nil
	}

	s.mu.Lock()
	s.selected = dev
	s.mu.Unlock()

	if kind != KindScanning {
		s.setState(Ready{Devices: devs, Selected: dev})
		return nil
	}

	s.release()
	s.setState(Ready{Devices: devs, Selected: dev})

	opCtx, cancel := s.opContext(ctx)
	err := s.clock.Sleep(opCtx, s.cfg.SettleDelay)
	cancel()
	if err != nil {
		if s.isClosed() {
			return ErrClosed
		}
		return err
	}
	return s.start(ctx, dev)
}

// SetTorch turns the torch on or off. It is a successful no-op unless the
// session is scanning on a device with a torch. A platform failure leaves the
// torch reported off and disables torch control for the rest of the session.
func (s *Session) SetTorch(ctx context.Context, on bool) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.opMu.Unlock()

	s.mu.RLock()
	sc, scanning := s.state.(Scanning)
	stream := s.stream
	s.mu.RUnlock()
	if !scanning || !sc.HasTorch || stream == nil || sc.TorchOn == on {
		return nil
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	err := s.platform.SetTorch(opCtx, stream, on)
	s.hooks.torch(on, err)
	if err != nil {
		se := scanerr.Classify(err)
		s.log(diaglog.LogEntry{
			Component: diaglog.ComponentTorch,
			Event:     diaglog.EventTorchSet,
			DeviceID:  sc.Selected.ID,
			Reason:    string(se.Code),
			Payload:   map[string]interface{}{"on": on, "error": se.Message, "downgraded": true},
		})
		s.setState(Scanning{Selected: sc.Selected, TorchOn: false, HasTorch: false})
		return se
	}
	s.log(diaglog.LogEntry{
		Component: diaglog.ComponentTorch,
		Event:     diaglog.EventTorchSet,
		DeviceID:  sc.Selected.ID,
		Payload:   map[string]interface{}{"on": on},
	})
	s.setState(Scanning{Selected: sc.Selected, TorchOn: on, HasTorch: true})
	return nil
}

// Rearm lets the decode loop forward the next decode. It is a no-op when the
// loop is already armed.
func (s *Session) Rearm() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state.Kind() != KindScanning || s.stream == nil {
		k := s.state.Kind()
		s.mu.Unlock()
		return fmt.Errorf("%w: rearm from %s", ErrInvalidTransition, k)
	}
	if s.armed {
		s.mu.Unlock()
		return nil
	}
	s.armed = true
	s.armTimerLocked(s.gen)
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.log(diaglog.LogEntry{Event: diaglog.EventCommandApplied, Reason: "rearm"})
	return nil
}

// Close cancels pending work, waits for any in-flight transition, turns the
// torch off and closes the device. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.cancel()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.release()
	s.setState(Closed{})
	return nil
}

// lock takes the transition lock unless the session is closed.
func (s *Session) lock() error {
	s.opMu.Lock()
	if s.isClosed() {
		s.opMu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

func (s *Session) kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Kind()
}

// opContext derives a context that ends when either ctx or the session ends.
func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// enumerate runs with opMu held.
func (s *Session) enumerate(ctx context.Context) error {
	s.setState(AwaitingPermission{})

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	devs, err := s.registry.Enumerate(opCtx, s.cfg.Retry)
	if err != nil {
		if s.isClosed() {
			return ErrClosed
		}
		// the old list is no longer trustworthy
		s.mu.Lock()
		s.devices = nil
		s.selected = capture.Device{}
		s.mu.Unlock()
		se := scanerr.Classify(err)
		if se.Code == scanerr.CodePermissionDenied {
			s.enterError(PermissionDenied{Code: se.Code}, se)
		} else {
			s.enterError(Failed{Code: se.Code, Message: se.Message}, se)
		}
		return se
	}

	sel, _ := devices.Select(devs, s.loadPreference(opCtx))
	s.mu.Lock()
	s.devices = devs
	s.selected = sel
	s.lastErr = nil
	s.mu.Unlock()
	s.setState(Ready{Devices: devs, Selected: sel})
	return nil
}

// start runs with opMu held and the session not scanning.
func (s *Session) start(ctx context.Context, dev capture.Device) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	stream, err := s.open(opCtx, dev)
	if s.isClosed() {
		if stream != nil {
			s.releaseStream(stream)
		}
		return ErrClosed
	}
	if err != nil {
		se := scanerr.ClassifyStart(err)
		s.enterError(Failed{Code: se.Code, Message: se.Message}, se)
		return se
	}

	hasTorch := feature.HasTorch(opCtx, s.platform, stream)
	s.log(diaglog.LogEntry{
		Component: diaglog.ComponentTorch,
		Event:     diaglog.EventTorchProbe,
		DeviceID:  dev.ID,
		Payload:   map[string]interface{}{"has_torch": hasTorch},
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.releaseStream(stream)
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	done := make(chan struct{})
	s.stream = stream
	s.loopDone = done
	s.selected = dev
	s.armed = true
	s.noDecode = 0
	s.lastErr = nil
	s.armTimerLocked(gen)
	s.mu.Unlock()

	s.setState(Scanning{Selected: dev, HasTorch: hasTorch})
	go s.decodeLoop(gen, stream, done)

	s.savePreference(opCtx, dev.ID)
	return nil
}

// open calls Platform.Open, retrying transient failures within the budget.
func (s *Session) open(ctx context.Context, dev capture.Device) (capture.Stream, error) {
	budget := s.cfg.Retry
	if budget.AttemptsRemaining < 1 {
		budget = devices.NewRetryBudget(1, budget.BaseDelay)
	}
	for {
		budget = budget.Consume()
		stream, err := s.platform.Open(ctx, dev.ID, s.cfg.Constraints)
		s.hooks.deviceOpen(dev.ID, err)
		if err == nil {
			s.log(diaglog.LogEntry{
				Event:    diaglog.EventDeviceOpen,
				DeviceID: dev.ID,
				Payload:  map[string]interface{}{"attempt": budget.Attempt(), "stream_id": stream.ID()},
			})
			return stream, nil
		}

		se := scanerr.ClassifyStart(err)
		s.log(diaglog.LogEntry{
			Event:    diaglog.EventDeviceOpen,
			DeviceID: dev.ID,
			Reason:   string(se.Code),
			Payload:  map[string]interface{}{"attempt": budget.Attempt(), "error": se.Message},
		})
		if !se.Transient() || budget.Exhausted() {
			return nil, se
		}
		if err := s.clock.Sleep(ctx, budget.Delay()); err != nil {
			return nil, err
		}
	}
}

// release detaches the active stream, if any, and runs torch-off then close.
// It runs with opMu held.
func (s *Session) release() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.armed = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.loopDone != nil {
		close(s.loopDone)
		s.loopDone = nil
	}
	s.mu.Unlock()

	if stream != nil {
		s.releaseStream(stream)
	}
}

// releaseStream always attempts torch-off before close, even on devices that
// reported no torch. It does not depend on the session lifetime context.
func (s *Session) releaseStream(stream capture.Stream) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.lifetime), releaseTimeout)
	defer cancel()

	torchErr := s.platform.SetTorch(ctx, stream, false)
	err := s.platform.Close(ctx, stream)
	s.hooks.deviceClose(stream.DeviceID(), err)

	payload := map[string]interface{}{"stream_id": stream.ID()}
	if torchErr != nil {
		// devices without a torch commonly refuse this
		payload["torch_off_error"] = torchErr.Error()
	}
	entry := diaglog.LogEntry{
		Event:    diaglog.EventDeviceClose,
		DeviceID: stream.DeviceID(),
		Payload:  payload,
	}
	if err != nil {
		entry.Reason = string(scanerr.Classify(err).Code)
		log.Printf("[SESSION] close %s failed: %v", stream.DeviceID(), err)
	}
	s.log(entry)
}

func (s *Session) decodeLoop(gen uint64, stream capture.Stream, done <-chan struct{}) {
	results := stream.Results()
	for {
		select {
		case <-done:
			return
		case <-s.lifetime.Done():
			return
		case r, ok := <-results:
			if !ok {
				s.streamFailed(gen, capture.ErrStreamEnded)
				return
			}
			switch {
			case r.Err == nil && r.Event != nil:
				s.deliver(gen, *r.Event)
			case r.Err == nil:
			case errors.Is(r.Err, capture.ErrNotFound):
				if s.cfg.Constraints.VerboseErrors && s.handlers.OnFrameMiss != nil {
					s.handlers.OnFrameMiss(r.Err)
				}
			default:
				s.streamFailed(gen, r.Err)
				return
			}
		}
	}
}

// deliver forwards ev when the loop for gen is still current and armed, then disarms.
func (s *Session) deliver(gen uint64, ev capture.DecodeEvent) {
	s.mu.Lock()
	if s.closed || s.gen != gen || !s.armed {
		s.mu.Unlock()
		s.log(diaglog.LogEntry{Event: diaglog.EventDecodeIgnored, Payload: map[string]interface{}{"text": ev.Text}})
		return
	}
	s.armed = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.log(diaglog.LogEntry{Event: diaglog.EventDecode, Payload: map[string]interface{}{"text": ev.Text}})
	s.hooks.decode()
	if s.handlers.OnDecodeSuccess != nil {
		s.handlers.OnDecodeSuccess(ev)
	}
}

// streamFailed releases the device and enters Failed after a fatal stream
// error, unless the stream has already been superseded.
func (s *Session) streamFailed(gen uint64, cause error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	stale := s.closed || s.gen != gen || s.stream == nil
	s.mu.RUnlock()
	if stale {
		return
	}

	se := scanerr.Classify(cause)
	s.log(diaglog.LogEntry{
		Event:   diaglog.EventStreamFailed,
		Reason:  string(se.Code),
		Payload: map[string]interface{}{"error": se.Message},
	})
	s.release()
	s.enterError(Failed{Code: se.Code, Message: se.Message}, se)
}

// armTimerLocked (re)starts the no-decode timer for gen. mu must be held.
func (s *Session) armTimerLocked(gen uint64) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cfg.NoDecodeTimeout <= 0 {
		return
	}
	s.timer = s.clock.AfterFunc(s.cfg.NoDecodeTimeout, func() {
		s.noDecodeFired(gen)
	})
}

func (s *Session) noDecodeFired(gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen || !s.armed || s.stream == nil {
		s.mu.Unlock()
		return
	}
	s.noDecode++
	n := s.noDecode
	s.armTimerLocked(gen)
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.log(diaglog.LogEntry{Event: diaglog.EventNoDecode, Payload: map[string]interface{}{"retries": n}})
	s.hooks.noDecode()
	if s.handlers.OnNoDecode != nil {
		s.handlers.OnNoDecode(n)
	}
}

// setState publishes st. Once closed only Closed is accepted.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.closed && st.Kind() != KindClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.log(diaglog.LogEntry{
		Event:   diaglog.EventTransition,
		Payload: map[string]interface{}{"from": string(prev.Kind()), "to": string(st.Kind())},
	})
	s.hooks.transition(prev.Kind(), st.Kind())
	if s.handlers.OnStateChange != nil {
		s.handlers.OnStateChange(st)
	}
}

// enterError moves to an error state and notifies the host.
func (s *Session) enterError(st State, se *scanerr.Error) {
	if s.isClosed() {
		return
	}
	s.mu.Lock()
	s.lastErr = se
	s.mu.Unlock()

	s.log(diaglog.LogEntry{
		Event:   diaglog.EventSessionError,
		Reason:  string(se.Code),
		Payload: map[string]interface{}{"error": se.Message},
	})
	if se.Code == scanerr.CodeUnknown {
		log.Printf("[SESSION] unclassified capture error: %s", se.Message)
	}
	s.setState(st)
	s.hooks.err(se.Code)
	if s.handlers.OnError != nil {
		s.handlers.OnError(se)
	}
}

func (s *Session) loadPreference(ctx context.Context) string {
	if s.prefs == nil {
		return ""
	}
	id, err := s.prefs.LoadDevice(ctx, s.prefsKey)
	if err != nil {
		if !errors.Is(err, prefs.ErrNotFound) {
			log.Printf("[SESSION] load device preference: %v", err)
		}
		return ""
	}
	return id
}

func (s *Session) savePreference(ctx context.Context, deviceID string) {
	if s.prefs == nil {
		return
	}
	if err := s.prefs.SaveDevice(ctx, s.prefsKey, deviceID); err != nil {
		log.Printf("[SESSION] save device preference: %v", err)
	}
}

func (s *Session) log(entry diaglog.LogEntry) {
	if s.logger == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentSession
	}
	entry.SessionID = s.id
	s.logger.Log(entry)
}
