// Package daemon owns the scanning session inside qrscan-core: it applies
// commands from the command file and the HTTP API, recreates the session
// after a stop, publishes status.json and fans events out to subscribers.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/clock"
	"github.com/tiroq/qrscan/internal/config"
	"github.com/tiroq/qrscan/internal/diaglog"
	"github.com/tiroq/qrscan/internal/fileutil"
	"github.com/tiroq/qrscan/internal/httpapi"
	"github.com/tiroq/qrscan/internal/ipc"
	"github.com/tiroq/qrscan/internal/prefs"
	"github.com/tiroq/qrscan/internal/scanerr"
	"github.com/tiroq/qrscan/internal/session"
	"github.com/tiroq/qrscan/internal/validation"
)

// errNoSession is returned for session commands before the first start or
// after a stop.
var errNoSession = fmt.Errorf("%w: no active session", session.ErrClosed)

// Agent is the capture agent connection as the daemon uses it.
type Agent interface {
	capture.Platform
	capture.CapabilityChecker
	IsConnected() bool
	AgentInfo() (agentVersion string, protocolVersion int)
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the diagnostic logger passed to every session.
func WithLogger(l *diaglog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithHooks sets the lifecycle hooks passed to every session.
func WithHooks(h session.Hooks) Option {
	return func(c *Core) { c.hooks = h }
}

// WithPreferences enables the remembered camera.
func WithPreferences(store prefs.Store) Option {
	return func(c *Core) { c.prefs = store }
}

// WithClock replaces the session clock; tests use clock.Fake.
func WithClock(clk clock.Clock) Option {
	return func(c *Core) { c.clock = clk }
}

// WithLogs sets the info and error loggers.
func WithLogs(out, errs *log.Logger) Option {
	return func(c *Core) {
		c.outLog = out
		c.errLog = errs
	}
}

// WithVersion sets the version written to scan records.
func WithVersion(v string) Option {
	return func(c *Core) { c.version = v }
}

// Core is the daemon's session controller.
type Core struct {
	agent   Agent
	cfg     *config.Config
	logger  *diaglog.Logger
	hooks   session.Hooks
	prefs   prefs.Store
	clock   clock.Clock
	outLog  *log.Logger
	errLog  *log.Logger
	version string

	// opMu serializes commands; mu guards the fields below it.
	opMu sync.Mutex

	mu          sync.Mutex
	sess        *session.Session
	lastCommand string
	lastDecode  string
	lastErr     string
	fixes       []string
	subs        map[chan httpapi.Event]struct{}

	quit     chan struct{}
	quitOnce sync.Once
}

var _ httpapi.Controller = (*Core)(nil)

// New creates a Core. No session exists until Begin or a start command.
func New(agent Agent, cfg *config.Config, opts ...Option) *Core {
	c := &Core{
		agent:   agent,
		cfg:     cfg,
		outLog:  log.New(io.Discard, "", 0),
		errLog:  log.New(io.Discard, "", 0),
		version: "dev",
		subs:    make(map[chan httpapi.Event]struct{}),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin creates the first session and, with scanner.auto_start, starts
// scanning once a camera is selected. Errors are also reflected in status.
func (c *Core) Begin(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	defer c.WriteStatus()

	sess, err := c.openSession(ctx)
	if err != nil {
		return err
	}
	if c.cfg.Scanner.AutoStart && sess.State().Kind() == session.KindReady {
		c.outLog.Println("[STARTUP] Auto-start enabled, opening camera...")
		return sess.Start(ctx)
	}
	return nil
}

// Apply runs one command. It is safe for concurrent use. Stop and quit close
// the session before queueing behind the command in progress, which cancels
// a start that is still opening the camera.
func (c *Core) Apply(ctx context.Context, req ipc.Request) error {
	if req.Cmd == ipc.CmdStop || req.Cmd == ipc.CmdQuit {
		c.interrupt()
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	defer c.WriteStatus()

	c.outLog.Printf("Received command: %s", req)
	c.mu.Lock()
	c.lastCommand = req.String()
	c.mu.Unlock()

	err := c.apply(ctx, req)

	entry := diaglog.LogEntry{
		Component: diaglog.ComponentCore,
		Event:     diaglog.EventCommandApplied,
		Payload:   map[string]interface{}{"command": req.String(), "ok": err == nil},
	}
	if err != nil {
		entry.Reason = err.Error()
		c.errLog.Printf("Command %s failed: %v", req, err)
	}
	if sess := c.current(); sess != nil {
		entry.SessionID = sess.ID()
	}
	c.logger.Log(entry)
	return err
}

func (c *Core) apply(ctx context.Context, req ipc.Request) error {
	sess := c.current()
	live := sess != nil && sess.State().Kind() != session.KindClosed

	switch req.Cmd {
	case ipc.CmdStart:
		if !live {
			var err error
			if sess, err = c.openSession(ctx); err != nil {
				return err
			}
		}
		switch sess.State().Kind() {
		case session.KindScanning:
			return nil
		case session.KindFailed, session.KindPermissionDenied:
			if err := sess.Retry(ctx); err != nil {
				return err
			}
		}
		return sess.Start(ctx)

	case ipc.CmdStop:
		if !live {
			return nil
		}
		return sess.Close()

	case ipc.CmdRetry:
		if !live {
			_, err := c.openSession(ctx)
			return err
		}
		return sess.Retry(ctx)

	case ipc.CmdQuit:
		c.outLog.Println("Quit command received - shutting down")
		c.quitOnce.Do(func() { close(c.quit) })
		return nil
	}

	if !live {
		return errNoSession
	}
	switch req.Cmd {
	case ipc.CmdRearm:
		return sess.Rearm()
	case ipc.CmdTorchOn:
		return sess.SetTorch(ctx, true)
	case ipc.CmdTorchOff:
		return sess.SetTorch(ctx, false)
	case ipc.CmdSwitch:
		return sess.SwitchCamera(ctx, req.Arg)
	}
	return fmt.Errorf("unknown command %q", req.Cmd)
}

// openSession replaces the current session with a fresh, initialized one.
// mu must not be held.
func (c *Core) openSession(ctx context.Context) (*session.Session, error) {
	caps, err := c.agent.Capabilities(ctx)
	if err != nil {
		c.setError(err.Error(), validation.SuggestedFixes(scanerr.CodeUnknown, err.Error()))
		return nil, fmt.Errorf("query capabilities: %w", err)
	}

	opts := []session.Option{session.WithLogger(c.logger), session.WithHooks(c.hooks)}
	if c.clock != nil {
		opts = append(opts, session.WithClock(c.clock))
	}
	if c.prefs != nil {
		opts = append(opts, session.WithPreferences(c.prefs, c.cfg.Preferences.Key))
	}
	sess := session.New(c.agent, caps, c.cfg.Scanner.SessionConfig(), c.handlers(), opts...)

	c.mu.Lock()
	old := c.sess
	c.sess = sess
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.outLog.Printf("[EVENT] Session %s created", sess.ID())
	if err := sess.Init(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

func (c *Core) handlers() session.Handlers {
	return session.Handlers{
		OnDecodeSuccess: c.onDecode,
		OnError:         c.onError,
		OnStateChange:   c.onStateChange,
		OnNoDecode: func(retries int) {
			c.outLog.Printf("[EVENT] No code decoded yet (%d timeouts)", retries)
			c.publish(httpapi.Event{Type: "no_decode", Data: map[string]int{"retries": retries}})
		},
	}
}

func (c *Core) onDecode(ev capture.DecodeEvent) {
	c.mu.Lock()
	c.lastDecode = ev.Text
	sess := c.sess
	c.mu.Unlock()

	rec := &fileutil.ScanRecord{
		Version:   c.version,
		Text:      ev.Text,
		Raw:       ev.Raw,
		ScannedAt: time.Now().UTC(),
	}
	if sess != nil {
		snap := sess.Snapshot()
		rec.SessionID = snap.SessionID
		if snap.Selected != nil {
			rec.DeviceID = snap.Selected.ID
		}
	}

	c.outLog.Printf("[EVENT] Decoded %d characters from %s", len(ev.Text), rec.DeviceID)
	if err := os.MkdirAll(ipc.Dir(), 0755); err == nil {
		if err := fileutil.WriteScanRecord(ipc.Dir(), rec); err != nil {
			c.errLog.Printf("Failed to write scan record: %v", err)
		}
	}
	c.publish(httpapi.Event{Type: "decode", Data: rec})
	c.WriteStatus()
}

func (c *Core) onError(se *scanerr.Error) {
	c.errLog.Printf("[EVENT] Scanner error %s: %s", se.Code, se.Message)
	c.setError(se.Error(), validation.SuggestedFixes(se.Code, se.Message))
	c.publish(httpapi.Event{Type: "error", Data: map[string]string{
		"code":        string(se.Code),
		"message":     se.Message,
		"remediation": se.Remediation(),
	}})
}

func (c *Core) onStateChange(st session.State) {
	c.outLog.Printf("[EVENT] Scanner state: %s", st.Kind())
	if k := st.Kind(); k == session.KindReady || k == session.KindScanning {
		c.setError("", nil)
	}
	c.publish(httpapi.Event{Type: "state", Data: c.snapshot()})
	c.WriteStatus()
}

func (c *Core) setError(msg string, fixes []string) {
	c.mu.Lock()
	c.lastErr = msg
	c.fixes = fixes
	c.mu.Unlock()
}

func (c *Core) current() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Core) snapshot() session.Snapshot {
	if sess := c.current(); sess != nil {
		return sess.Snapshot()
	}
	return session.Snapshot{State: session.KindClosed, UpdatedAt: time.Now()}
}

// Status returns the daemon status as written to status.json.
func (c *Core) Status() ipc.StatusSnapshot {
	snap := c.snapshot()
	version, _ := c.agent.AgentInfo()

	c.mu.Lock()
	defer c.mu.Unlock()
	return ipc.StatusSnapshot{
		Session:        snap,
		AgentConnected: c.agent.IsConnected(),
		AgentVersion:   version,
		LastCommand:    c.lastCommand,
		LastDecode:     c.lastDecode,
		LastError:      c.lastErr,
		Fixes:          append([]string(nil), c.fixes...),
		PID:            os.Getpid(),
		Timestamp:      time.Now(),
	}
}

// Devices lists the cameras known to the current session.
func (c *Core) Devices() []capture.Device {
	if sess := c.current(); sess != nil {
		return sess.Devices()
	}
	return nil
}

// WriteStatus persists Status to status.json, logging failures.
func (c *Core) WriteStatus() {
	status := c.Status()
	if err := ipc.WriteStatus(&status); err != nil {
		c.errLog.Printf("Failed to write status: %v", err)
	}
}

// Watch subscribes to state, decode and error events until ctx is done.
func (c *Core) Watch(ctx context.Context) (<-chan httpapi.Event, error) {
	ch := make(chan httpapi.Event, 16)
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("daemon is shutting down")
	}
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		if _, ok := c.subs[ch]; ok {
			delete(c.subs, ch)
			close(ch)
		}
		c.mu.Unlock()
	}()
	return ch, nil
}

// publish drops the event for subscribers that are not keeping up.
func (c *Core) publish(ev httpapi.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Done is closed by the quit command.
func (c *Core) Done() <-chan struct{} {
	return c.quit
}

// interrupt closes the current session without taking opMu. Session.Close
// cancels an in-flight transition and waits for it to unwind.
func (c *Core) interrupt() {
	sess := c.current()
	if sess == nil || sess.State().Kind() == session.KindClosed {
		return
	}
	c.outLog.Println("[EVENT] Stopping scan and releasing camera")
	if err := sess.Close(); err != nil {
		c.errLog.Printf("Failed to close session: %v", err)
	}
}

// Shutdown closes the session, releasing the camera, and ends every
// subscription.
func (c *Core) Shutdown() {
	c.interrupt()
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if sess := c.current(); sess != nil {
		if err := sess.Close(); err != nil {
			c.errLog.Printf("Failed to close session: %v", err)
		}
	}
	c.WriteStatus()

	c.mu.Lock()
	for ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.mu.Unlock()
}
