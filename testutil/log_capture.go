package testutil

import (
	"bytes"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogCapture collects log output for assertions. It can stand in for the
// standard logger (Start/Stop) or back dedicated loggers (Logger).
type LogCapture struct {
	buf      bytes.Buffer
	mu       sync.Mutex
	original io.Writer
}

// NewLogCapture creates a new log capture instance
func NewLogCapture() *LogCapture {
	return &LogCapture{original: log.Writer()}
}

// Write implements io.Writer.
func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// Logger returns a logger that writes into the capture.
func (lc *LogCapture) Logger(prefix string) *log.Logger {
	return log.New(lc, prefix, 0)
}

// Start redirects the standard logger into the capture.
func (lc *LogCapture) Start() {
	log.SetOutput(lc)
}

// Stop restores original log output
func (lc *LogCapture) Stop() {
	log.SetOutput(lc.original)
}

// String returns all captured log output
func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

// Reset clears the capture buffer
func (lc *LogCapture) Reset() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.buf.Reset()
}

// Contains checks if the log output contains the given substring
func (lc *LogCapture) Contains(substr string) bool {
	return strings.Contains(lc.String(), substr)
}

// Count returns the number of times a substring appears in the log
func (lc *LogCapture) Count(substr string) int {
	return strings.Count(lc.String(), substr)
}

// Lines returns all captured log lines
func (lc *LogCapture) Lines() []string {
	content := strings.TrimSpace(lc.String())
	if content == "" {
		return []string{}
	}
	return strings.Split(content, "\n")
}

// StdoutCapture temporarily redirects os.Stdout. Not safe for parallel tests.
type StdoutCapture struct {
	buf      bytes.Buffer
	original *os.File
	r        *os.File
	w        *os.File
	done     chan struct{}
}

// NewStdoutCapture creates a new stdout capture instance
func NewStdoutCapture() *StdoutCapture {
	return &StdoutCapture{original: os.Stdout}
}

// Start begins capturing stdout
func (sc *StdoutCapture) Start() error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	sc.r, sc.w = r, w
	sc.done = make(chan struct{})
	os.Stdout = w

	go func() {
		_, _ = io.Copy(&sc.buf, r)
		close(sc.done)
	}()
	return nil
}

// Stop restores original stdout and returns everything written meanwhile.
func (sc *StdoutCapture) Stop() string {
	if sc.w == nil {
		return ""
	}
	_ = sc.w.Close()
	<-sc.done
	_ = sc.r.Close()
	os.Stdout = sc.original
	sc.w = nil
	return sc.buf.String()
}
