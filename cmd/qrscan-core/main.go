package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tiroq/qrscan/internal/capturews"
	"github.com/tiroq/qrscan/internal/config"
	"github.com/tiroq/qrscan/internal/daemon"
	"github.com/tiroq/qrscan/internal/diaglog"
	"github.com/tiroq/qrscan/internal/httpapi"
	"github.com/tiroq/qrscan/internal/ipc"
	"github.com/tiroq/qrscan/internal/metrics"
	"github.com/tiroq/qrscan/internal/pidfile"
	"github.com/tiroq/qrscan/internal/prefs"
	"github.com/tiroq/qrscan/internal/validation"
)

const (
	logPrefix      = "[qrscan-core]"
	defaultLogPath = "/tmp/qrscan-debug.log"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=..."
	Version = "dev"

	outLog *log.Logger
	errLog *log.Logger
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--export-diag" {
		os.Exit(exportDiag())
	}

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in qrscan-core: %v\n", r)
			if outLog != nil {
				outLog.Printf("PANIC: %v", r)
			}
			if errLog != nil {
				errLog.Printf("PANIC: %v", r)
			}
			os.Exit(1)
		}
	}()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if code := run(); code != 0 {
		os.Exit(code)
	}
}

func exportDiag() int {
	logPath := os.Getenv("QRSCAN_LOG_PATH")
	if logPath == "" {
		logPath = defaultLogPath
	}
	diaglog.Version = Version
	path, n, err := diaglog.Export(logPath, ".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "hint: run with QRSCAN_DEBUG_CAPTURE=true to enable logging")
			return 1
		}
		return 2
	}
	fmt.Printf("Wrote: %s (%d lines)\n", path, n)
	return 0
}

// run holds the daemon lifetime so deferred cleanup happens before exit.
func run() int {
	outLog.Println("===========================================")
	outLog.Println("Starting QRScan Core v" + Version + "...")
	outLog.Printf("PID: %d", os.Getpid())
	outLog.Printf("Timestamp: %s", time.Now().Format(time.RFC3339))
	outLog.Println("===========================================")

	pidFilePath := pidfile.Path("qrscan-core")
	outLog.Printf("Checking PID file: %s", pidFilePath)
	pf, err := pidfile.New(pidFilePath)
	if err != nil {
		errLog.Printf("Failed to create PID file: %v", err)
		if errors.Is(err, pidfile.ErrRunning) {
			errLog.Println("Another instance of qrscan-core is already running.")
		}
		errLog.Printf("If you're sure no other instance is running, remove: %s", pidFilePath)
		return 1
	}
	defer func() {
		outLog.Println("Cleaning up before exit...")
		if err := pf.Remove(); err != nil {
			errLog.Printf("Warning: failed to remove PID file: %v", err)
		}
	}()
	outLog.Printf("PID file created: %s (PID %d)", pidFilePath, os.Getpid())

	outLog.Println("[STARTUP] Loading configuration...")
	cfg, err := config.Load()
	if err != nil {
		errLog.Printf("Failed to load config: %v", err)
		return 1
	}
	outLog.Printf("[STARTUP] Loaded config: agent=%s fps=%d auto_start=%v prefs=%s http=%v",
		cfg.Agent.URL, cfg.Scanner.FrameRate, cfg.Scanner.AutoStart, cfg.Preferences.Backend, cfg.HTTP.Enabled)

	logPath := cfg.LogPath
	if logPath == "" {
		logPath = defaultLogPath
	}
	diagLogger, diagErr := diaglog.New(logPath)
	if diagErr != nil {
		errLog.Printf("[STARTUP] WARNING: could not open diagnostic log at %s: %v (continuing)", logPath, diagErr)
		diagLogger = diaglog.NewNoOp()
	}
	defer func() { _ = diagLogger.Close() }()
	diaglog.Version = Version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outLog.Println("[STARTUP] Connecting to capture agent at " + cfg.Agent.URL + "...")
	agent := capturews.NewClient(cfg.Agent.URL, cfg.Agent.Token)
	agent.SetLogger(diagLogger)
	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	err = agent.Connect(connectCtx)
	connectCancel()
	if err != nil {
		errLog.Printf("[STARTUP] Failed to connect to capture agent: %v", err)
		errLog.Println("Please ensure the capture agent is running and reachable")
		errLog.Println("  1. Start the capture agent")
		errLog.Printf("  2. Check agent.url in %s (or QRSCAN_AGENT_URL)", config.UserConfigPath())
		errLog.Println("  3. Set agent.token if the agent requires authentication")
		return 1
	}
	defer func() {
		outLog.Println("[SHUTDOWN] Disconnecting from capture agent...")
		agent.Disconnect()
	}()

	agentVersion, protocolVersion := agent.AgentInfo()
	outLog.Printf("[STARTUP] Connected to capture agent %s (protocol %d)", agentVersion, protocolVersion)

	outLog.Println("[STARTUP] Validating agent compatibility...")
	healthCheck := validation.CheckAgentHealth(agentVersion, protocolVersion)
	outLog.Printf("[STARTUP] Agent Health: %s", healthCheck.Message)
	if !healthCheck.OK {
		errLog.Println("[STARTUP] WARNING: agent compatibility check found issues:")
		for _, issue := range healthCheck.Issues {
			errLog.Printf("  - %s", issue)
		}
		errLog.Println("")
		errLog.Println("Suggested fixes:")
		for _, fix := range healthCheck.Fixes {
			errLog.Printf("  - %s", fix)
		}
		errLog.Println("")
		errLog.Println("Continuing anyway, but scanning may not work properly.")
	}
	for _, w := range healthCheck.Warnings {
		outLog.Printf("[STARTUP] Agent warning: %s", w)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, closeStore, err := openPreferences(cfg.Preferences)
	if err != nil {
		errLog.Printf("[STARTUP] Failed to open preferences: %v", err)
		return 1
	}
	defer closeStore()

	opts := []daemon.Option{
		daemon.WithLogger(diagLogger),
		daemon.WithHooks(m.Hooks()),
		daemon.WithLogs(outLog, errLog),
		daemon.WithVersion(Version),
	}
	if store != nil {
		opts = append(opts, daemon.WithPreferences(store))
	}
	core := daemon.New(agent, cfg, opts...)
	defer func() {
		outLog.Println("[SHUTDOWN] Closing session...")
		core.Shutdown()
	}()

	agent.OnDisconnected(func() {
		errLog.Println("[EVENT] Capture agent disconnected - will attempt reconnection")
		core.WriteStatus()
	})

	outLog.Println("[STARTUP] Creating status directory...")
	if err := os.MkdirAll(ipc.Dir(), 0755); err != nil {
		errLog.Printf("Failed to create status directory: %v", err)
		return 1
	}

	outLog.Println("[STARTUP] Opening scanning session...")
	if err := core.Begin(ctx); err != nil {
		errLog.Printf("[STARTUP] Session did not start: %v (use qrscan-ctl retry once fixed)", err)
	}
	st := core.Status()
	outLog.Printf("[STARTUP] Session %s is %s", st.Session.SessionID, st.Session.State)

	outLog.Println("[STARTUP] Starting command file watcher...")
	go watchCommands(ctx, core)

	var srv *http.Server
	if cfg.HTTP.Enabled {
		srv = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           httpapi.NewHandler(core, metrics.Handler(reg)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			outLog.Printf("[STARTUP] HTTP API listening on %s", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errLog.Printf("HTTP server error: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	outLog.Println("[STARTUP] Signal handlers registered (SIGINT, SIGTERM)")

	outLog.Println("===========================================")
	outLog.Println("[RUNNING] QRScan Core is running")

	select {
	case <-sigChan:
		outLog.Println("===========================================")
		outLog.Printf("[SHUTDOWN] Received shutdown signal at %s", time.Now().Format(time.RFC3339))
	case <-core.Done():
		outLog.Println("===========================================")
		outLog.Printf("[SHUTDOWN] Received quit command at %s", time.Now().Format(time.RFC3339))
	}

	cancel()
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errLog.Printf("HTTP server shutdown: %v", err)
		}
		shutdownCancel()
	}
	outLog.Println("[SHUTDOWN] Shutting down gracefully")
	return 0
}

// openPreferences builds the configured store. A nil store disables
// remembering the last camera.
func openPreferences(pc config.PreferencesConfig) (prefs.Store, func(), error) {
	switch pc.Backend {
	case "", "none":
		outLog.Println("[STARTUP] Camera preference disabled")
		return nil, func() {}, nil
	case "file":
		path := pc.Path
		if path == "" {
			path = prefs.DefaultPath()
		}
		outLog.Printf("[STARTUP] Camera preference stored in %s", path)
		return prefs.NewFileStore(path), func() {}, nil
	case "redis":
		var ropts []prefs.RedisOption
		if pc.TTLHours > 0 {
			ropts = append(ropts, prefs.WithTTL(time.Duration(pc.TTLHours)*time.Hour))
		}
		store := prefs.NewRedisStore(pc.RedisAddr, pc.RedisPassword, pc.RedisDB, ropts...)
		outLog.Printf("[STARTUP] Camera preference stored in redis at %s (db %d)", pc.RedisAddr, pc.RedisDB)
		return store, func() {
			if err := store.Close(); err != nil {
				errLog.Printf("Failed to close redis client: %v", err)
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown preferences backend %q", pc.Backend)
}

func initLogging() error {
	logDir := ipc.Dir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}

	outLogPath := filepath.Join(logDir, "qrscan-core.out.log")
	errLogPath := filepath.Join(logDir, "qrscan-core.err.log")

	// Rotate logs if they exceed 10MB
	if err := rotateLogIfNeeded(outLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate out log: %v\n", err)
	}
	if err := rotateLogIfNeeded(errLogPath, 10*1024*1024); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to rotate err log: %v\n", err)
	}

	outFile, err := os.OpenFile(outLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errFile, err := os.OpenFile(errLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	outLog = log.New(outFile, logPrefix+" ", log.LstdFlags)
	errLog = log.New(errFile, logPrefix+" ERROR: ", log.LstdFlags)
	return nil
}

// rotateLogIfNeeded renames logPath to logPath.old once it reaches maxSize bytes
func rotateLogIfNeeded(logPath string, maxSize int64) error {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < maxSize {
		return nil
	}

	oldPath := logPath + ".old"
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old log: %w", err)
	}
	return os.Rename(logPath, oldPath)
}
