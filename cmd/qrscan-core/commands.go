package main

import (
	"context"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/qrscan/internal/daemon"
	"github.com/tiroq/qrscan/internal/ipc"
)

// watchCommands applies commands written to cmd.txt until ctx is done.
func watchCommands(ctx context.Context, core *daemon.Core) {
	cmdPath := ipc.CommandPath()

	// Try to use fsnotify for efficient file watching
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errLog.Printf("fsnotify not available, falling back to polling: %v", err)
		watchCommandsWithPolling(ctx, cmdPath, core)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			errLog.Printf("Failed to close watcher: %v", err)
		}
	}()

	if err := watcher.Add(ipc.Dir()); err != nil {
		errLog.Printf("Failed to watch command directory, falling back to polling: %v", err)
		watchCommandsWithPolling(ctx, cmdPath, core)
		return
	}

	outLog.Println("Command watcher started (using fsnotify)")

	// fsnotify can miss events on some filesystems
	pollTicker := time.NewTicker(1 * time.Second)
	defer pollTicker.Stop()

	lastCheckTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				outLog.Println("fsnotify watcher closed, switching to polling")
				watchCommandsWithPolling(ctx, cmdPath, core)
				return
			}
			if event.Name == cmdPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Small delay to ensure write is complete
				time.Sleep(50 * time.Millisecond)
				handleCommandFile(ctx, core)
				lastCheckTime = time.Now()
			}

		case <-pollTicker.C:
			if fileInfo, err := os.Stat(cmdPath); err == nil && fileInfo.ModTime().After(lastCheckTime) {
				time.Sleep(50 * time.Millisecond)
				handleCommandFile(ctx, core)
				lastCheckTime = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				outLog.Println("fsnotify error channel closed, switching to polling")
				watchCommandsWithPolling(ctx, cmdPath, core)
				return
			}
			errLog.Printf("File watcher error: %v", err)
		}
	}
}

// watchCommandsWithPolling is a pure polling-based fallback for command monitoring
func watchCommandsWithPolling(ctx context.Context, cmdPath string, core *daemon.Core) {
	outLog.Println("Command watcher started (using polling fallback, 1s interval)")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastCheckTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fileInfo, err := os.Stat(cmdPath)
		if err != nil {
			continue // File doesn't exist yet, keep polling
		}
		if fileInfo.ModTime().After(lastCheckTime) {
			time.Sleep(50 * time.Millisecond)
			handleCommandFile(ctx, core)
			lastCheckTime = time.Now()
		}
	}
}

// handleCommandFile consumes cmd.txt and applies what it holds.
func handleCommandFile(ctx context.Context, core *daemon.Core) {
	req, ok, err := ipc.ReadCommand()
	if err != nil {
		errLog.Printf("Ignoring command: %v", err)
		return
	}
	if !ok {
		return
	}
	if err := core.Apply(ctx, req); err != nil {
		errLog.Printf("Command %s failed: %v", req, err)
	}
}
