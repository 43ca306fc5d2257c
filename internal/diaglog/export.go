package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the first line written to the export file (valid NDJSON).
type DiagBundle struct {
	ExportedAt    string   `json:"exported_at"`
	QrscanVersion string   `json:"qrscan_version"`
	GoVersion     string   `json:"go_version"`
	OS            string   `json:"os"`
	Arch          string   `json:"arch"`
	LogFiles      []string `json:"log_files"`
	EntryCount    int      `json:"entry_count"`
}

// Export collects the rolled backup (<logPath>.1, if present) followed by
// logPath, prepends a DiagBundle line, and writes the result to
// dest/qrscan-diag-<ts>.ndjson. It returns the written path and the number of
// log lines included.
func Export(logPath, dest string) (path string, lines int, err error) {
	var rawLines [][]byte
	var sources []string

	backup := logPath + ".1"
	if bl, berr := readLines(backup); berr == nil {
		rawLines = append(rawLines, bl...)
		sources = append(sources, backup)
	}

	cur, err := readLines(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}
	rawLines = append(rawLines, cur...)
	sources = append(sources, logPath)

	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "qrscan-diag-"+tstamp+".ndjson")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	bundle := DiagBundle{
		ExportedAt:    time.Now().UTC().Format(time.RFC3339),
		QrscanVersion: Version,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		LogFiles:      sources,
		EntryCount:    len(rawLines),
	}
	header, err := json.Marshal(bundle)
	if err != nil {
		return "", 0, err
	}

	w := bufio.NewWriter(out)
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, line := range rawLines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}

	return outPath, len(rawLines), nil
}

// readLines buffers every line of path. Files are capped at DefaultMaxSize.
func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), DefaultMaxSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
