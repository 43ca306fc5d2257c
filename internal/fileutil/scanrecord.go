package fileutil

import (
	"path/filepath"
	"time"
)

// LastScanFile is the name of the record kept next to status.json.
const LastScanFile = "last-scan.json"

// ScanRecord is written after every successful decode.
type ScanRecord struct {
	Version   string      `json:"version"`
	SessionID string      `json:"session_id"`
	DeviceID  string      `json:"device_id"`
	Text      string      `json:"text"`
	Raw       interface{} `json:"raw,omitempty"`
	ScannedAt time.Time   `json:"scanned_at"`
}

// WriteScanRecord replaces dir/last-scan.json with rec.
func WriteScanRecord(dir string, rec *ScanRecord) error {
	return WriteJSON(filepath.Join(dir, LastScanFile), rec)
}

// ReadScanRecord loads dir/last-scan.json.
func ReadScanRecord(dir string) (*ScanRecord, error) {
	var rec ScanRecord
	if err := ReadJSON(filepath.Join(dir, LastScanFile), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
