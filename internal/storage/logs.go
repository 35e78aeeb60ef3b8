package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogStorage manages stage logs, one directory per run
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// RunDir is the directory holding every log of one run
func (ls *LogStorage) RunDir(runID string) string {
	return filepath.Join(ls.BaseDir, sanitize(runID))
}

// SaveLog writes the combined output of a stage into <base>/<run>/<stage>.log
func (ls *LogStorage) SaveLog(runID, stage, output string) (string, error) {
	dir := ls.RunDir(runID)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}

	filePath := filepath.Join(dir, sanitize(stage)+".log")
	if err := os.WriteFile(filePath, []byte(output), 0644); err != nil {
		return "", err
	}
	return filePath, nil
}

// Purge discards all logs of a run
func (ls *LogStorage) Purge(runID string) error {
	if err := os.RemoveAll(ls.RunDir(runID)); err != nil {
		return fmt.Errorf("purge logs for %s: %w", runID, err)
	}
	return nil
}

// sanitize removes special characters from names used in file paths
func sanitize(name string) string {
	var clean strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean.WriteRune(r)
		}
	}
	if clean.Len() == 0 {
		return "step"
	}
	return clean.String()
}
