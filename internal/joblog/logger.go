// Package joblog persists terminal job outcomes to an append-only,
// line-delimited JSON log and answers queries over it.
package joblog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/digestry/digestry/internal/pipeline"
)

// maxRecordBytes bounds a single log line when scanning the file back.
const maxRecordBytes = 4 * 1024 * 1024

// Logger appends job outcome records to a durable JSONL file. A single
// writer mutex keeps concurrent appends from interleaving; every append is
// synced before Log returns.
type Logger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *zap.Logger
}

// New opens (or creates) the log file at path for appending.
func New(path string, logger *zap.Logger) (*Logger, error) {
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &Logger{path: path, file: file, logger: logger}, nil
}

// Log appends one record and syncs it to disk before returning.
func (l *Logger) Log(record pipeline.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(record)
}

// LogBatch appends records under one lock hold, syncing once at the end.
func (l *Logger) LogBatch(records []pipeline.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range records {
		data, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", records[i].JobID, err)
		}
		if _, err := l.file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("append record %s: %w", records[i].JobID, err)
		}
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	return nil
}

func (l *Logger) appendLocked(record pipeline.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", record.JobID, err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record %s: %w", record.JobID, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// Records returns every record in append order. Corrupt lines are skipped
// with a warning rather than failing the whole read.
func (l *Logger) Records() ([]pipeline.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open log for read: %w", err)
	}
	defer file.Close()

	var records []pipeline.Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var record pipeline.Record
		if err := json.Unmarshal(raw, &record); err != nil {
			l.logger.Warn("skipping corrupt log line", zap.Int("line", line), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	return records, nil
}

// latest reduces the full history to the most recent record per job.
func latest(records []pipeline.Record) []pipeline.Record {
	byJob := make(map[string]pipeline.Record, len(records))
	for _, record := range records {
		byJob[record.JobID] = record
	}
	out := make([]pipeline.Record, 0, len(byJob))
	for _, record := range byJob {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Failed returns jobs whose current terminal status is a failure. A job
// that later succeeded on retry is excluded: the scan filters on current
// status, not history.
func (l *Logger) Failed() ([]pipeline.Record, error) {
	records, err := l.Records()
	if err != nil {
		return nil, err
	}
	var failed []pipeline.Record
	for _, record := range latest(records) {
		if !record.Success {
			failed = append(failed, record)
		}
	}
	return failed, nil
}

// Succeeded returns jobs whose current terminal status is success.
func (l *Logger) Succeeded() ([]pipeline.Record, error) {
	records, err := l.Records()
	if err != nil {
		return nil, err
	}
	var succeeded []pipeline.Record
	for _, record := range latest(records) {
		if record.Success {
			succeeded = append(succeeded, record)
		}
	}
	return succeeded, nil
}

// Stats summarizes the full log history.
type Stats struct {
	Count          int            `json:"count"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	SuccessRate    float64        `json:"success_rate"`
	AvgDurationMs  int64          `json:"avg_duration_ms"`
	ErrorHistogram map[string]int `json:"error_histogram,omitempty"`
}

// Stats computes aggregate counts, success rate, average duration and an
// error histogram over every record ever written.
func (l *Logger) Stats() (Stats, error) {
	records, err := l.Records()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ErrorHistogram: make(map[string]int)}
	var totalDuration int64
	for _, record := range records {
		stats.Count++
		totalDuration += record.DurationMs
		if record.Success {
			stats.Succeeded++
			continue
		}
		stats.Failed++
		key := record.Error
		if len(key) > 80 {
			key = key[:80]
		}
		if key == "" {
			key = "unknown"
		}
		stats.ErrorHistogram[key]++
	}
	if stats.Count > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Count)
		stats.AvgDurationMs = totalDuration / int64(stats.Count)
	}
	return stats, nil
}
