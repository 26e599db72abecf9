// Package storage appends audit records as JSON lines to rotating files.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// JSONLWriter writes JSON lines from a background goroutine into
// baseDir/<date>/<name>.jsonl, switching files when the UTC date changes.
type JSONLWriter struct {
	baseDir   string
	name      string
	maxSizeMB int
	now       func() time.Time

	writeCh   chan any
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

// NewJSONLWriter creates a writer and starts its write loop.
func NewJSONLWriter(baseDir, name string, bufferSize, maxSizeMB int) *JSONLWriter {
	if bufferSize < 1 {
		bufferSize = 64
	}
	w := &JSONLWriter{
		baseDir:   baseDir,
		name:      name,
		maxSizeMB: maxSizeMB,
		now:       time.Now,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Write queues a record. It never blocks; a full buffer drops the record.
func (w *JSONLWriter) Write(record any) error {
	select {
	case <-w.done:
		return fmt.Errorf("writer is closed")
	default:
	}
	select {
	case w.writeCh <- record:
		return nil
	default:
		slog.Warn("jsonl write buffer full, dropping record", "name", w.name)
		return fmt.Errorf("buffer full")
	}
}

// Close stops the write loop, flushes queued records and closes the file.
func (w *JSONLWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		err := w.logger.Close()
		w.logger = nil
		return err
	}
	return nil
}

func (w *JSONLWriter) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			w.drain()
			return
		}
	}
}

func (w *JSONLWriter) drain() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-timeout:
			slog.Warn("jsonl writer close timeout, some records may be lost", "name", w.name)
			return
		default:
			return
		}
	}
}

func (w *JSONLWriter) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("failed to marshal record", "error", err, "name", w.name)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := w.now().UTC().Format("2006-01-02")
	if date != w.currentDate || w.logger == nil {
		if err := w.rotateForDate(date); err != nil {
			slog.Error("failed to open jsonl file", "error", err, "name", w.name)
			return
		}
	}

	if _, err := w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write record", "error", err, "name", w.name)
	}
}

func (w *JSONLWriter) rotateForDate(date string) error {
	if w.logger != nil {
		_ = w.logger.Close()
		w.logger = nil
	}

	dir := filepath.Join(w.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	filename := filepath.Join(dir, w.name+".jsonl")
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 30,
		MaxAge:     30,
		LocalTime:  false,
	}
	w.currentDate = date
	slog.Info("opened jsonl file", "file", filename)
	return nil
}
