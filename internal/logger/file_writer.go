package logger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultFileBufferSize = 32 * 1024
	defaultFlushInterval  = time.Second
)

// bufferedFileWriter buffers log output and flushes it on an interval and on Close
type bufferedFileWriter struct {
	mu        sync.Mutex
	file      *os.File
	writer    *bufio.Writer
	ticker    *time.Ticker
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newBufferedFileWriter(path string) (*bufferedFileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // path comes from config
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	w := &bufferedFileWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, defaultFileBufferSize),
		ticker: time.NewTicker(defaultFlushInterval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.autoFlushLoop()
	return w, nil
}

func (w *bufferedFileWriter) autoFlushLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-w.ticker.C:
			// errors surface on the next Write
			_ = w.Flush()
		}
	}
}

// Write writes data to the buffer
func (w *bufferedFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return 0, fmt.Errorf("writer is closed")
	}
	return w.writer.Write(p)
}

// Flush writes buffered data to the OS without fsync
func (w *bufferedFileWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	return nil
}

// Close flushes, syncs and closes the file. Safe to call more than once.
func (w *bufferedFileWriter) Close() error {
	var errs []error
	w.closeOnce.Do(func() {
		w.ticker.Stop()
		close(w.stop)
		<-w.done

		w.mu.Lock()
		defer w.mu.Unlock()
		if err := w.writer.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := w.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync file: %w", err))
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close file: %w", err))
		}
		w.writer = nil
	})
	return errors.Join(errs...)
}

var _ io.WriteCloser = (*bufferedFileWriter)(nil)
