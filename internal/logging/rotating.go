// Package logging sets up zerolog and provides size-based file rotation
// for the process log and the decision journal.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// RotatingWriter is an io.WriteCloser that renames the file to path.1 once it
// would exceed maxBytes, shifting older backups up and discarding the oldest.
type RotatingWriter struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu        sync.Mutex
	file      *os.File
	size      int64
	rotations int
}

// NewRotatingWriter opens (or creates) path for appending.
// maxSizeMB < 1 defaults to 50; maxBackups < 1 defaults to 5.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB < 1 {
		maxSizeMB = 50
	}
	return newRotatingWriter(path, int64(maxSizeMB)*1024*1024, maxBackups)
}

func newRotatingWriter(path string, maxBytes int64, maxBackups int) (*RotatingWriter, error) {
	if maxBackups < 1 {
		maxBackups = 5
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	rw := &RotatingWriter{
		path:       path,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// Write implements io.Writer. A single write is never split across files.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed for %s: %v\n", rw.path, err)
		}
	}

	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Sync flushes the current file to disk.
func (rw *RotatingWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	return rw.file.Sync()
}

// Rotations reports how many times the file has been rotated.
func (rw *RotatingWriter) Rotations() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.rotations
}

// Close closes the underlying file. Further writes fail with os.ErrClosed.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

func (rw *RotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", rw.path, i)
}

func (rw *RotatingWriter) rotate() error {
	rw.file.Close()
	rw.file = nil

	os.Remove(rw.backup(rw.maxBackups))
	for i := rw.maxBackups - 1; i >= 1; i-- {
		os.Rename(rw.backup(i), rw.backup(i+1))
	}
	if err := os.Rename(rw.path, rw.backup(1)); err != nil && !os.IsNotExist(err) {
		// Keep appending to the oversized file rather than losing lines.
		if oerr := rw.open(); oerr != nil {
			return oerr
		}
		return err
	}

	rw.rotations++
	return rw.open()
}

// RequestIDs hands out process-unique ids for HTTP request tracing.
type RequestIDs struct {
	prefix  string
	counter atomic.Uint64
}

// NewRequestIDs derives the prefix from the process start time so ids from
// different runs do not collide in aggregated logs.
func NewRequestIDs() *RequestIDs {
	return &RequestIDs{prefix: fmt.Sprintf("%06x", time.Now().UnixNano()&0xFFFFFF)}
}

// Next returns the next id, e.g. "req-3fa2c1-000042".
func (g *RequestIDs) Next() string {
	return fmt.Sprintf("req-%s-%06d", g.prefix, g.counter.Add(1))
}
