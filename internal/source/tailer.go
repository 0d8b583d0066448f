package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/types"
)

const (
	readChunk   = 64 << 10
	readBudget  = 4 << 20 // per readNew call; the rest waits for the next call
	maxLineSize = 1 << 20
)

// TailSpec describes one followed file.
type TailSpec struct {
	Name         string
	Path         string
	Format       string
	FromStart    bool
	PollInterval time.Duration
}

// Tailer follows an append-only file. It wakes on fsnotify events for the
// file's directory and on a poll ticker, reads whatever was appended since
// the last offset, and keeps an incomplete trailing line buffered until its
// newline arrives. Truncation or replacement of the file restarts at 0. A
// file rotated away by rename is read to its end before the new one is
// opened. Lines longer than maxLineSize are dropped.
//
// Offsets survive Stop/Start, so a restarted tailer continues where it left off.
type Tailer struct {
	spec   TailSpec
	pipe   *Pipeline
	logger zerolog.Logger

	mu          sync.Mutex
	initialized bool
	offset      int64
	partial     []byte
	skipping    bool // inside an oversized line, discarding to its newline
	oversized   int64
	file        *os.File
	ident       os.FileInfo
	cancel      context.CancelFunc
}

// NewTailer creates a tailer. Nothing is read until Start.
func NewTailer(spec TailSpec, pipe *Pipeline, logger zerolog.Logger) *Tailer {
	if spec.Name == "" {
		spec.Name = filepath.Base(spec.Path)
	}
	if spec.PollInterval <= 0 {
		spec.PollInterval = 2 * time.Second
	}
	return &Tailer{
		spec:   spec,
		pipe:   pipe,
		logger: logger.With().Str("source", spec.Name).Str("path", spec.Path).Logger(),
	}
}

func (t *Tailer) Name() string {
	return t.spec.Name
}

// Offset returns the byte offset of the next unread byte.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Oversized returns how many lines were dropped for exceeding maxLineSize.
func (t *Tailer) Oversized() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oversized
}

// Start follows the file until ctx is cancelled or Stop is called. A missing
// file is not an error; the tailer waits for it to appear.
func (t *Tailer) Start(ctx context.Context, out chan<- types.Alert) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	if !t.initialized {
		t.initialized = true
		if info, err := os.Stat(t.spec.Path); err == nil {
			t.ident = info
			if !t.spec.FromStart {
				t.offset = info.Size()
			}
		}
	}
	t.mu.Unlock()
	defer cancel()
	defer t.closeFile()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so replacement files are noticed.
	if err := watcher.Add(filepath.Dir(t.spec.Path)); err != nil {
		t.logger.Warn().Err(err).Msg("cannot watch directory, relying on polling")
	}

	ticker := time.NewTicker(t.spec.PollInterval)
	defer ticker.Stop()

	t.drain(ctx, out)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(t.spec.Path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				t.drain(ctx, out)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Error().Err(err).Msg("watcher error")

		case <-ticker.C:
			t.drain(ctx, out)
		}
	}
}

// Stop ends a running Start. Offsets are kept.
func (t *Tailer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *Tailer) drain(ctx context.Context, out chan<- types.Alert) {
	for {
		lines, more, err := t.readNew()
		if err != nil {
			t.logger.Error().Err(err).Msg("error reading new lines")
		}
		for _, line := range lines {
			alert, ok := t.pipe.Handle(t.spec.Name, t.spec.Format, line)
			if !ok {
				continue
			}
			select {
			case out <- alert:
			case <-ctx.Done():
				return
			}
		}
		if !more || ctx.Err() != nil {
			return
		}
	}
}

func (t *Tailer) closeFile() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// readNew returns complete lines appended since the last call. more reports
// that unread data remains beyond the read budget.
func (t *Tailer) readNew() (lines [][]byte, more bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, statErr := os.Stat(t.spec.Path)
	if statErr != nil && !os.IsNotExist(statErr) {
		return nil, false, statErr
	}

	if t.file != nil && statErr == nil {
		if cur, serr := t.file.Stat(); serr == nil && !os.SameFile(cur, info) {
			// Rotated by rename: finish the old file before switching.
			lines, more, err = t.readChunksLocked(nil)
			if more || err != nil {
				return lines, more, err
			}
			if len(bytes.TrimSpace(t.partial)) > 0 {
				lines = append(lines, t.partial)
			}
			t.logger.Info().Int64("offset", t.offset).Msg("file rotated, switching to the new file")
			t.file.Close()
			t.file, t.ident = nil, nil
			t.offset, t.partial, t.skipping = 0, nil, false
		}
	}

	if t.file == nil {
		if statErr != nil {
			return lines, false, nil
		}
		f, err := os.Open(t.spec.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return lines, false, nil
			}
			return lines, false, err
		}
		opened, err := f.Stat()
		if err != nil {
			f.Close()
			return lines, false, err
		}
		if t.ident != nil && !os.SameFile(t.ident, opened) {
			t.logger.Info().Msg("file replaced, reading from start")
			t.offset, t.partial, t.skipping = 0, nil, false
		}
		t.file, t.ident = f, opened
	}

	cur, err := t.file.Stat()
	if err != nil {
		return lines, false, err
	}
	if cur.Size() < t.offset {
		t.logger.Info().Int64("size", cur.Size()).Int64("offset", t.offset).Msg("file truncated, reading from start")
		t.offset, t.partial, t.skipping = 0, nil, false
	}
	if cur.Size() == t.offset {
		return lines, false, nil
	}
	if _, err := t.file.Seek(t.offset, io.SeekStart); err != nil {
		return lines, false, err
	}
	return t.readChunksLocked(lines)
}

// readChunksLocked reads the open file from its position in bounded chunks
// until EOF or the read budget is spent.
func (t *Tailer) readChunksLocked(lines [][]byte) ([][]byte, bool, error) {
	buf := make([]byte, readChunk)
	for read := 0; read < readBudget; {
		n, err := t.file.Read(buf)
		read += n
		t.offset += int64(n)
		lines = t.splitLocked(lines, buf[:n])
		if err == io.EOF || (err == nil && n == 0) {
			return lines, false, nil
		}
		if err != nil {
			return lines, false, err
		}
	}
	return lines, true, nil
}

// splitLocked appends the complete lines in chunk to lines and keeps the
// unterminated rest in t.partial. Returned lines never alias chunk.
func (t *Tailer) splitLocked(lines [][]byte, chunk []byte) [][]byte {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if t.skipping {
			if i < 0 {
				return lines
			}
			t.skipping = false
			chunk = chunk[i+1:]
			continue
		}
		if i < 0 {
			if len(t.partial)+len(chunk) > maxLineSize {
				t.dropOversizedLocked(len(t.partial) + len(chunk))
				t.skipping = true
				return lines
			}
			t.partial = append(t.partial, chunk...)
			return lines
		}

		line := append(t.partial, chunk[:i]...)
		t.partial = nil
		chunk = chunk[i+1:]
		if len(line) > maxLineSize {
			t.dropOversizedLocked(len(line))
			continue
		}
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}
	return lines
}

func (t *Tailer) dropOversizedLocked(size int) {
	t.partial = nil
	t.oversized++
	t.logger.Warn().Int("size", size).Int("limit", maxLineSize).Int64("offset", t.offset).Msg("dropping oversized line")
}
