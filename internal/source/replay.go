package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/types"
)

// Replay reads a file once from the beginning and returns at EOF.
type Replay struct {
	name   string
	path   string
	format string
	pipe   *Pipeline
	logger zerolog.Logger
}

// NewReplay creates a finite source over path.
func NewReplay(path, format string, pipe *Pipeline, logger zerolog.Logger) *Replay {
	name := "replay:" + filepath.Base(path)
	return &Replay{
		name:   name,
		path:   path,
		format: format,
		pipe:   pipe,
		logger: logger.With().Str("source", name).Logger(),
	}
}

func (r *Replay) Name() string {
	return r.name
}

// Start emits every alert in the file, then returns. A final line without a
// trailing newline is still processed since the file is complete.
func (r *Replay) Start(ctx context.Context, out chan<- types.Alert) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 64*1024)
	var count int
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if alert, ok := r.pipe.Handle(r.name, r.format, line); ok {
				select {
				case out <- alert:
					count++
				case <-ctx.Done():
					return nil
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading replay file: %w", readErr)
		}
	}

	r.logger.Info().Int("alerts", count).Msg("replay complete")
	return nil
}

// Stop is a no-op; cancel the Start context instead.
func (r *Replay) Stop() error {
	return nil
}
