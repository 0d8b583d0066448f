package storage

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/sentinel-agent/warden/internal/logging"
	"github.com/sentinel-agent/warden/internal/types"
)

// JSONL mirrors decisions and posture changes as JSON lines, one record per
// line, through a size-rotated file.
type JSONL struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder
}

// NewJSONL opens path for appending with size-based rotation.
func NewJSONL(path string, maxSizeMB, maxBackups int) (*JSONL, error) {
	rw, err := logging.NewRotatingWriter(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, err
	}
	return NewJSONLWriter(rw), nil
}

// NewJSONLWriter wraps an arbitrary writer.
func NewJSONLWriter(w io.WriteCloser) *JSONL {
	return &JSONL{w: w, enc: json.NewEncoder(w)}
}

type jsonlRecord struct {
	Type     string               `json:"type"`
	Decision *types.Decision      `json:"decision,omitempty"`
	Posture  *types.PostureChange `json:"posture,omitempty"`
}

// SaveDecision writes one decision line.
func (j *JSONL) SaveDecision(d *types.Decision) error {
	return j.write(jsonlRecord{Type: "decision", Decision: d})
}

// SavePostureChange writes one posture line.
func (j *JSONL) SavePostureChange(c *types.PostureChange) error {
	return j.write(jsonlRecord{Type: "posture", Posture: c})
}

func (j *JSONL) write(rec jsonlRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enc.Encode(rec)
}

// Close closes the underlying writer.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.w.Close()
}
