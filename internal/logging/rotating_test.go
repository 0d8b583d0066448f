package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sentinel-agent/warden/internal/config"
)

// ---------------------------------------------------------------------------
// NewRotatingWriter
// ---------------------------------------------------------------------------

func TestNewRotatingWriter_CreatesDirectoryAndFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "subdir", "nested", "decisions.jsonl")

	rw, err := NewRotatingWriter(logPath, 10, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter returned error: %v", err)
	}
	defer rw.Close()

	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		t.Fatal("expected log file to be created")
	}
}

func TestNewRotatingWriter_Defaults(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	if rw.maxBytes != 50*1024*1024 {
		t.Errorf("maxBytes = %d; want 50MB", rw.maxBytes)
	}
	if rw.maxBackups != 5 {
		t.Errorf("maxBackups = %d; want 5", rw.maxBackups)
	}
}

func TestNewRotatingWriter_AppendsToExistingFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	if err := os.WriteFile(logPath, []byte("existing\n"), 0640); err != nil {
		t.Fatal(err)
	}

	rw, err := NewRotatingWriter(logPath, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rw.size != int64(len("existing\n")) {
		t.Errorf("size = %d; want size of existing content", rw.size)
	}
	rw.Write([]byte("more\n"))
	rw.Close()

	data, _ := os.ReadFile(logPath)
	if string(data) != "existing\nmore\n" {
		t.Errorf("content = %q", data)
	}
}

// ---------------------------------------------------------------------------
// Rotation
// ---------------------------------------------------------------------------

func TestRotation_ShiftsBackupsAndDropsOldest(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	rw, err := newRotatingWriter(logPath, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	for _, line := range []string{"first-00\n", "second-0\n", "third-00\n", "fourth-0\n"} {
		if _, err := rw.Write([]byte(line)); err != nil {
			t.Fatal(err)
		}
	}

	if rw.Rotations() != 3 {
		t.Errorf("Rotations() = %d; want 3", rw.Rotations())
	}
	cur, _ := os.ReadFile(logPath)
	b1, _ := os.ReadFile(logPath + ".1")
	b2, _ := os.ReadFile(logPath + ".2")
	if string(cur) != "fourth-0\n" || string(b1) != "third-00\n" || string(b2) != "second-0\n" {
		t.Errorf("files = %q, %q, %q", cur, b1, b2)
	}
	if _, err := os.Stat(logPath + ".3"); !os.IsNotExist(err) {
		t.Error("backup beyond maxBackups should not exist")
	}
}

func TestRotation_OversizedWriteNotSplit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	rw, err := newRotatingWriter(logPath, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	big := strings.Repeat("x", 20) + "\n"
	rw.Write([]byte(big))
	if rw.Rotations() != 0 {
		t.Error("writing into an empty file must not rotate")
	}
	data, _ := os.ReadFile(logPath)
	if string(data) != big {
		t.Errorf("content = %q", data)
	}
}

func TestWrite_AfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "a.log"), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close() = %v; want nil", err)
	}
	if _, err := rw.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write after Close = %v; want os.ErrClosed", err)
	}
}

func TestWrite_ConcurrentWithRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "a.log")
	rw, err := newRotatingWriter(logPath, 256, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer rw.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				rw.Write([]byte("0123456789abcdef\n"))
			}
		}()
	}
	wg.Wait()

	if rw.Rotations() == 0 {
		t.Error("expected at least one rotation")
	}
}

// ---------------------------------------------------------------------------
// RequestIDs
// ---------------------------------------------------------------------------

func TestRequestIDs_Next(t *testing.T) {
	g := NewRequestIDs()
	a, b := g.Next(), g.Next()
	if !strings.HasPrefix(a, "req-"+g.prefix+"-") {
		t.Errorf("id %q lacks prefix", a)
	}
	if !strings.HasSuffix(a, "000001") || !strings.HasSuffix(b, "000002") {
		t.Errorf("ids = %q, %q; want sequential", a, b)
	}
}

func TestRequestIDs_ConcurrentUnique(t *testing.T) {
	g := NewRequestIDs()
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 1000 {
		t.Errorf("unique ids = %d; want 1000", len(seen))
	}
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

func TestSetup_FileOutputJSON(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warden.log")
	logger, closer, err := Setup(config.LoggingConfig{Level: "debug", Format: "json", Output: logPath})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	logger.Info().Str("component", "test").Msg("hello")
	closer.Close()

	data, _ := os.ReadFile(logPath)
	if !bytes.Contains(data, []byte(`"component":"test"`)) || !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Errorf("log file = %q", data)
	}
}

func TestSetup_Stdout(t *testing.T) {
	_, closer, err := Setup(config.LoggingConfig{Level: "bogus", Format: "console", Output: "stdout"})
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if err := closer.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
