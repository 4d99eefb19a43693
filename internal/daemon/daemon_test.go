package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/docsync/internal/engine"
)

// countingSyncer records Sync invocations.
type countingSyncer struct {
	mu    sync.Mutex
	count int
	block chan struct{} // when non-nil, Sync blocks until closed
}

func (s *countingSyncer) Sync(ctx context.Context) (*engine.Report, error) {
	s.mu.Lock()
	s.count++
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	return &engine.Report{}, nil
}

func (s *countingSyncer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func testConfig() *Config {
	return &Config{
		PollInterval: time.Hour, // poller quiet unless the test drives it
		Debounce:     150 * time.Millisecond,
		Logger:       log.New(io.Discard, "", 0),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

// TestDaemon_New verifies construction and validation.
func TestDaemon_New(t *testing.T) {
	if _, err := New(t.TempDir(), ".docsync", nil, nil, testConfig()); err == nil {
		t.Error("expected error for nil syncer")
	}

	d, err := New(t.TempDir(), ".docsync", &countingSyncer{}, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if d == nil {
		t.Fatal("New() returned nil daemon")
	}
	_ = d.watcher.Close()
}

// TestDaemon_SyncsOnFileChange verifies a file write triggers a sync
// after the debounce window.
func TestDaemon_SyncsOnFileChange(t *testing.T) {
	root := t.TempDir()
	syncer := &countingSyncer{}

	d, err := New(root, ".docsync", syncer, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// Wait for the initial sync so the counter baseline is known.
	if !waitFor(t, 2*time.Second, func() bool { return syncer.calls() >= 1 }) {
		t.Fatal("initial sync never ran")
	}
	base := syncer.calls()

	if err := os.WriteFile(filepath.Join(root, "Notes.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if !waitFor(t, 3*time.Second, func() bool { return syncer.calls() > base }) {
		t.Error("file change never triggered a sync")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
}

// TestDaemon_DebounceBatches verifies rapid writes coalesce into one sync.
func TestDaemon_DebounceBatches(t *testing.T) {
	root := t.TempDir()
	syncer := &countingSyncer{}

	d, err := New(root, ".docsync", syncer, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	if !waitFor(t, 2*time.Second, func() bool { return syncer.calls() >= 1 }) {
		t.Fatal("initial sync never ran")
	}
	base := syncer.calls()

	// A burst of writes inside one debounce window.
	for i := 0; i < 5; i++ {
		name := filepath.Join(root, "Notes.md")
		if err := os.WriteFile(name, []byte("edit\n"), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !waitFor(t, 3*time.Second, func() bool { return syncer.calls() > base }) {
		t.Fatal("burst never triggered a sync")
	}

	// Let any stragglers land, then confirm the burst cost one sync.
	time.Sleep(500 * time.Millisecond)
	if got := syncer.calls() - base; got != 1 {
		t.Errorf("burst triggered %d syncs, want 1", got)
	}

	cancel()
	<-done
}

// TestDaemon_IgnoresMetadataAndForeignFiles verifies events under the
// metadata directory and non-markdown files do not queue syncs.
func TestDaemon_IgnoresMetadataAndForeignFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".docsync"), 0755); err != nil {
		t.Fatalf("failed to create metadata dir: %v", err)
	}
	syncer := &countingSyncer{}

	d, err := New(root, ".docsync", syncer, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	if !waitFor(t, 2*time.Second, func() bool { return syncer.calls() >= 1 }) {
		t.Fatal("initial sync never ran")
	}
	base := syncer.calls()

	if err := os.WriteFile(filepath.Join(root, ".docsync", "state.db"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write metadata file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "scratch.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write foreign file: %v", err)
	}

	time.Sleep(600 * time.Millisecond)
	if syncer.calls() != base {
		t.Errorf("irrelevant events triggered %d syncs", syncer.calls()-base)
	}

	cancel()
	<-done
}

// TestDaemon_PollerEnqueues verifies a positive poll result triggers a
// sync.
func TestDaemon_PollerEnqueues(t *testing.T) {
	root := t.TempDir()
	syncer := &countingSyncer{}

	cfg := testConfig()
	cfg.PollInterval = 100 * time.Millisecond

	var pollMu sync.Mutex
	changed := false
	poll := func(ctx context.Context) (bool, error) {
		pollMu.Lock()
		defer pollMu.Unlock()
		return changed, nil
	}

	d, err := New(root, ".docsync", syncer, poll, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	if !waitFor(t, 2*time.Second, func() bool { return syncer.calls() >= 1 }) {
		t.Fatal("initial sync never ran")
	}
	base := syncer.calls()

	// Quiet polls cause no syncs.
	time.Sleep(400 * time.Millisecond)
	if syncer.calls() != base {
		t.Fatalf("quiet polls triggered syncs")
	}

	pollMu.Lock()
	changed = true
	pollMu.Unlock()

	if !waitFor(t, 3*time.Second, func() bool { return syncer.calls() > base }) {
		t.Error("remote change never triggered a sync")
	}

	cancel()
	<-done
}

// TestDaemon_EventDuringSyncBatchesForNextWindow verifies events arriving
// mid-sync are processed in a later window rather than dropped.
func TestDaemon_EventDuringSyncBatchesForNextWindow(t *testing.T) {
	root := t.TempDir()
	syncer := &countingSyncer{block: make(chan struct{})}

	d, err := New(root, ".docsync", syncer, nil, testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The initial sync is blocked; write a file while it is in flight.
	if !waitFor(t, 2*time.Second, func() bool { return syncer.calls() >= 1 }) {
		t.Fatal("initial sync never started")
	}
	if err := os.WriteFile(filepath.Join(root, "Notes.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	// Unblock; the queued event must produce a follow-up sync.
	syncer.mu.Lock()
	close(syncer.block)
	syncer.block = nil
	syncer.mu.Unlock()

	if !waitFor(t, 3*time.Second, func() bool { return syncer.calls() >= 2 }) {
		t.Error("event during sync was not batched into the next window")
	}

	cancel()
	<-done
}
