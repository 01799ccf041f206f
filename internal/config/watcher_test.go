package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sw4796/makerton-esp32-aiagent/internal/config"
)

const watcherValidYAML = `
log_level: info
transport:
  url: ws://peer:8888/device
`

const watcherUpdatedYAML = `
log_level: debug
transport:
  url: ws://peer:8888/device
playback:
  volume: 0.5
`

const watcherInvalidYAML = `
log_level: bananas
`

// writeFile writes content and bumps the mtime so the watcher sees a change
// even on filesystems with coarse timestamps.
func writeFile(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	mt := time.Now().Add(-age)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type changeRecorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
}

func (r *changeRecorder) record(old, new *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, time.Hour)

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Transport.URL; got != "ws://peer:8888/device" {
		t.Errorf("url = %q", got)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML, time.Hour)

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, time.Hour)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(path, rec.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	writeFile(t, path, watcherUpdatedYAML, 0)
	if !w.Check() {
		t.Fatal("Check() = false after edit")
	}
	if rec.count() != 1 {
		t.Fatalf("callbacks = %d, want 1", rec.count())
	}
	old, next := rec.calls[0][0], rec.calls[0][1]
	if old.LogLevel != config.LogInfo || next.LogLevel != config.LogDebug {
		t.Errorf("callback got %q -> %q", old.LogLevel, next.LogLevel)
	}
	if w.Current() != next {
		t.Error("Current() not updated")
	}
}

func TestWatcher_IgnoresInvalidEdit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, time.Hour)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(path, rec.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	before := w.Current()

	writeFile(t, path, watcherInvalidYAML, 0)
	if w.Check() {
		t.Error("Check() = true for invalid config")
	}
	if rec.count() != 0 || w.Current() != before {
		t.Error("invalid edit replaced the current config")
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, time.Hour)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(path, rec.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	writeFile(t, path, watcherValidYAML, 0)
	if w.Check() {
		t.Error("Check() = true for identical content")
	}
	if rec.count() != 0 {
		t.Errorf("callbacks = %d, want 0", rec.count())
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, time.Hour)

	rec := &changeRecorder{}
	w, err := config.NewWatcher(path, rec.record, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, path, watcherUpdatedYAML, 0)
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() == 0 {
		t.Fatal("Run did not pick up the edit")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
