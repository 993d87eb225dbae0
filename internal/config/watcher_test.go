package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/owl/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
voice:
  voice_name: Charon
`

const watcherUpdatedYAML = `
server:
  log_level: debug
voice:
  voice_name: Puck
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// bumpMtime moves the file's mtime forward so the next poll notices it even
// on filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

type changeRecorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	ch    chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{ch: make(chan struct{}, 8)}
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newWatcher(t *testing.T, content string, rec *changeRecorder) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "owl.yaml")
	writeFile(t, path, content)
	w, err := config.NewWatcher(path, rec.onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, newChangeRecorder())
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Voice.VoiceName != "Charon" {
		t.Errorf("initial config = %+v", cfg)
	}
	if cfg.History.Limit != config.DefaultHistoryLimit {
		t.Error("defaults not applied on watcher load")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, path := newWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path)

	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	rec.mu.Lock()
	old, new := rec.calls[0][0], rec.calls[0][1]
	rec.mu.Unlock()

	if old.Voice.VoiceName != "Charon" || new.Voice.VoiceName != "Puck" {
		t.Errorf("callback got %q -> %q", old.Voice.VoiceName, new.Voice.VoiceName)
	}
	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.VoiceChanged {
		t.Errorf("diff = %+v", d)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Error("Current not updated")
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, path := newWatcher(t, watcherValidYAML, rec)

	writeFile(t, path, watcherInvalidYAML)
	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback called %d times for invalid config", n)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("invalid config replaced the current one")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	_, path := newWatcher(t, watcherValidYAML, rec)

	bumpMtime(t, path)
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback fired %d times for touch-only", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/owl.yaml", nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := newWatcher(t, watcherValidYAML, newChangeRecorder())
	w.Stop()
	w.Stop()
}
