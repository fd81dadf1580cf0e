package reload

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDetectsModification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patchbay.yaml")
	if err := os.WriteFile(path, []byte("service: {}\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	watcher, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if changed {
		t.Fatal("unmodified file reported as changed")
	}

	// Force a different mtime even on coarse filesystem clocks.
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	changed, err = watcher.Check()
	if err != nil {
		t.Fatalf("check after modification: %v", err)
	}
	if !changed {
		t.Fatal("modified file not detected")
	}

	if err := watcher.Update(); err != nil {
		t.Fatalf("update: %v", err)
	}
	changed, err = watcher.Check()
	if err != nil {
		t.Fatalf("check after update: %v", err)
	}
	if changed {
		t.Fatal("update did not clear change state")
	}
}

func TestWatcherMissingFile(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
