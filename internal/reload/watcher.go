package reload

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher tracks the daemon's configuration file and detects modifications
// by polling modification time and size.
type Watcher struct {
	mu    sync.Mutex
	path  string
	state fileState
}

// NewWatcher builds a watcher for the configuration file at path.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %s: %w", path, err)
	}
	w := &Watcher{path: abs}
	if err := w.refresh(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watcher) refresh() error {
	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat config %s: %w", w.path, err)
	}
	w.state = fileState{modTime: info.ModTime(), size: info.Size()}
	return nil
}

// Check reports whether the file changed since the last refresh.
func (w *Watcher) Check() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("stat config %s: %w", w.path, err)
	}
	if info.ModTime().Equal(w.state.modTime) && info.Size() == w.state.size {
		return false, nil
	}
	return true, nil
}

// Update re-reads the tracked file state after a reload was applied.
func (w *Watcher) Update() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.refresh()
}

// Path returns the absolute path of the tracked file.
func (w *Watcher) Path() string {
	return w.path
}
