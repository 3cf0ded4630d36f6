package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"sshsync/pkg/types"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Source is the watched file
type Source interface {
	Path() string
	Read() (types.ConfigState, error)
	Mtime() (time.Time, error)
}

// Watcher reports edits of a single file. Notifications whose modification
// time equals the last one seen are dropped, which absorbs duplicate OS
// events and attribute-only changes.
type Watcher struct {
	source  Source
	logger  *zap.Logger
	changes chan types.ConfigState

	mu     sync.Mutex
	fsw    *fsnotify.Watcher
	stop   chan struct{}
	done   chan struct{}
	marker time.Time
}

// New creates a stopped watcher for source
func New(source Source, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		source:  source,
		logger:  logger,
		changes: make(chan types.ConfigState, 1),
	}
}

// Changes delivers the content and mtime of every genuine edit
func (w *Watcher) Changes() <-chan types.ConfigState {
	return w.changes
}

// Start begins watching. The current mtime of the file becomes the debounce
// marker, so nothing that happened before Start is reported.
func (w *Watcher) Start() error {
	return w.start(nil)
}

// StartFrom begins watching with seen as the debounce marker. If the file
// was edited after the caller read it at seen, that edit is reported as
// soon as the watcher runs.
func (w *Watcher) StartFrom(seen time.Time) error {
	return w.start(&seen)
}

func (w *Watcher) start(seen *time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw != nil {
		return nil
	}

	if seen != nil {
		w.marker = *seen
	} else if mtime, err := w.source.Mtime(); err == nil {
		w.marker = mtime
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}

	// Watch the directory: editors often replace the file by renaming over it,
	// which would silently drop a watch on the file itself.
	if err := fsw.Add(filepath.Dir(w.source.Path())); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.source.Path(), err)
	}

	w.fsw = fsw
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(fsw, w.stop, w.done)

	return nil
}

// Stop halts the watcher and returns once no further change can be emitted
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fsw == nil {
		return nil
	}

	close(w.stop)
	err := w.fsw.Close()
	<-w.done

	w.fsw = nil
	return err
}

// Suspend runs fn with the watcher fully stopped, then restarts it. Writes
// made by fn are therefore never reported as edits.
func (w *Watcher) Suspend(fn func() error) error {
	if err := w.Stop(); err != nil {
		w.logger.Warn("Failed to stop watcher cleanly", zap.Error(err))
	}

	fnErr := fn()

	if err := w.Start(); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return err
	}
	return fnErr
}

func (w *Watcher) loop(fsw *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)

	target := filepath.Clean(w.source.Path())
	relevant := fsnotify.Create | fsnotify.Write | fsnotify.Rename | fsnotify.Chmod

	// Catch edits between seeding the marker and the watch being in place
	if !w.check("start", stop) {
		return
	}

	for {
		select {
		case <-stop:
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target || event.Op&relevant == 0 {
				continue
			}
			if !w.check(event.Op.String(), stop) {
				return
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

// check reads the file and emits it when its mtime moved past the marker.
// It returns false if the watcher was stopped while emitting.
func (w *Watcher) check(op string, stop chan struct{}) bool {
	state, err := w.source.Read()
	if err != nil {
		w.logger.Debug("Config file not readable", zap.String("op", op), zap.Error(err))
		return true
	}
	if state.Mtime.Equal(w.marker) {
		return true
	}
	w.marker = state.Mtime

	w.logger.Info("Detected file changes", zap.String("path", w.source.Path()), zap.Time("mtime", state.Mtime))

	select {
	case w.changes <- state:
		return true
	case <-stop:
		return false
	}
}
