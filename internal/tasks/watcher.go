package tasks

import (
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

// DefaultDebounce is how long a document must stay quiet before it is
// re-parsed.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-parses task documents after they are edited. Bursts of file
// system events for the same document are coalesced into one reload.
type Watcher struct {
	store  *Store
	fsw    *fsnotify.Watcher
	delay  time.Duration
	logger *slog.Logger

	byPath map[string]string // cleaned path -> document name

	mu      sync.Mutex
	pending map[string]*pendingReload
	closed  bool
	reloads int

	resourceID string
	closeCh    chan struct{}
	wg         sync.WaitGroup
}

// Watch starts watching every document of the store. The watcher is closed
// with the store.
func (s *Store) Watch(delay time.Duration) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:   s,
		fsw:     fsw,
		delay:   delay,
		logger:  s.logger,
		byPath:  make(map[string]string),
		pending: make(map[string]*pendingReload),
		closeCh: make(chan struct{}),
	}

	// Directories are watched rather than files so that atomic renames,
	// ours and editors', keep being observed.
	dirs := make(map[string]bool)
	for _, doc := range s.Documents() {
		path := filepath.Clean(doc.Path)
		w.byPath[path] = doc.Name
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	if s.resources != nil {
		w.resourceID = s.resources.Register(models.ResourceWatcher, "tasks:"+s.root, nil, nil)
	}

	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Reloads reports how many debounced reloads have fired.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if name, ok := w.byPath[filepath.Clean(ev.Name)]; ok {
				w.schedule(name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("task document watcher error", "error", err)
		}
	}
}

type pendingReload struct {
	timer      *time.Timer
	resourceID string
}

func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if p, ok := w.pending[name]; ok {
		p.timer.Reset(w.delay)
		return
	}
	p := &pendingReload{timer: time.AfterFunc(w.delay, func() { w.fire(name) })}
	if w.store.resources != nil {
		p.resourceID = w.store.resources.Register(models.ResourceTimer, "debounce:"+name, nil, func() { p.timer.Stop() })
	}
	w.pending[name] = p
}

func (w *Watcher) release(p *pendingReload) {
	if p.resourceID != "" {
		w.store.resources.Release(p.resourceID)
	}
}

func (w *Watcher) fire(name string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	p := w.pending[name]
	delete(w.pending, name)
	w.reloads++
	w.mu.Unlock()
	if p != nil {
		w.release(p)
	}

	if w.resourceID != "" {
		w.store.resources.Touch(w.resourceID)
	}
	diff, err := w.store.Reload(name)
	if err != nil {
		// Keep serving the last good parse until the document is fixed.
		var perr *ParseError
		if errors.As(err, &perr) {
			w.logger.Warn("task document has errors, keeping previous state", "doc", name, "error", err)
			return
		}
		w.logger.Error("failed to reload task document", "doc", name, "error", err)
		return
	}
	if !diff.Empty() {
		w.logger.Info("task document changed", "doc", name,
			"added", len(diff.Added), "removed", len(diff.Removed),
			"status_changes", len(diff.StatusChanges), "content_changes", len(diff.ContentChanges))
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	pending := w.pending
	w.pending = make(map[string]*pendingReload)
	w.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		w.release(p)
	}

	err := w.fsw.Close()
	w.wg.Wait()
	if w.resourceID != "" {
		w.store.resources.Release(w.resourceID)
	}
	return err
}
