// Package tasks discovers checklist documents in a workspace, parses them into
// tasks, answers dependency-ordered "what runs next" queries, and writes status
// changes back to the source documents one marker at a time.
package tasks

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GoZippy/kiro-automation-sub000/internal/changes"
	"github.com/GoZippy/kiro-automation-sub000/internal/logging"
	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/resource"
)

type ChangeSource string

const (
	// ChangeWrite is a status update applied through UpdateStatus.
	ChangeWrite ChangeSource = "write"
	// ChangeReload is an edit picked up by re-parsing the document.
	ChangeReload ChangeSource = "reload"
)

// Change is delivered to subscribers whenever a document's tasks change.
type Change struct {
	Doc    string
	Source ChangeSource
	Diff   changes.Diff
	At     time.Time
}

type document struct {
	ref     DocumentRef
	tasks   []models.Task
	modTime time.Time
	size    int64
}

// Store is owned by a single workspace engine. Its methods are safe for
// concurrent use by that engine and its file watcher.
type Store struct {
	mu        sync.Mutex
	root      string
	docs      []*document
	byName    map[string]*document
	resources *resource.Manager
	logger    *slog.Logger
	clock     func() time.Time

	subMu sync.Mutex
	subs  map[int]chan Change
	subID int

	watcher *Watcher
}

type Option func(*Store)

// WithResources caches parsed documents in the shared resource manager and
// registers the store's watcher and timers with it.
func WithResources(m *resource.Manager) Option {
	return func(s *Store) { s.resources = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Open discovers and parses every task document under root.
func Open(root string, opts ...Option) (*Store, error) {
	docs, err := Discover(root)
	if err != nil {
		return nil, fmt.Errorf("failed to discover task documents: %w", err)
	}
	return OpenDocuments(root, docs, opts...)
}

// OpenDocuments parses an explicit document list.
func OpenDocuments(root string, refs []DocumentRef, opts ...Option) (*Store, error) {
	s := &Store{
		root:   root,
		byName: make(map[string]*document),
		logger: logging.Discard(),
		clock:  time.Now,
		subs:   make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, ref := range refs {
		if _, dup := s.byName[ref.Name]; dup {
			return nil, fmt.Errorf("duplicate task document name %q", ref.Name)
		}
		doc := &document{ref: ref}
		if err := s.load(doc, true); err != nil {
			return nil, err
		}
		s.docs = append(s.docs, doc)
		s.byName[ref.Name] = doc
	}
	return s, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Documents() []DocumentRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DocumentRef, len(s.docs))
	for i, d := range s.docs {
		out[i] = d.ref
	}
	return out
}

// Tasks returns a copy of every task in document then id order.
func (s *Store) Tasks() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Task
	for _, d := range s.docs {
		for _, t := range d.tasks {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Task looks up a task by reference. A subtask reference resolves to its
// parent task.
func (s *Store) Task(ref models.Ref) (models.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, _, err := s.locate(ref)
	if err != nil {
		return models.Task{}, false
	}
	return t.Clone(), true
}

// NextReady returns the lowest-id pending or failed task whose dependencies
// are all satisfied, skipping excluded refs and anything caught in or behind
// a dependency cycle. It returns nil when nothing qualifies.
func (s *Store) NextReady(exclude map[models.Ref]bool) *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		blocked := blockedByCycle(d.tasks)
		byID := indexTasks(d.tasks)
		for i := range d.tasks {
			t := &d.tasks[i]
			if !t.Runnable() || exclude[t.Ref()] || blocked[t.ID] {
				continue
			}
			if len(unsatisfied(t, byID)) > 0 {
				continue
			}
			out := t.Clone()
			return &out
		}
	}
	return nil
}

// Queue lists the runnable tasks that have not been excluded, in execution
// order, whether or not their dependencies are met yet.
func (s *Store) Queue(exclude map[models.Ref]bool) []models.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ref
	for _, d := range s.docs {
		for i := range d.tasks {
			t := &d.tasks[i]
			if t.Runnable() && !exclude[t.Ref()] {
				out = append(out, t.Ref())
			}
		}
	}
	return out
}

// Unsatisfied re-checks a task's dependencies against the current documents.
func (s *Store) Unsatisfied(ref models.Ref) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byName[ref.Doc]
	if !ok {
		return nil, fmt.Errorf("unknown task document %q", ref.Doc)
	}
	byID := indexTasks(d.tasks)
	t, ok := byID[ref.ID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", ref)
	}
	if blockedByCycle(d.tasks)[ref.ID] {
		return []string{"dependency cycle"}, nil
	}
	return unsatisfied(t, byID), nil
}

// Cycles reports, per document, the ids participating in dependency cycles.
func (s *Store) Cycles() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string)
	for _, d := range s.docs {
		if ids := FindCycles(d.tasks); len(ids) > 0 {
			out[d.ref.Name] = ids
		}
	}
	return out
}

// UpdateStatus rewrites the status marker of one task or subtask line. The
// whole document is read, only the marker characters on the located line are
// replaced, and the result is written back through a temp file and rename.
func (s *Store) UpdateStatus(ref models.Ref, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byName[ref.Doc]
	if !ok {
		return fmt.Errorf("unknown task document %q", ref.Doc)
	}
	task, sub, err := s.locate(ref)
	if err != nil {
		return err
	}
	loc := task.Source
	old := task.Status
	if sub != nil {
		loc = sub.Source
		old = sub.Status
	}

	data, err := os.ReadFile(d.ref.Path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", d.ref.Path, err)
	}
	lines := strings.SplitAfter(string(data), "\n")

	idx := loc.Line - 1
	if idx < 0 || idx >= len(lines) || lineIDAt(lines, idx) != ref.ID {
		// The document moved under us; find the line by id instead.
		idx = -1
		for i, l := range lines {
			if body, _ := splitEOL(l); lineID(body) == ref.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("task %s no longer present in %s", ref, d.ref.Path)
		}
	}

	body, eol := splitEOL(lines[idx])
	updated, err := ReplaceMarker(body, status)
	if err != nil {
		return err
	}
	lines[idx] = updated + eol

	info, err := os.Stat(d.ref.Path)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(d.ref.Path, []byte(strings.Join(lines, "")), info.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write %s: %w", d.ref.Path, err)
	}

	if sub != nil {
		sub.Status = status
		sub.Source.Line = idx + 1
	} else {
		task.Status = status
		task.Source.Line = idx + 1
	}
	if st, err := os.Stat(d.ref.Path); err == nil {
		d.modTime, d.size = st.ModTime(), st.Size()
		s.cacheParsed(d)
	}

	if old != status {
		change := changes.StatusChange{Task: task.Ref(), Old: old, New: status}
		if sub != nil {
			change.SubTaskID = sub.ID
		}
		s.publish(Change{Doc: d.ref.Name, Source: ChangeWrite, Diff: changes.Diff{StatusChanges: []changes.StatusChange{change}}, At: s.clock()})
	}
	return nil
}

// Reload re-parses a document and notifies subscribers of any differences.
func (s *Store) Reload(name string) (changes.Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byName[name]
	if !ok {
		return changes.Diff{}, fmt.Errorf("unknown task document %q", name)
	}
	before := d.tasks
	if err := s.load(d, false); err != nil {
		return changes.Diff{}, err
	}
	diff := changes.Compute(before, d.tasks)
	if !diff.Empty() {
		s.publish(Change{Doc: name, Source: ChangeReload, Diff: diff, At: s.clock()})
	}
	return diff, nil
}

// ReloadAll re-parses every document.
func (s *Store) ReloadAll() error {
	for _, ref := range s.Documents() {
		if _, err := s.Reload(ref.Name); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe returns a channel of change notifications in edit order and a
// function that unsubscribes and closes it. Slow subscribers lose
// notifications rather than block the store.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	s.subMu.Lock()
	id := s.subID
	s.subID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
}

func (s *Store) publish(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.logger.Warn("dropping task change notification", "doc", c.Doc)
		}
	}
}

// Close stops the watcher, if any, and unsubscribes everyone.
func (s *Store) Close() error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	var err error
	if w != nil {
		err = w.Close()
	}
	s.subMu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.subMu.Unlock()
	return err
}

// caller holds s.mu
func (s *Store) load(d *document, cached bool) error {
	info, err := os.Stat(d.ref.Path)
	if err != nil {
		return fmt.Errorf("failed to stat task document: %w", err)
	}
	d.modTime, d.size = info.ModTime(), info.Size()

	if cached && s.resources != nil {
		if v, ok := s.resources.CacheGet(cacheKey(d)); ok {
			if cached, ok := v.([]models.Task); ok {
				d.tasks = cloneTasks(cached)
				return nil
			}
		}
	}

	parsed, err := Parse(d.ref)
	if err != nil {
		return err
	}
	d.tasks = parsed
	s.cacheParsed(d)
	return nil
}

// caller holds s.mu
func (s *Store) cacheParsed(d *document) {
	if s.resources == nil {
		return
	}
	if err := s.resources.CacheSet(cacheKey(d), cloneTasks(d.tasks)); err != nil {
		s.logger.Debug("parsed document not cached", "doc", d.ref.Name, "error", err)
	}
}

// caller holds s.mu
func (s *Store) locate(ref models.Ref) (*models.Task, *models.SubTask, error) {
	d, ok := s.byName[ref.Doc]
	if !ok {
		return nil, nil, fmt.Errorf("unknown task document %q", ref.Doc)
	}
	for i := range d.tasks {
		t := &d.tasks[i]
		if t.ID == ref.ID {
			return t, nil, nil
		}
		if strings.HasPrefix(ref.ID, t.ID+".") {
			if st, ok := t.SubTask(ref.ID); ok {
				return t, st, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("task %s not found", ref)
}

func lineIDAt(lines []string, idx int) string {
	body, _ := splitEOL(lines[idx])
	return lineID(body)
}

// splitEOL separates a line from its "\n" or "\r\n" terminator.
func splitEOL(line string) (string, string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	}
	return line, ""
}

func cacheKey(d *document) string {
	return fmt.Sprintf("tasks:%s:%d:%d", d.ref.Path, d.modTime.UnixNano(), d.size)
}

func indexTasks(tasks []models.Task) map[string]*models.Task {
	out := make(map[string]*models.Task, len(tasks))
	for i := range tasks {
		out[tasks[i].ID] = &tasks[i]
	}
	return out
}

func cloneTasks(tasks []models.Task) []models.Task {
	out := make([]models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// writeFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
