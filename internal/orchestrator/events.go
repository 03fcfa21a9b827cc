package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/GoZippy/kiro-automation-sub000/internal/logging"
)

type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
	EventSessionStopped   EventType = "session_stopped"
	EventSessionPaused    EventType = "session_paused"
	EventSessionResumed   EventType = "session_resumed"
	EventTaskStarted      EventType = "task_started"
	EventTaskCompleted    EventType = "task_completed"
	EventTaskFailed       EventType = "task_failed"
	EventTaskRetrying     EventType = "task_retrying"
	EventTaskSkipped      EventType = "task_skipped"
	EventTasksChanged     EventType = "tasks_changed"
)

// Event is a lifecycle notification. Delivery is best effort.
type Event struct {
	Type        EventType
	WorkspaceID string
	SessionID   string
	Task        string
	Attempt     int
	Message     string
	At          time.Time
}

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{subs: make(map[int]chan Event), logger: logger}
}

// Subscribe returns a buffered event channel and the function that
// unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Handle runs fn for every event on its own goroutine. A panicking handler is
// logged and keeps receiving later events.
func (b *Bus) Handle(fn func(Event)) func() {
	ch, cancel := b.Subscribe(0)
	go func() {
		for ev := range ch {
			b.deliver(fn, ev)
		}
	}()
	return cancel
}

func (b *Bus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
