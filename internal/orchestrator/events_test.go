package orchestrator

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBusDeliversAndUnsubscribes(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(4)
	bus.Publish(Event{Type: EventTaskStarted, Task: "core:1"})

	select {
	case ev := <-ch:
		if ev.Type != EventTaskStarted || ev.Task != "core:1" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	bus.Publish(Event{Type: EventTaskCompleted})
}

func TestBusNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: EventTaskStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}

func TestBusHandlerPanicIsContained(t *testing.T) {
	bus := NewBus(nil)
	var seen atomic.Int32
	stop := bus.Handle(func(ev Event) {
		seen.Add(1)
		if ev.Type == EventTaskFailed {
			panic("handler bug")
		}
	})
	defer stop()

	bus.Publish(Event{Type: EventTaskFailed})
	bus.Publish(Event{Type: EventTaskCompleted})

	deadline := time.Now().Add(time.Second)
	for seen.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if seen.Load() != 2 {
		t.Fatalf("handler saw %d events, want 2", seen.Load())
	}
}
