package events

import (
	"testing"
	"time"

	"github.com/marcus-qen/adjutant/internal/controlplane/schedules"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch := bus.Subscribe("test-1")

	bus.Publish(Event{
		Type:       ScheduleCreated,
		ScheduleID: "sched-1",
		Summary:    "schedule created",
	})

	select {
	case evt := <-ch:
		if evt.Type != ScheduleCreated {
			t.Fatalf("expected ScheduleCreated, got %s", evt.Type)
		}
		if evt.ScheduleID != "sched-1" {
			t.Fatalf("expected sched-1, got %s", evt.ScheduleID)
		}
		if evt.Timestamp.IsZero() {
			t.Fatal("timestamp should be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	bus.Unsubscribe("test-1")
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(16)
	ch1 := bus.Subscribe("s1")
	ch2 := bus.Subscribe("s2")

	bus.Publish(Event{Type: ExecutionFailed, Summary: "test"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Type != ExecutionFailed {
				t.Fatalf("wrong type: %s", evt.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}

	if bus.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount())
	}

	bus.Unsubscribe("s1")
	bus.Unsubscribe("s2")

	if bus.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1) // tiny buffer
	_ = bus.Subscribe("slow")

	// Publish more events than the buffer can hold — should not block
	for i := 0; i < 100; i++ {
		bus.Publish(Event{Type: ExecutionQueued, Summary: "test"})
	}
	// If we get here, it didn't block
}

func TestFromLifecycle(t *testing.T) {
	ev := schedules.LifecycleEvent{
		Type:       schedules.EventSchedulePaused,
		ScheduleID: "sched-9",
		TraceID:    "trace-9",
	}.Normalized()

	evt := FromLifecycle(ev)
	if evt.Type != SchedulePaused {
		t.Fatalf("type = %s, want schedule.paused", evt.Type)
	}
	if evt.ScheduleID != "sched-9" {
		t.Fatalf("schedule id = %s", evt.ScheduleID)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("timestamp should be carried over")
	}
	if len(evt.JSON()) == 0 {
		t.Fatal("empty JSON")
	}
}
