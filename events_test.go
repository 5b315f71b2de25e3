package taskmq

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
)

func TestEventBusKindFiltering(t *testing.T) {
	bus := newEventBus(zap.NewNop().Sugar())

	var added, failed, all int
	bus.subscribe(EventTaskAdded, func(e Event) { added++ })
	bus.subscribe(EventTaskFailed, func(e Event) { failed++ })
	bus.subscribe(EventAll, func(e Event) { all++ })

	bus.emit(Event{Kind: EventTaskAdded})
	bus.emit(Event{Kind: EventTaskCompleted})
	bus.emit(Event{Kind: EventTaskFailed})

	if added != 1 || failed != 1 || all != 3 {
		t.Errorf("Expected 1/1/3, got %d/%d/%d", added, failed, all)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := newEventBus(zap.NewNop().Sugar())

	var count int
	unsubscribe := bus.subscribe(EventAll, func(e Event) { count++ })

	bus.emit(Event{Kind: EventTaskAdded})
	unsubscribe()
	bus.emit(Event{Kind: EventTaskAdded})
	// A second call is a no-op.
	unsubscribe()

	if count != 1 {
		t.Errorf("Expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestEventBusListenerIsolation(t *testing.T) {
	bus := newEventBus(zap.NewNop().Sugar())

	var survived int
	bus.subscribe(EventAll, func(e Event) { panic("listener bug") })
	bus.subscribe(EventAll, func(e Event) { survived++ })

	bus.emit(Event{Kind: EventTaskAdded})
	if survived != 1 {
		t.Error("A panicking listener must not prevent the others from running")
	}
}

func TestEventBusStampsTimestamp(t *testing.T) {
	bus := newEventBus(zap.NewNop().Sugar())

	var got Event
	bus.subscribe(EventAll, func(e Event) { got = e })
	bus.emit(Event{Kind: EventTaskAdded})

	if got.Timestamp.IsZero() {
		t.Error("Emit must stamp a timestamp")
	}
}

func TestEventHistoryRing(t *testing.T) {
	h := newEventHistory(4)

	for i := 0; i < 6; i++ {
		h.record(Event{TaskID: fmt.Sprintf("t%d", i)})
	}

	recent := h.recent(0)
	if len(recent) != 4 {
		t.Fatalf("Expected ring capacity 4, got %d", len(recent))
	}
	// Newest first, oldest two evicted.
	for i, want := range []string{"t5", "t4", "t3", "t2"} {
		if recent[i].TaskID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, recent[i].TaskID)
		}
	}

	limited := h.recent(2)
	if len(limited) != 2 || limited[0].TaskID != "t5" {
		t.Errorf("Limit misapplied: %+v", limited)
	}
}

func TestEventHistoryPartialFill(t *testing.T) {
	h := newEventHistory(8)
	h.record(Event{TaskID: "a"})
	h.record(Event{TaskID: "b"})

	recent := h.recent(0)
	if len(recent) != 2 || recent[0].TaskID != "b" || recent[1].TaskID != "a" {
		t.Errorf("Partial ring wrong: %+v", recent)
	}
}
