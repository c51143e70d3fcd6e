package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"bizpilot/internal/domain"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	eb.On(domain.EventMessagesChanged, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: domain.EventMessagesChanged, Payload: map[string]any{"count": 1}})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_NotifyImplementsNotifier(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	var n domain.Notifier = eb

	var got Event
	eb.On(domain.EventTitleAssigned, func(e Event) { got = e })

	data := map[string]any{"title": "LLC Registration Help"}
	n.Notify(domain.Notification{
		Type:           domain.EventTitleAssigned,
		SessionID:      "cli",
		ConversationID: "conv-1",
		Data:           data,
	})
	data["title"] = "mutated"

	if got.SessionID != "cli" || got.ConversationID != "conv-1" {
		t.Fatalf("unexpected event %+v", got)
	}
	if got.Payload["title"] != "LLC Registration Help" {
		t.Errorf("payload should be copied, got %v", got.Payload["title"])
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On(Wildcard, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: domain.EventCurrentChanged})
	eb.Emit(Event{Type: domain.EventLoadingChanged})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_SessionFilter(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var mine, all int32
	eb.OnSession(Wildcard, "tg:42", func(e Event) { atomic.AddInt32(&mine, 1) })
	eb.On(Wildcard, func(e Event) { atomic.AddInt32(&all, 1) })

	eb.Emit(Event{Type: domain.EventMessagesChanged, SessionID: "tg:42"})
	eb.Emit(Event{Type: domain.EventMessagesChanged, SessionID: "tg:7"})

	if mine != 1 || all != 2 {
		t.Errorf("expected mine=1 all=2, got mine=%d all=%d", mine, all)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On("test.event", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "test.event"})
	eb.Off("test.event", id)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "a", SessionID: "s1"})
	eb.Emit(Event{Type: "b", SessionID: "s1"})
	eb.Emit(Event{Type: "a", SessionID: "s2"})

	if events := eb.Replay("a", "", time.Time{}); len(events) != 2 {
		t.Errorf("expected 2 'a' events, got %d", len(events))
	}
	if events := eb.Replay(Wildcard, "", time.Time{}); len(events) != 3 {
		t.Errorf("expected 3 total events, got %d", len(events))
	}
	if events := eb.Replay(Wildcard, "s1", time.Time{}); len(events) != 2 {
		t.Errorf("expected 2 events for s1, got %d", len(events))
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	events := eb.Replay(Wildcard, "", threshold)
	if len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On("panic", func(e Event) {
		panic("test panic")
	})
	eb.On("panic", func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: "panic"})
	if after != 1 {
		t.Error("handlers after a panicking one should still run")
	}
}

func TestEventBus_TimestampAutoSet(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	before := time.Now()
	eb.Emit(Event{Type: "test"})

	events := eb.Replay("test", "", before.Add(-time.Second))
	if len(events) == 0 {
		t.Fatal("expected at least 1 event")
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}
