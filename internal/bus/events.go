package bus

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"bizpilot/internal/domain"

	"github.com/google/uuid"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Event is one engine notification as stored and fanned out by the bus.
type Event struct {
	Type           string         `json:"type"`
	SessionID      string         `json:"session_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

type EventHandler func(Event)

// EventBus fans engine notifications out to front ends and keeps a bounded
// history for replay. It implements domain.Notifier, so one bus can be shared
// by every session's engine.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
}

type namedHandler struct {
	ID        string
	SessionID string // empty matches every session
	Handler   EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger.With("component", "bus"),
		maxHistory: 1000,
	}
}

// On registers a handler for eventType across all sessions. Returns the
// handler ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	return eb.OnSession(eventType, "", handler)
}

// OnSession registers a handler that only sees events from one session.
func (eb *EventBus) OnSession(eventType, sessionID string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := uuid.NewString()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, SessionID: sessionID, Handler: handler})
	return id
}

func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Notify adapts an engine notification into an Event and emits it.
func (eb *EventBus) Notify(n domain.Notification) {
	eb.Emit(Event{
		Type:           n.Type,
		SessionID:      n.SessionID,
		ConversationID: n.ConversationID,
		Payload:        maps.Clone(n.Data),
	})
}

// Emit records event and calls matching handlers synchronously, in
// registration order. Handlers must return quickly.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	var handlers []namedHandler
	for _, key := range []string{event.Type, Wildcard} {
		for _, h := range eb.handlers[key] {
			if h.SessionID == "" || h.SessionID == event.SessionID {
				handlers = append(handlers, h)
			}
		}
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns recorded events for sessionID of eventType since the given
// time. Wildcard matches every type; an empty sessionID matches every session.
func (eb *EventBus) Replay(eventType, sessionID string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		if eventType == Wildcard || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}
