package domain

// Event names published by the engine whenever a reactive field changes.
const (
	EventMessagesChanged      = "state.messages"
	EventConversationsChanged = "state.conversations"
	EventCurrentChanged       = "state.current"
	EventLoadingChanged       = "state.loading"
	EventMemoryChanged        = "state.memory"
	EventEngineError          = "engine.error"
	EventTitleAssigned        = "conversation.titled"
)

// Notification is what the engine hands to its Notifier. SessionID lets a
// shared notifier route events to the right front end.
type Notification struct {
	Type           string
	SessionID      string
	ConversationID string
	Data           map[string]any
}

// Notifier receives state-change notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}
