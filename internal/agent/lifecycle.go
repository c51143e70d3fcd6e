package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"bizpilot/internal/domain"
)

var errTitlePending = errors.New("title generation already in flight")

// EnsureConversation returns the current conversation, creating it first if
// the session has none.
func (e *Engine) EnsureConversation(ctx context.Context) (*domain.Conversation, error) {
	e.mu.RLock()
	t := &turn{epoch: e.epoch}
	e.mu.RUnlock()
	return e.ensureConversation(ctx, t)
}

// ensureConversation resolves the conversation a turn writes to. Creation is
// single-flight; the new conversation only becomes current if the session
// hasn't moved on since the turn began.
func (e *Engine) ensureConversation(ctx context.Context, t *turn) (*domain.Conversation, error) {
	if t.conv != nil {
		return t.conv, nil
	}

	e.createMu.Lock()
	defer e.createMu.Unlock()

	e.mu.RLock()
	if e.current != nil && e.epoch == t.epoch {
		c := *e.current
		e.mu.RUnlock()
		return &c, nil
	}
	e.mu.RUnlock()

	var created *domain.Conversation
	err := e.write(ctx, "create_conversation", func(ctx context.Context) error {
		var err error
		created, err = e.store.CreateConversation(ctx, domain.NewConversation{
			OwnerID: e.cfg.OwnerID,
			Title:   e.cfg.PlaceholderTitle,
			Metadata: map[string]string{
				"created_from": "chat",
				"session_id":   e.cfg.SessionID,
				"started_at":   time.Now().UTC().Format(time.RFC3339),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	t.created = true

	e.mu.Lock()
	adopt := e.current == nil && e.epoch == t.epoch
	if adopt {
		c := *created
		e.current = &c
		for i := range e.messages {
			if e.messages[i].ConversationID == "" {
				e.messages[i].ConversationID = c.ID
			}
		}
		e.conversations = append([]domain.Conversation{c}, e.conversations...)
	}
	e.mu.Unlock()

	e.logger.Info("created new conversation", "conversation_id", created.ID, "current", adopt)
	if adopt {
		e.emit(domain.EventCurrentChanged, created.ID, nil)
		e.emit(domain.EventConversationsChanged, created.ID, nil)
	}
	return created, nil
}

// LoadConversation makes id current and replaces the transcript. Nothing
// changes unless both reads succeed.
func (e *Engine) LoadConversation(ctx context.Context, id string) error {
	e.mu.Lock()
	e.loads++
	e.mu.Unlock()
	e.emitLoading()
	defer func() {
		e.mu.Lock()
		e.loads--
		e.mu.Unlock()
		e.emitLoading()
	}()

	conv, err := e.ownedConversation(ctx, id)
	if err != nil {
		return err
	}
	msgs, err := readWithRetry(ctx, e, "get_messages", func(ctx context.Context) ([]domain.Message, error) {
		return e.store.GetMessages(ctx, id)
	})
	if err != nil {
		return err
	}

	if conv.Title != e.cfg.PlaceholderTitle {
		e.titles.MarkTitled(conv.ID)
	}

	e.mu.Lock()
	e.epoch++
	e.current = conv
	e.messages = msgs
	e.mu.Unlock()

	e.emit(domain.EventCurrentChanged, id, nil)
	e.emit(domain.EventMessagesChanged, id, map[string]any{"count": len(msgs)})
	return nil
}

// ownedConversation reads id and hides conversations of other owners.
func (e *Engine) ownedConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := readWithRetry(ctx, e, "get_conversation", func(ctx context.Context) (*domain.Conversation, error) {
		return e.store.GetConversation(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != e.cfg.OwnerID {
		return nil, &domain.PersistenceError{Op: "get_conversation", Err: domain.ErrNotFound}
	}
	return conv, nil
}

// CreateConversation starts a blank chat. Nothing is written until the first
// message is sent.
func (e *Engine) CreateConversation() {
	e.mu.Lock()
	e.epoch++
	e.current = nil
	e.messages = nil
	e.mu.Unlock()

	e.emit(domain.EventCurrentChanged, "", nil)
	e.emit(domain.EventMessagesChanged, "", map[string]any{"count": 0})
}

// ClearMessages empties the local transcript and keeps the current conversation.
func (e *Engine) ClearMessages() {
	e.mu.Lock()
	e.epoch++
	e.messages = nil
	convID := ""
	if e.current != nil {
		convID = e.current.ID
	}
	e.mu.Unlock()

	e.emit(domain.EventMessagesChanged, convID, map[string]any{"count": 0})
}

// DeleteConversation removes id remotely, stops its background work, and
// clears local state if it was current. Late background results for id are
// dropped.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	conv, err := readWithRetry(ctx, e, "get_conversation", func(ctx context.Context) (*domain.Conversation, error) {
		return e.store.GetConversation(ctx, id)
	})
	missing := errors.Is(err, domain.ErrNotFound)
	switch {
	case err != nil && !missing:
		return err
	case !missing && conv.OwnerID != e.cfg.OwnerID:
		return &domain.PersistenceError{Op: "delete_conversation", Err: domain.ErrNotFound}
	}

	e.mu.Lock()
	e.deleted[id] = struct{}{}
	e.mu.Unlock()

	if n := e.background.CancelConversation(id); n > 0 {
		e.logger.Debug("cancelled background tasks", "conversation_id", id, "count", n)
	}

	// A row that is already gone only needs its local state cleared.
	if !missing {
		err = e.write(ctx, "delete_conversation", func(ctx context.Context) error {
			return e.store.DeleteConversation(ctx, id)
		})
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.mu.Lock()
		delete(e.deleted, id)
		e.mu.Unlock()
		return err
	}
	e.titles.Forget(id)

	e.mu.Lock()
	wasCurrent := e.current != nil && e.current.ID == id
	if wasCurrent {
		e.epoch++
		e.current = nil
		e.messages = nil
	}
	e.conversations = slices.DeleteFunc(e.conversations, func(c domain.Conversation) bool { return c.ID == id })
	e.mu.Unlock()

	e.logger.Info("conversation deleted", "conversation_id", id, "was_current", wasCurrent)
	if wasCurrent {
		e.emit(domain.EventCurrentChanged, "", nil)
		e.emit(domain.EventMessagesChanged, "", map[string]any{"count": 0})
	}
	e.emit(domain.EventConversationsChanged, id, nil)

	if err := e.RefreshConversations(ctx); err != nil {
		e.logger.Warn("failed to refresh conversations after delete", "err", err)
	}
	return nil
}

// RefreshConversations reloads the owner's conversation list.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	e.mu.Lock()
	e.listing++
	e.mu.Unlock()
	e.emitLoading()
	defer func() {
		e.mu.Lock()
		e.listing--
		e.mu.Unlock()
		e.emitLoading()
	}()

	convs, err := readWithRetry(ctx, e, "list_conversations", func(ctx context.Context) ([]domain.Conversation, error) {
		return e.store.ListConversations(ctx, e.cfg.OwnerID, e.cfg.ConversationLimit)
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	convs = slices.DeleteFunc(convs, func(c domain.Conversation) bool {
		_, gone := e.deleted[c.ID]
		return gone
	})
	e.conversations = convs
	if e.current != nil {
		for _, c := range convs {
			if c.ID == e.current.ID {
				cur := c
				e.current = &cur
				break
			}
		}
	}
	e.mu.Unlock()

	e.emit(domain.EventConversationsChanged, "", map[string]any{"count": len(convs)})
	return nil
}

type MemoryOption func(*domain.MemoryItem)

func WithCategory(category string) MemoryOption {
	return func(m *domain.MemoryItem) { m.Category = category }
}

func WithImportance(importance int) MemoryOption {
	return func(m *domain.MemoryItem) { m.Importance = importance }
}

// SaveMemory upserts a fact for the owner and refreshes the memory summary.
func (e *Engine) SaveMemory(ctx context.Context, key, value string, opts ...MemoryOption) error {
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if key == "" {
		return &domain.ValidationError{Field: "key", Reason: "empty"}
	}
	if value == "" {
		return &domain.ValidationError{Field: "value", Reason: "empty"}
	}
	if e.curator == nil {
		return errors.New("memory is not configured")
	}

	item := domain.MemoryItem{Key: key, Value: value}
	for _, opt := range opts {
		opt(&item)
	}
	if err := e.write(ctx, "upsert_memory", func(ctx context.Context) error {
		return e.curator.Save(ctx, e.cfg.OwnerID, item)
	}); err != nil {
		return err
	}
	if err := e.reloadMemoryContext(ctx); err != nil {
		e.logger.Warn("failed to refresh memory context", "err", err)
	}
	return nil
}

// ForgetMemory removes a fact by key and refreshes the memory summary.
func (e *Engine) ForgetMemory(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return &domain.ValidationError{Field: "key", Reason: "empty"}
	}
	if e.curator == nil {
		return errors.New("memory is not configured")
	}
	if err := e.write(ctx, "delete_memory", func(ctx context.Context) error {
		return e.curator.Forget(ctx, e.cfg.OwnerID, key)
	}); err != nil {
		return err
	}
	if err := e.reloadMemoryContext(ctx); err != nil {
		e.logger.Warn("failed to refresh memory context", "err", err)
	}
	return nil
}

// Memories lists the owner's stored facts.
func (e *Engine) Memories(ctx context.Context) ([]domain.MemoryItem, error) {
	if e.curator == nil {
		return nil, nil
	}
	return readWithRetry(ctx, e, "list_memories", func(ctx context.Context) ([]domain.MemoryItem, error) {
		return e.curator.List(ctx, e.cfg.OwnerID)
	})
}

// reloadMemoryContext refreshes memoryContextText from the curator.
func (e *Engine) reloadMemoryContext(ctx context.Context) error {
	if e.curator == nil {
		return nil
	}
	text, err := readWithRetry(ctx, e, "load_memory_context", func(ctx context.Context) (string, error) {
		return e.curator.LoadMemoryContext(ctx, e.cfg.OwnerID)
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	changed := e.memoryText != text
	e.memoryText = text
	e.mu.Unlock()
	if changed {
		e.emit(domain.EventMemoryChanged, "", nil)
	}
	return nil
}

// RegenerateTitle asks for a fresh title for an existing conversation. It
// supersedes any generation already in flight for that conversation.
func (e *Engine) RegenerateTitle(ctx context.Context, id string) error {
	if _, err := e.ownedConversation(ctx, id); err != nil {
		return err
	}
	msgs, err := readWithRetry(ctx, e, "get_messages", func(ctx context.Context) ([]domain.Message, error) {
		return e.store.GetMessages(ctx, id)
	})
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(msgs, func(m domain.Message) bool { return m.Role == domain.RoleUser })
	if idx < 0 {
		return &domain.ValidationError{Field: "conversation", Reason: "no user message to title from"}
	}
	return e.startTitle(id, msgs[idx].Content, true)
}
