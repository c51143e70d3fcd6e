package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bizpilot/internal/domain"

	"github.com/google/uuid"
)

var errEmptyReply = errors.New("model returned an empty reply")

type sendOptions struct {
	formContext string
}

type SendOption func(*sendOptions)

// WithFormContext passes form details through to the completion request.
func WithFormContext(formContext string) SendOption {
	return func(o *sendOptions) { o.formContext = formContext }
}

// turn is one SendMessage call. epoch and conv capture the session as it was
// when the user hit send; prev/done chain turns into a FIFO queue.
type turn struct {
	user     domain.Message
	conv     *domain.Conversation
	convID   string
	epoch    uint64
	prev     <-chan struct{}
	done     chan struct{}
	released bool
	created  bool // this turn wrote the conversation row
}

// SendMessage runs one user turn. The user's message shows up in State()
// before any I/O. Empty input returns domain.ErrEmptyInput and changes nothing.
// Foreground failures append exactly one assistant error message and are
// also returned.
func (e *Engine) SendMessage(ctx context.Context, content string, opts ...SendOption) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ErrEmptyInput
	}
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	t := e.beginTurn(content)
	defer e.endTurn(t)

	if err := e.waitTurn(ctx, t); err != nil {
		e.failTurn(t, err)
		return err
	}

	conv, err := e.ensureConversation(ctx, t)
	if err != nil {
		e.failTurn(t, err)
		return err
	}
	t.convID = conv.ID
	t.user.ConversationID = conv.ID

	if err := e.persistMessage(ctx, t.user); err != nil {
		if t.created {
			e.discardConversation(ctx, t)
		}
		e.failTurn(t, err)
		return err
	}

	history := e.historyBefore(ctx, t)
	e.mu.RLock()
	memoryText := e.memoryText
	e.mu.RUnlock()
	prompt := e.assembler.Build(memoryText, history, content)

	reply, err := e.complete(ctx, prompt, o.formContext)
	if err != nil {
		e.failTurn(t, err)
		return err
	}

	if e.isDeleted(conv.ID) {
		e.logger.Info("conversation deleted mid-turn, dropping reply", "conversation_id", conv.ID)
		e.releaseTurn(t)
		return nil
	}

	assistant := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           domain.RoleAssistant,
		Content:        reply,
		CreatedAt:      time.Now().UTC(),
	}
	e.insertAfter(t, assistant)
	err = e.persistMessage(ctx, assistant)
	e.releaseTurn(t)
	if err != nil {
		// The reply is already on screen; there is nothing to replace it with.
		e.logger.Error("failed to persist assistant reply", "conversation_id", conv.ID, "err", err)
		e.emit(domain.EventEngineError, conv.ID, map[string]any{"error": err.Error()})
		return err
	}

	e.afterTurn(conv, content)
	return nil
}

func (e *Engine) beginTurn(content string) *turn {
	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	done := make(chan struct{})

	e.mu.Lock()
	var conv *domain.Conversation
	if e.current != nil {
		c := *e.current
		conv = &c
		msg.ConversationID = c.ID
	}
	t := &turn{user: msg, conv: conv, convID: msg.ConversationID, epoch: e.epoch, prev: e.tail, done: done}
	e.tail = done
	e.messages = append(e.messages, msg)
	e.inflight++
	e.mu.Unlock()

	e.emit(domain.EventMessagesChanged, msg.ConversationID, map[string]any{"message_id": msg.ID})
	e.emitLoading()
	return t
}

func (e *Engine) endTurn(t *turn) {
	e.releaseTurn(t)
	e.mu.Lock()
	e.inflight--
	e.mu.Unlock()
	e.emitLoading()
}

// waitTurn blocks until every earlier turn has released the queue.
func (e *Engine) waitTurn(ctx context.Context, t *turn) error {
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		// Keep the chain intact for turns queued behind this one.
		prev, done := t.prev, t.done
		go func() {
			<-prev
			close(done)
		}()
		t.released = true
		return ctx.Err()
	}
}

func (e *Engine) releaseTurn(t *turn) {
	if !t.released {
		close(t.done)
		t.released = true
	}
}

// discardConversation undoes the conversation a turn created when its first
// message never reached the store, so no empty conversation is left behind.
// The turn's messages go back to being unsaved.
func (e *Engine) discardConversation(ctx context.Context, t *turn) {
	id := t.convID
	err := e.write(ctx, "delete_conversation", func(ctx context.Context) error {
		return e.store.DeleteConversation(ctx, id)
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.Error("failed to remove empty conversation", "conversation_id", id, "err", err)
	}
	e.titles.Forget(id)

	e.mu.Lock()
	wasCurrent := e.current != nil && e.current.ID == id
	if wasCurrent {
		e.current = nil
	}
	for i := range e.messages {
		if e.messages[i].ConversationID == id {
			e.messages[i].ConversationID = ""
		}
	}
	e.conversations = slices.DeleteFunc(e.conversations, func(c domain.Conversation) bool { return c.ID == id })
	e.mu.Unlock()

	t.conv, t.convID, t.user.ConversationID = nil, "", ""
	e.logger.Info("discarded empty conversation", "conversation_id", id)
	if wasCurrent {
		e.emit(domain.EventCurrentChanged, "", nil)
	}
	e.emit(domain.EventConversationsChanged, id, nil)
}

// failTurn releases the queue and appends the single explanatory reply.
func (e *Engine) failTurn(t *turn, err error) {
	e.releaseTurn(t)
	e.logger.Error("turn failed", "conversation_id", t.convID, "err", err)

	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: t.convID,
		Role:           domain.RoleAssistant,
		Content:        fmt.Sprintf("Sorry, I encountered an error: %s", userFacingReason(err)),
		CreatedAt:      time.Now().UTC(),
		Synthetic:      true,
	}
	e.insertAfter(t, msg)
	e.emit(domain.EventEngineError, t.convID, map[string]any{"error": err.Error()})
}

func userFacingReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "the request was cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out. Please try again."
	case domain.IsPersistence(err):
		return "I couldn't save this conversation. Please try again."
	case domain.IsCompletion(err):
		return "the assistant is unavailable right now. Please try again."
	default:
		return err.Error()
	}
}

// insertAfter places m right after the turn's user message, provided the
// session still shows the conversation that turn belongs to.
func (e *Engine) insertAfter(t *turn, m domain.Message) {
	e.mu.Lock()
	if e.epoch != t.epoch {
		e.mu.Unlock()
		return
	}
	idx := indexOfMessage(e.messages, t.user.ID)
	if idx < 0 {
		e.mu.Unlock()
		return
	}
	e.messages = slices.Insert(e.messages, idx+1, m)
	e.mu.Unlock()
	e.emit(domain.EventMessagesChanged, m.ConversationID, map[string]any{"message_id": m.ID})
}

// persistMessage writes m and copies the server sequence onto the local copy.
func (e *Engine) persistMessage(ctx context.Context, m domain.Message) error {
	var saved *domain.Message
	err := e.write(ctx, "create_message", func(ctx context.Context) error {
		var err error
		saved, err = e.store.CreateMessage(ctx, domain.NewMessage{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
		})
		return err
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if idx := indexOfMessage(e.messages, m.ID); idx >= 0 {
		e.messages[idx].Seq = saved.Seq
		e.messages[idx].CreatedAt = saved.CreatedAt
		e.messages[idx].ConversationID = saved.ConversationID
	}
	e.mu.Unlock()
	return nil
}

// historyBefore returns the messages that precede the turn's user message.
// When the user has since switched away, the persisted transcript is used.
func (e *Engine) historyBefore(ctx context.Context, t *turn) []domain.Message {
	e.mu.RLock()
	if e.epoch == t.epoch && e.current != nil && e.current.ID == t.convID {
		if idx := indexOfMessage(e.messages, t.user.ID); idx >= 0 {
			h := slices.Clone(e.messages[:idx])
			e.mu.RUnlock()
			return h
		}
	}
	e.mu.RUnlock()

	msgs, err := readWithRetry(ctx, e, "get_messages", func(ctx context.Context) ([]domain.Message, error) {
		return e.store.GetMessages(ctx, t.convID)
	})
	if err != nil {
		e.logger.Warn("failed to load history for turn", "conversation_id", t.convID, "err", err)
		return nil
	}
	if idx := indexOfMessage(msgs, t.user.ID); idx >= 0 {
		msgs = msgs[:idx]
	}
	return msgs
}

func (e *Engine) complete(ctx context.Context, prompt []domain.ChatMessage, formContext string) (string, error) {
	name := e.provider.Name()
	if err := e.limiter.Wait(ctx); err != nil {
		return "", &domain.CompletionError{Provider: name, Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CompletionTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.provider.Chat(cctx, domain.ChatRequest{
		Messages:    prompt,
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		FormContext: formContext,
	})
	if err != nil {
		return "", &domain.CompletionError{Provider: name, Err: err}
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", &domain.CompletionError{Provider: name, Err: errEmptyReply}
	}
	e.logger.Debug("completion finished",
		"provider", name,
		"latency_ms", time.Since(start).Milliseconds(),
		"tokens", resp.Usage.TotalTokens,
	)
	return reply, nil
}

// afterTurn fires the best-effort follow-ups for a completed exchange.
func (e *Engine) afterTurn(conv *domain.Conversation, userContent string) {
	if e.curator != nil {
		e.background.Submit(conv.ID, "memory_extraction", func(ctx context.Context) error {
			if e.isDeleted(conv.ID) {
				return nil
			}
			n, err := e.curator.ExtractMemory(ctx, e.cfg.OwnerID, conv.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return e.reloadMemoryContext(ctx)
			}
			return nil
		})
	}

	if e.currentTitle(conv) == e.cfg.PlaceholderTitle && e.titles.State(conv.ID) == TitleUntitled {
		if err := e.startTitle(conv.ID, userContent, false); err != nil {
			e.logger.Debug("title generation not started", "conversation_id", conv.ID, "err", err)
		}
	}
}

func (e *Engine) currentTitle(conv *domain.Conversation) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current != nil && e.current.ID == conv.ID {
		return e.current.Title
	}
	for _, c := range e.conversations {
		if c.ID == conv.ID {
			return c.Title
		}
	}
	return conv.Title
}
