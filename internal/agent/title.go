package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"bizpilot/internal/domain"
)

const titlePrompt = `Write a short title (at most six words) for a conversation that starts with the
user's message below. Reply with the title only: no quotes, no trailing punctuation.`

// TitleState tracks where a conversation is in title assignment.
type TitleState string

const (
	TitleUntitled          TitleState = "untitled"
	TitlePendingGeneration TitleState = "pending_generation"
	TitleTitled            TitleState = "titled"
	TitleFallbackTitled    TitleState = "fallback_titled"
)

type titleEntry struct {
	state  TitleState
	latest uint64 // highest token issued
	taskID string // background task of the live generation
	mu     sync.Mutex
}

// titleTracker issues generation tokens per conversation. Only the result
// carrying the latest token may be applied.
type titleTracker struct {
	mu      sync.Mutex
	entries map[string]*titleEntry
}

func newTitleTracker() *titleTracker {
	return &titleTracker{entries: make(map[string]*titleEntry)}
}

func (t *titleTracker) entry(convID string) *titleEntry {
	e, ok := t.entries[convID]
	if !ok {
		e = &titleEntry{state: TitleUntitled}
		t.entries[convID] = e
	}
	return e
}

// Begin issues a new token. Without supersede it refuses while a generation
// is pending. prevTask is the task id of a superseded generation, if any.
func (t *titleTracker) Begin(convID string, supersede bool) (token uint64, prevTask string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(convID)
	if e.state == TitlePendingGeneration {
		if !supersede {
			return 0, "", false
		}
		prevTask = e.taskID
	}
	e.latest++
	e.state = TitlePendingGeneration
	e.taskID = ""
	return e.latest, prevTask, true
}

// Attach records which background task runs the generation for token.
func (t *titleTracker) Attach(convID string, token uint64, taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[convID]; ok && e.latest == token {
		e.taskID = taskID
	}
}

// Apply runs persist only if token is still the latest, holding the
// conversation's title lock so a stale write can never land after a newer one.
func (t *titleTracker) Apply(convID string, token uint64, fallback bool, persist func() error) (bool, error) {
	t.mu.Lock()
	e, ok := t.entries[convID]
	t.mu.Unlock()
	if !ok {
		return false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t.mu.Lock()
	current := e.latest == token
	t.mu.Unlock()
	if !current {
		return false, nil
	}

	if err := persist(); err != nil {
		return false, err
	}

	t.mu.Lock()
	if e.latest == token {
		e.state = TitleTitled
		if fallback {
			e.state = TitleFallbackTitled
		}
		e.taskID = ""
	}
	t.mu.Unlock()
	return true, nil
}

// Abandon resets a pending generation that produced nothing applicable.
func (t *titleTracker) Abandon(convID string, token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[convID]; ok && e.latest == token && e.state == TitlePendingGeneration {
		e.state = TitleUntitled
		e.taskID = ""
	}
}

func (t *titleTracker) State(convID string) TitleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[convID]; ok {
		return e.state
	}
	return TitleUntitled
}

// MarkTitled records a conversation loaded with a real title.
func (t *titleTracker) MarkTitled(convID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(convID)
	if e.state == TitleUntitled {
		e.state = TitleTitled
	}
}

func (t *titleTracker) Forget(convID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, convID)
}

// cleanTitle normalizes a model-generated title: first line, no quotes or
// trailing punctuation, cut to maxLen runes at a word boundary.
func cleanTitle(raw string, maxLen int) string {
	s := strings.TrimSpace(raw)
	if idx := strings.IndexAny(s, "\n\r"); idx > 0 {
		s = s[:idx]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*#")
	s = strings.TrimRight(s, ".!")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)[:maxLen]
	cut := -1
	for i := len(runes) - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	if cut < maxLen/3 {
		return string(runes)
	}
	return strings.TrimSpace(string(runes[:cut]))
}

// fallbackTitle is the deterministic title used when generation fails: the
// first line of the message cut to maxLen runes with an ellipsis.
func fallbackTitle(msg string, maxLen int, placeholder string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return placeholder
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = strings.TrimSpace(msg[:idx])
	}
	if utf8.RuneCountInString(msg) <= maxLen {
		return msg
	}
	return strings.TrimSpace(string([]rune(msg)[:maxLen])) + "..."
}

// startTitle moves the conversation to PendingGeneration and runs the
// generation in the background.
func (e *Engine) startTitle(conversationID, userContent string, supersede bool) error {
	token, prevTask, ok := e.titles.Begin(conversationID, supersede)
	if !ok {
		return errTitlePending
	}
	if prevTask != "" {
		e.background.Cancel(prevTask)
	}
	taskID := e.background.Submit(conversationID, "title_generation", func(ctx context.Context) error {
		return e.runTitle(ctx, conversationID, userContent, token)
	})
	e.titles.Attach(conversationID, token, taskID)
	return nil
}

func (e *Engine) runTitle(ctx context.Context, conversationID, userContent string, token uint64) error {
	title, genErr := e.generateTitle(ctx, userContent)
	fallback := false
	if genErr != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			// Superseded or deleted.
			e.titles.Abandon(conversationID, token)
			return nil
		}
		e.logger.Warn("title generation failed, using fallback", "conversation_id", conversationID, "err", genErr)
		title = fallbackTitle(userContent, e.cfg.FallbackTitleLength, e.cfg.PlaceholderTitle)
		fallback = true
	}

	applied, err := e.applyTitle(ctx, conversationID, token, title, fallback)
	if err != nil {
		e.titles.Abandon(conversationID, token)
		return err
	}
	if !applied {
		e.logger.Debug("discarded stale title", "conversation_id", conversationID, "token", token)
	}
	return nil
}

func (e *Engine) generateTitle(ctx context.Context, userContent string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.TitleTimeout)
	defer cancel()

	resp, err := e.provider.Chat(cctx, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: titlePrompt},
			{Role: domain.RoleUser, Content: userContent},
		},
		Model:       e.cfg.Model,
		MaxTokens:   32,
		Temperature: 0.3,
	})
	if err != nil {
		return "", &domain.CompletionError{Provider: e.provider.Name(), Err: err}
	}
	title := cleanTitle(resp.Content, e.cfg.TitleMaxLength)
	if title == "" {
		return "", fmt.Errorf("empty title from %s", e.provider.Name())
	}
	return title, nil
}

// applyTitle persists title if token is still the latest for the
// conversation and the conversation still exists, then updates local state.
func (e *Engine) applyTitle(ctx context.Context, conversationID string, token uint64, title string, fallback bool) (bool, error) {
	if e.isDeleted(conversationID) {
		return false, nil
	}
	applied, err := e.titles.Apply(conversationID, token, fallback, func() error {
		return e.write(ctx, "update_conversation", func(ctx context.Context) error {
			return e.store.UpdateConversation(ctx, conversationID, domain.ConversationPatch{Title: &title})
		})
	})
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil || !applied {
		return false, err
	}

	e.mu.Lock()
	if e.current != nil && e.current.ID == conversationID {
		e.current.Title = title
	}
	for i := range e.conversations {
		if e.conversations[i].ID == conversationID {
			e.conversations[i].Title = title
		}
	}
	e.mu.Unlock()

	e.logger.Info("conversation titled", "conversation_id", conversationID, "fallback", fallback)
	e.emit(domain.EventTitleAssigned, conversationID, map[string]any{"title": title, "fallback": fallback})
	if err := e.RefreshConversations(ctx); err != nil {
		e.logger.Warn("failed to refresh conversations after title", "err", err)
	}
	return true, nil
}
