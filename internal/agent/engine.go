package agent

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"bizpilot/internal/domain"
)

const (
	DefaultPlaceholderTitle = "New Conversation"

	defaultTitleMaxLength      = 60
	defaultFallbackTitleLength = 50
	defaultConversationLimit   = 50
	defaultPersistenceTimeout  = 5 * time.Second
	defaultCompletionTimeout   = 60 * time.Second
	defaultTitleTimeout        = 20 * time.Second
	defaultBackgroundTimeout   = 45 * time.Second
	defaultReadRetryDelay      = 200 * time.Millisecond
	defaultLLMMaxTokens        = 1024
	defaultTemperature         = 0.7
)

// MemoryCurator is the part of memory.Curator the engine drives.
type MemoryCurator interface {
	ExtractMemory(ctx context.Context, ownerID, conversationID string) (int, error)
	LoadMemoryContext(ctx context.Context, ownerID string) (string, error)
	Save(ctx context.Context, ownerID string, item domain.MemoryItem) error
	Forget(ctx context.Context, ownerID, key string) error
	List(ctx context.Context, ownerID string) ([]domain.MemoryItem, error)
}

// EngineConfig holds the collaborators and tuning for one user session.
type EngineConfig struct {
	SessionID string
	OwnerID   string

	Store     domain.ConversationStore
	Curator   MemoryCurator // optional; memory features are off without it
	Provider  domain.Provider
	Assembler *ContextAssembler
	Notifier  domain.Notifier
	Limiter   *RateLimiter
	Logger    *slog.Logger

	Model       string
	MaxTokens   int
	Temperature float64

	PlaceholderTitle    string
	TitleMaxLength      int
	FallbackTitleLength int
	ConversationLimit   int

	PersistenceTimeout time.Duration
	CompletionTimeout  time.Duration
	TitleTimeout       time.Duration
	BackgroundTimeout  time.Duration
	ReadRetryDelay     time.Duration
	// TaskRetention is how long finished background tasks stay listed.
	TaskRetention time.Duration
}

// State is a snapshot of the fields a UI renders.
type State struct {
	Messages               []domain.Message      `json:"messages"`
	Conversations          []domain.Conversation `json:"conversations"`
	CurrentConversation    *domain.Conversation  `json:"current_conversation"`
	IsLoading              bool                  `json:"is_loading"`
	IsLoadingConversations bool                  `json:"is_loading_conversations"`
	MemoryContextText      string                `json:"memory_context_text"`
}

// Engine orchestrates conversations, turns, and memory for a single user
// session. All methods are safe for concurrent use; turns run one at a time
// in the order SendMessage was called.
type Engine struct {
	cfg        EngineConfig
	store      domain.ConversationStore
	curator    MemoryCurator
	provider   domain.Provider
	assembler  *ContextAssembler
	notifier   domain.Notifier
	limiter    *RateLimiter
	background *BackgroundExecutor
	titles     *titleTracker
	logger     *slog.Logger

	createMu sync.Mutex

	mu            sync.RWMutex
	messages      []domain.Message
	conversations []domain.Conversation
	current       *domain.Conversation
	memoryText    string
	inflight      int
	loads         int
	listing       int
	epoch         uint64
	tail          chan struct{}
	deleted       map[string]struct{}
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = domain.NopNotifier{}
	}
	if cfg.Assembler == nil {
		cfg.Assembler = NewContextAssembler(AssemblerConfig{})
	}
	if cfg.PlaceholderTitle == "" {
		cfg.PlaceholderTitle = DefaultPlaceholderTitle
	}
	if cfg.TitleMaxLength <= 0 {
		cfg.TitleMaxLength = defaultTitleMaxLength
	}
	if cfg.FallbackTitleLength <= 0 {
		cfg.FallbackTitleLength = defaultFallbackTitleLength
	}
	if cfg.ConversationLimit <= 0 {
		cfg.ConversationLimit = defaultConversationLimit
	}
	if cfg.PersistenceTimeout <= 0 {
		cfg.PersistenceTimeout = defaultPersistenceTimeout
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = defaultTitleTimeout
	}
	if cfg.BackgroundTimeout <= 0 {
		cfg.BackgroundTimeout = defaultBackgroundTimeout
	}
	if cfg.ReadRetryDelay <= 0 {
		cfg.ReadRetryDelay = defaultReadRetryDelay
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultTemperature
	}

	logger := cfg.Logger.With("component", "engine", "owner_id", cfg.OwnerID)
	background := NewBackgroundExecutor(cfg.BackgroundTimeout, logger)
	background.SetRetention(cfg.TaskRetention)
	tail := make(chan struct{})
	close(tail)

	return &Engine{
		cfg:        cfg,
		store:      cfg.Store,
		curator:    cfg.Curator,
		provider:   cfg.Provider,
		assembler:  cfg.Assembler,
		notifier:   cfg.Notifier,
		limiter:    cfg.Limiter,
		background: background,
		titles:     newTitleTracker(),
		logger:     logger,
		tail:       tail,
		deleted:    make(map[string]struct{}),
	}, nil
}

func (e *Engine) OwnerID() string   { return e.cfg.OwnerID }
func (e *Engine) SessionID() string { return e.cfg.SessionID }

// Start loads the memory summary and the conversation list. A memory failure
// is logged; a list failure is returned.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.reloadMemoryContext(ctx); err != nil {
		e.logger.Warn("failed to load memory context", "err", err)
	}
	return e.RefreshConversations(ctx)
}

// Wait blocks until background work submitted so far has finished.
func (e *Engine) Wait() {
	e.background.Wait()
}

// Close cancels background work and waits for it.
func (e *Engine) Close() {
	e.background.Shutdown()
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := State{
		Messages:               slices.Clone(e.messages),
		Conversations:          slices.Clone(e.conversations),
		IsLoading:              e.inflight > 0 || e.loads > 0,
		IsLoadingConversations: e.listing > 0,
		MemoryContextText:      e.memoryText,
	}
	if e.current != nil {
		c := *e.current
		s.CurrentConversation = &c
	}
	return s
}

// TitleState reports where title assignment stands for a conversation.
func (e *Engine) TitleState(conversationID string) TitleState {
	return e.titles.State(conversationID)
}

// BackgroundTasks lists background work still running.
func (e *Engine) BackgroundTasks() []BackgroundTask {
	return e.background.ListActive()
}

func (e *Engine) emit(kind, conversationID string, data map[string]any) {
	e.notifier.Notify(domain.Notification{
		Type:           kind,
		SessionID:      e.cfg.SessionID,
		ConversationID: conversationID,
		Data:           data,
	})
}

func (e *Engine) emitLoading() {
	e.mu.RLock()
	loading := e.inflight > 0 || e.loads > 0
	listing := e.listing > 0
	e.mu.RUnlock()
	e.emit(domain.EventLoadingChanged, "", map[string]any{
		"is_loading":               loading,
		"is_loading_conversations": listing,
	})
}

func (e *Engine) isDeleted(conversationID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.deleted[conversationID]
	return ok
}

// readWithRetry runs an idempotent read with a timeout and one retry.
// ErrNotFound is never retried.
func readWithRetry[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.PersistenceTimeout)
		v, err := fn(cctx)
		cancel()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, domain.ErrNotFound) || attempt > 0 || ctx.Err() != nil {
			return zero, &domain.PersistenceError{Op: op, Err: err}
		}
		e.logger.Warn("read failed, retrying once", "op", op, "err", err)

		timer := time.NewTimer(e.cfg.ReadRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &domain.PersistenceError{Op: op, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

// write runs a single store write with a timeout. Writes are never retried.
func (e *Engine) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.PersistenceTimeout)
	defer cancel()
	if err := fn(cctx); err != nil {
		return &domain.PersistenceError{Op: op, Err: err}
	}
	return nil
}

func indexOfMessage(msgs []domain.Message, id string) int {
	return slices.IndexFunc(msgs, func(m domain.Message) bool { return m.ID == id })
}
