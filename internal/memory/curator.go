package memory

import (
	"context"
	"fmt"
	"log/slog"

	"bizpilot/internal/domain"
)

// ContextCache holds rendered memory context per owner.
type ContextCache interface {
	Get(ctx context.Context, ownerID string) (string, bool, error)
	Set(ctx context.Context, ownerID, text string) error
	Invalidate(ctx context.Context, ownerID string) error
}

type CuratorConfig struct {
	Conversations domain.ConversationStore
	Memory        domain.MemoryGateway
	Extractor     Extractor    // defaults to HeuristicExtractor
	Cache         ContextCache // optional
	Logger        *slog.Logger
}

// Curator turns finished turns into durable memory items and renders the
// owner's memory for prompts.
type Curator struct {
	conversations domain.ConversationStore
	memory        domain.MemoryGateway
	extractor     Extractor
	cache         ContextCache
	logger        *slog.Logger
}

func NewCurator(cfg CuratorConfig) *Curator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = HeuristicExtractor{}
	}
	return &Curator{
		conversations: cfg.Conversations,
		memory:        cfg.Memory,
		extractor:     cfg.Extractor,
		cache:         cfg.Cache,
		logger:        cfg.Logger.With("component", "curator"),
	}
}

// ExtractMemory reads the conversation transcript and upserts whatever facts
// the extractor finds. A conversation with no messages (for example one that
// was deleted meanwhile) is a no-op. Returns the number of items written.
func (c *Curator) ExtractMemory(ctx context.Context, ownerID, conversationID string) (int, error) {
	msgs, err := c.conversations.GetMessages(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("read transcript: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	items, err := c.extractor.Extract(ctx, msgs)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}

	saved := 0
	for _, it := range items {
		if err := c.memory.UpsertMemory(ctx, ownerID, it); err != nil {
			c.logger.Warn("failed to save memory", "key", it.Key, "err", err)
			continue
		}
		saved++
	}
	if saved > 0 {
		c.Invalidate(ctx, ownerID)
		c.logger.Debug("memory extracted", "conversation_id", conversationID, "items", saved)
	}
	return saved, nil
}

// Save upserts a single item and drops the cached context.
func (c *Curator) Save(ctx context.Context, ownerID string, item domain.MemoryItem) error {
	if err := c.memory.UpsertMemory(ctx, ownerID, item); err != nil {
		return err
	}
	c.Invalidate(ctx, ownerID)
	return nil
}

func (c *Curator) Forget(ctx context.Context, ownerID, key string) error {
	if err := c.memory.DeleteMemory(ctx, ownerID, key); err != nil {
		return err
	}
	c.Invalidate(ctx, ownerID)
	return nil
}

func (c *Curator) List(ctx context.Context, ownerID string) ([]domain.MemoryItem, error) {
	return c.memory.ListMemories(ctx, ownerID)
}

// LoadMemoryContext returns the bounded memory summary, cached when a cache is configured.
func (c *Curator) LoadMemoryContext(ctx context.Context, ownerID string) (string, error) {
	if c.cache != nil {
		text, ok, err := c.cache.Get(ctx, ownerID)
		if err != nil {
			c.logger.Warn("memory cache read failed", "err", err)
		} else if ok {
			return text, nil
		}
	}

	text, err := c.memory.BuildContextFromMemory(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, ownerID, text); err != nil {
			c.logger.Warn("memory cache write failed", "err", err)
		}
	}
	return text, nil
}

func (c *Curator) Invalidate(ctx context.Context, ownerID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, ownerID); err != nil {
		c.logger.Warn("memory cache invalidate failed", "err", err)
	}
}
