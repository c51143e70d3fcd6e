package domain

import (
	"context"
	"time"
)

// ConversationStore is the durable store for conversations and their messages.
// Lookups of missing rows return ErrNotFound.
type ConversationStore interface {
	CreateConversation(ctx context.Context, in NewConversation) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, ownerID string, limit int) ([]Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error
	DeleteConversation(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, in NewMessage) (*Message, error)
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// MemoryGateway stores durable per-owner facts. UpsertMemory merges by key.
type MemoryGateway interface {
	UpsertMemory(ctx context.Context, ownerID string, item MemoryItem) error
	BuildContextFromMemory(ctx context.Context, ownerID string) (string, error)
	ListMemories(ctx context.Context, ownerID string) ([]MemoryItem, error)
	DeleteMemory(ctx context.Context, ownerID, key string) error
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Conversation struct {
	ID        string            `json:"id" db:"id"`
	OwnerID   string            `json:"owner_id" db:"owner_id"`
	Title     string            `json:"title" db:"title"`
	IsActive  bool              `json:"is_active" db:"is_active"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" db:"updated_at"`
}

type NewConversation struct {
	OwnerID  string
	Title    string
	Metadata map[string]string
}

// ConversationPatch carries only the fields to change; nil fields are left alone.
type ConversationPatch struct {
	Title    *string
	IsActive *bool
	Metadata map[string]string
}

// Message is one immutable turn. Seq is assigned by the store and defines
// persisted order; local-only messages have Seq == 0.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Role           Role      `json:"role" db:"role"`
	Content        string    `json:"content" db:"content"`
	Seq            int64     `json:"seq" db:"seq"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`

	// Synthetic marks locally generated error replies that are never persisted.
	Synthetic bool `json:"synthetic,omitempty" db:"-"`
}

type NewMessage struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
}

type MemoryItem struct {
	Key        string    `json:"key" db:"mem_key"`
	Value      string    `json:"value" db:"value"`
	Category   string    `json:"category,omitempty" db:"category"`     // fact | preference | instruction | business
	Importance int       `json:"importance,omitempty" db:"importance"` // 1-10, 0 = unset
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
