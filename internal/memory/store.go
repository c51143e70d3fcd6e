package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"bizpilot/internal/domain"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver string // sqlite (default) | postgres
	DSN    string // file path for sqlite, connection string for postgres

	// MaxMemories caps how many items BuildContextFromMemory considers.
	MaxMemories int
	// BudgetTokens bounds the rendered memory context.
	BudgetTokens int
	Counter      TokenCounter
	Logger       *slog.Logger
}

// Store implements domain.ConversationStore and domain.MemoryGateway over SQL.
type Store struct {
	db          *sqlx.DB
	driver      string
	maxMemories int
	budget      int
	counter     TokenCounter
	logger      *slog.Logger
}

var (
	_ domain.ConversationStore = (*Store)(nil)
	_ domain.MemoryGateway     = (*Store)(nil)
)

func Open(cfg StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = 50
	}
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = 600
	}
	if cfg.Counter == nil {
		cfg.Counter = WordCounter{}
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		dir := filepath.Dir(cfg.DSN)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		db, err = sqlx.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("cannot open database: %w", err)
		}
		// Single connection so the pragmas below stick.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	case DriverPostgres:
		db, err = sqlx.Connect("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("cannot connect to postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	s := &Store{
		db:          db,
		driver:      cfg.Driver,
		maxMemories: cfg.MaxMemories,
		budget:      cfg.BudgetTokens,
		counter:     cfg.Counter,
		logger:      cfg.Logger.With("component", "store"),
	}
	if err := RunMigrations(db, cfg.Driver, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

// NewSQLiteStore opens a SQLite-backed store at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*Store, error) {
	return Open(StoreConfig{Driver: DriverSQLite, DSN: dbPath, Logger: logger})
}

func (s *Store) DB() *sqlx.DB   { return s.db }
func (s *Store) Driver() string { return s.driver }

type conversationRow struct {
	domain.Conversation
	MetadataJSON sql.NullString `db:"metadata"`
}

func (r conversationRow) toDomain() domain.Conversation {
	c := r.Conversation
	if r.MetadataJSON.Valid && r.MetadataJSON.String != "" {
		_ = json.Unmarshal([]byte(r.MetadataJSON.String), &c.Metadata)
	}
	return c
}

const conversationColumns = `id, owner_id, title, is_active, metadata, created_at, updated_at`

func (s *Store) CreateConversation(ctx context.Context, in domain.NewConversation) (*domain.Conversation, error) {
	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Title:     in.Title,
		IsActive:  true,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	meta, err := encodeMetadata(conv.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		conv.ID, conv.OwnerID, conv.Title, conv.IsActive, meta, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	conv := row.toDomain()
	return &conv, nil
}

func (s *Store) ListConversations(ctx context.Context, ownerID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE owner_id = ? ORDER BY updated_at DESC LIMIT ?`), ownerID, limit)
	if err != nil {
		return nil, err
	}
	convs := make([]domain.Conversation, 0, len(rows))
	for _, r := range rows {
		convs = append(convs, r.toDomain())
	}
	return convs, nil
}

func (s *Store) UpdateConversation(ctx context.Context, id string, patch domain.ConversationPatch) error {
	query := `UPDATE conversations SET updated_at = ?`
	args := []any{time.Now().UTC()}
	if patch.Title != nil {
		query += `, title = ?`
		args = append(args, *patch.Title)
	}
	if patch.IsActive != nil {
		query += `, is_active = ?`
		args = append(args, *patch.IsActive)
	}
	if patch.Metadata != nil {
		meta, err := encodeMetadata(patch.Metadata)
		if err != nil {
			return err
		}
		query += `, metadata = ?`
		args = append(args, meta)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM conversations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

// CreateMessage appends a message; the store assigns Seq and CreatedAt.
func (s *Store) CreateMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	if !in.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", in.Role)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	msg := domain.Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		Role:           in.Role,
		Content:        in.Content,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	err = tx.QueryRowxContext(ctx, tx.Rebind(
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING seq`),
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`), msg.CreatedAt, msg.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessages returns the full transcript in server sequence order.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var msgs []domain.Message
	err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(
		`SELECT seq, id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`), conversationID)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) UpsertMemory(ctx context.Context, ownerID string, item domain.MemoryItem) error {
	if item.Key == "" {
		return fmt.Errorf("memory key is required")
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}
	// Empty category and zero importance keep whatever the row already has.
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO memory_items (owner_id, mem_key, value, category, importance, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id, mem_key) DO UPDATE SET
			value = excluded.value,
			category = CASE WHEN excluded.category = '' THEN memory_items.category ELSE excluded.category END,
			importance = CASE WHEN excluded.importance = 0 THEN memory_items.importance ELSE excluded.importance END,
			updated_at = excluded.updated_at`),
		ownerID, item.Key, item.Value, item.Category, item.Importance, item.UpdatedAt,
	)
	return err
}

func (s *Store) ListMemories(ctx context.Context, ownerID string) ([]domain.MemoryItem, error) {
	var items []domain.MemoryItem
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(
		`SELECT mem_key, value, category, importance, updated_at FROM memory_items
		 WHERE owner_id = ? ORDER BY importance DESC, updated_at DESC`), ownerID)
	return items, err
}

func (s *Store) DeleteMemory(ctx context.Context, ownerID, key string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM memory_items WHERE owner_id = ? AND mem_key = ?`), ownerID, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// BuildContextFromMemory renders the owner's most important items within the
// configured token budget.
func (s *Store) BuildContextFromMemory(ctx context.Context, ownerID string) (string, error) {
	items, err := s.ListMemories(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if len(items) > s.maxMemories {
		items = items[:s.maxMemories]
	}
	return RenderMemoryContext(items, s.budget, s.counter), nil
}

// Counts backs the status command.
func (s *Store) Counts(ctx context.Context, ownerID string) (conversations, memories int, err error) {
	if err = s.db.GetContext(ctx, &conversations, s.db.Rebind(
		`SELECT COUNT(*) FROM conversations WHERE owner_id = ?`), ownerID); err != nil {
		return 0, 0, err
	}
	err = s.db.GetContext(ctx, &memories, s.db.Rebind(
		`SELECT COUNT(*) FROM memory_items WHERE owner_id = ?`), ownerID)
	return conversations, memories, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}
