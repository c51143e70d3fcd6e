package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"bizpilot/internal/domain"

	"github.com/google/uuid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory ConversationStore with failure injection.
type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*domain.Conversation
	msgs  map[string][]domain.Message
	seq   int64

	createConvCalls int
	updateCalls     int

	createConvErr   error
	createMsgErr    func(domain.NewMessage) error
	getMessagesErrs int // fail this many GetMessages calls first
	getConvErrs     int // same for GetConversation
	beforeCreate    func()
	beforeList      func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs: make(map[string]*domain.Conversation),
		msgs:  make(map[string][]domain.Message),
	}
}

func (s *fakeStore) CreateConversation(_ context.Context, in domain.NewConversation) (*domain.Conversation, error) {
	if s.beforeCreate != nil {
		s.beforeCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createConvCalls++
	if s.createConvErr != nil {
		return nil, s.createConvErr
	}
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   in.OwnerID,
		Title:     in.Title,
		IsActive:  true,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[c.ID] = c
	out := *c
	return &out, nil
}

func (s *fakeStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getConvErrs > 0 {
		s.getConvErrs--
		return nil, errors.New("connection reset by peer")
	}
	c, ok := s.convs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *fakeStore) ListConversations(_ context.Context, ownerID string, limit int) ([]domain.Conversation, error) {
	if s.beforeList != nil {
		s.beforeList()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Conversation
	for _, c := range s.convs {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b domain.Conversation) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) UpdateConversation(_ context.Context, id string, patch domain.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateCalls++
	c, ok := s.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.convs, id)
	delete(s.msgs, id)
	return nil
}

func (s *fakeStore) CreateMessage(_ context.Context, in domain.NewMessage) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createMsgErr != nil {
		if err := s.createMsgErr(in); err != nil {
			return nil, err
		}
	}
	if _, ok := s.convs[in.ConversationID]; !ok {
		return nil, fmt.Errorf("conversation %s: %w", in.ConversationID, domain.ErrNotFound)
	}
	s.seq++
	m := domain.Message{
		ID:             in.ID,
		ConversationID: in.ConversationID,
		Role:           in.Role,
		Content:        in.Content,
		Seq:            s.seq,
		CreatedAt:      time.Now().UTC(),
	}
	s.msgs[in.ConversationID] = append(s.msgs[in.ConversationID], m)
	return &m, nil
}

func (s *fakeStore) GetMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getMessagesErrs > 0 {
		s.getMessagesErrs--
		return nil, errors.New("transient read failure")
	}
	return slices.Clone(s.msgs[conversationID]), nil
}

func (s *fakeStore) failGetConversation(n int) {
	s.mu.Lock()
	s.getConvErrs = n
	s.mu.Unlock()
}

func (s *fakeStore) conversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

func (s *fakeStore) messages(conversationID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs[conversationID])
}

func (s *fakeStore) createCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createConvCalls
}

// fakeProvider answers turns with "reply to <content>" and titles with a
// fixed string unless overridden.
type fakeProvider struct {
	mu         sync.Mutex
	prompts    [][]domain.ChatMessage
	titleCalls int

	chat  func(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	title func(ctx context.Context, call int) (*domain.ChatResponse, error)
}

func (p *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(req.Messages) > 0 && req.Messages[0].Content == titlePrompt {
		p.mu.Lock()
		p.titleCalls++
		call := p.titleCalls
		p.mu.Unlock()
		if p.title != nil {
			return p.title(ctx, call)
		}
		return &domain.ChatResponse{Content: "LLC Registration Help"}, nil
	}

	p.mu.Lock()
	p.prompts = append(p.prompts, slices.Clone(req.Messages))
	p.mu.Unlock()
	if p.chat != nil {
		return p.chat(ctx, req)
	}
	last := req.Messages[len(req.Messages)-1]
	return &domain.ChatResponse{Content: "reply to " + last.Content}, nil
}

func (p *fakeProvider) Name() string                    { return "fake" }
func (p *fakeProvider) Healthy(_ context.Context) error { return nil }

func (p *fakeProvider) prompt(i int) []domain.ChatMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[i]
}

func (p *fakeProvider) promptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

type fakeCurator struct {
	mu       sync.Mutex
	extracts []string
	items    map[string]domain.MemoryItem
	extract  func(ctx context.Context, conversationID string) (int, error)
}

func newFakeCurator() *fakeCurator {
	return &fakeCurator{items: make(map[string]domain.MemoryItem)}
}

func (c *fakeCurator) ExtractMemory(ctx context.Context, _ string, conversationID string) (int, error) {
	c.mu.Lock()
	c.extracts = append(c.extracts, conversationID)
	c.mu.Unlock()
	if c.extract != nil {
		return c.extract(ctx, conversationID)
	}
	return 0, nil
}

func (c *fakeCurator) LoadMemoryContext(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	text := "## What you know about this user"
	for _, k := range keys {
		text += "\n- " + k + ": " + c.items[k].Value
	}
	return text, nil
}

func (c *fakeCurator) Save(_ context.Context, _ string, item domain.MemoryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.Key] = item
	return nil
}

func (c *fakeCurator) Forget(_ context.Context, _ string, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return domain.ErrNotFound
	}
	delete(c.items, key)
	return nil
}

func (c *fakeCurator) List(_ context.Context, _ string) ([]domain.MemoryItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MemoryItem, 0, len(c.items))
	for _, it := range c.items {
		out = append(out, it)
	}
	slices.SortFunc(out, func(a, b domain.MemoryItem) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func (c *fakeCurator) extractCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.extracts)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Notification
}

func (n *recordingNotifier) Notify(ev domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == kind {
			c++
		}
	}
	return c
}

type engineFixture struct {
	engine   *Engine
	store    *fakeStore
	provider *fakeProvider
	curator  *fakeCurator
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    newFakeStore(),
		provider: &fakeProvider{},
		curator:  newFakeCurator(),
		notifier: &recordingNotifier{},
	}
	return f
}

func (f *engineFixture) start(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		SessionID:      "test-session",
		OwnerID:        "owner-1",
		Store:          f.store,
		Curator:        f.curator,
		Provider:       f.provider,
		Notifier:       f.notifier,
		Logger:         testLogger(),
		ReadRetryDelay: time.Millisecond,
		Assembler: NewContextAssembler(AssemblerConfig{
			Persona: "You are a test assistant.",
			Window:  5,
		}),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	f.engine = e
	return e
}
