package channel

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"bizpilot/internal/agent"
	"bizpilot/internal/bus"
	"bizpilot/internal/domain"
	"bizpilot/internal/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoProvider answers every prompt with "echo: <last message>".
type echoProvider struct {
	mu      sync.Mutex
	calls   int
	replies int
	err     error
}

func (p *echoProvider) Name() string                  { return "echo" }
func (p *echoProvider) Healthy(context.Context) error { return nil }

func (p *echoProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	last := req.Messages[len(req.Messages)-1].Content
	if strings.HasPrefix(req.Messages[0].Content, "Write a short title") {
		return &domain.ChatResponse{Content: "Bakery Questions"}, nil
	}
	p.mu.Lock()
	p.replies++
	p.mu.Unlock()
	return &domain.ChatResponse{Content: "echo: " + last}, nil
}

// chatCalls counts completion calls that were not title requests.
func (p *echoProvider) chatCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replies
}

func (p *echoProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type harness struct {
	store    *memory.Store
	provider *echoProvider
	events   *bus.EventBus
	sessions *agent.Sessions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "bizpilot.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:    store,
		provider: &echoProvider{},
		events:   bus.NewEventBus(testLogger()),
	}
	curator := memory.NewCurator(memory.CuratorConfig{
		Conversations: store,
		Memory:        store,
		Logger:        testLogger(),
	})
	h.sessions = agent.NewSessions(func(sessionID, ownerID string) (*agent.Engine, error) {
		return agent.NewEngine(agent.EngineConfig{
			SessionID: sessionID,
			OwnerID:   ownerID,
			Store:     store,
			Curator:   curator,
			Provider:  h.provider,
			Notifier:  h.events,
			Logger:    testLogger(),
		})
	}, testLogger())
	t.Cleanup(h.sessions.Close)
	return h
}

func (h *harness) engine(t *testing.T, sessionID string) *agent.Engine {
	t.Helper()
	e, err := h.sessions.Get(context.Background(), sessionID, sessionID)
	require.NoError(t, err)
	return e
}
