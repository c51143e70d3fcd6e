package agent

import (
	"context"
	"log/slog"
	"sync"
)

// EngineFactory builds the engine for one session.
type EngineFactory func(sessionID, ownerID string) (*Engine, error)

// Sessions keeps one started Engine per session id for front ends that
// serve many users (HTTP API, Telegram).
type Sessions struct {
	mu      sync.Mutex
	engines map[string]*Engine
	factory EngineFactory
	logger  *slog.Logger
}

func NewSessions(factory EngineFactory, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{
		engines: make(map[string]*Engine),
		factory: factory,
		logger:  logger,
	}
}

// Get returns the engine for sessionID, creating and starting it on first use.
// Starting happens outside the lock so a slow store only delays its own
// session; if two callers race, the first engine stored wins.
func (s *Sessions) Get(ctx context.Context, sessionID, ownerID string) (*Engine, error) {
	s.mu.Lock()
	e, ok := s.engines[sessionID]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	e, err := s.factory(sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		s.logger.Warn("session start incomplete", "session", sessionID, "err", err)
	}

	s.mu.Lock()
	if existing, ok := s.engines[sessionID]; ok {
		s.mu.Unlock()
		e.Close()
		return existing, nil
	}
	s.engines[sessionID] = e
	s.mu.Unlock()
	s.logger.Info("session opened", "session", sessionID, "owner_id", ownerID)
	return e, nil
}

// Drop closes and forgets one session.
func (s *Sessions) Drop(sessionID string) {
	s.mu.Lock()
	e, ok := s.engines[sessionID]
	delete(s.engines, sessionID)
	s.mu.Unlock()
	if ok {
		e.Close()
	}
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

func (s *Sessions) Close() {
	s.mu.Lock()
	engines := s.engines
	s.engines = make(map[string]*Engine)
	s.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}
