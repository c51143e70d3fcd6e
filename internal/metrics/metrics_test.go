package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"bizpilot/internal/bus"
	"bizpilot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextIsSortedAndGrouped(t *testing.T) {
	c := New()
	c.Counter("bizpilot_b_total", "B", `kind="x"`).Add(2)
	c.Counter("bizpilot_a_total", "A", "").Inc()
	c.Counter("bizpilot_b_total", "B", `kind="y"`).Inc()
	c.Gauge("bizpilot_g", "G", "").Set(7)
	c.Histogram("bizpilot_h_seconds", "H", "", []float64{1, 0.5}).Observe(0.7)

	var sb strings.Builder
	require.NoError(t, c.WriteText(&sb))
	out := sb.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE bizpilot_b_total counter"))
	assert.Less(t, strings.Index(out, "bizpilot_a_total 1"), strings.Index(out, `bizpilot_b_total{kind="x"} 2`))
	assert.Contains(t, out, `bizpilot_b_total{kind="y"} 1`)
	assert.Contains(t, out, "bizpilot_g 7")
	assert.Contains(t, out, `bizpilot_h_seconds_bucket{le="0.5"} 0`)
	assert.Contains(t, out, `bizpilot_h_seconds_bucket{le="1"} 1`)
	assert.Contains(t, out, `bizpilot_h_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "bizpilot_h_seconds_count 1")
}

func TestSeriesAreReused(t *testing.T) {
	c := New()
	c.Counter("x_total", "", "").Inc()
	c.Counter("x_total", "", "").Inc()
	assert.Equal(t, int64(2), c.Counter("x_total", "", "").Value())
}

type stubProvider struct{ err error }

func (s stubProvider) Name() string                  { return "stub" }
func (s stubProvider) Healthy(context.Context) error { return nil }
func (s stubProvider) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.ChatResponse{Content: "ok", Usage: domain.Usage{TotalTokens: 12}}, nil
}

func TestInstrumentProvider(t *testing.T) {
	c := New()
	ok := c.InstrumentProvider(stubProvider{})
	bad := c.InstrumentProvider(stubProvider{err: errors.New("boom")})

	_, err := ok.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	_, err = bad.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, "stub", ok.Name())

	assert.Equal(t, int64(1), c.Counter("bizpilot_completions_total", "", `provider="stub",outcome="ok"`).Value())
	assert.Equal(t, int64(1), c.Counter("bizpilot_completions_total", "", `provider="stub",outcome="error"`).Value())
	assert.Equal(t, int64(12), c.Counter("bizpilot_completion_tokens_total", "", `provider="stub"`).Value())
	assert.Equal(t, int64(2), c.Histogram("bizpilot_completion_latency_seconds", "", `provider="stub"`, nil).Count())
}

func TestObserveEvents(t *testing.T) {
	c := New()
	eb := bus.NewEventBus(slog.New(slog.DiscardHandler))
	c.ObserveEvents(eb)

	eb.Notify(domain.Notification{Type: domain.EventLoadingChanged, SessionID: "cli", Data: map[string]any{"is_loading": true}})
	eb.Notify(domain.Notification{Type: domain.EventLoadingChanged, SessionID: "api:bob", Data: map[string]any{"is_loading": true}})
	eb.Notify(domain.Notification{Type: domain.EventLoadingChanged, SessionID: "cli", Data: map[string]any{"is_loading": true}})
	assert.Equal(t, int64(2), c.Gauge("bizpilot_sessions_busy", "", "").Value())

	eb.Notify(domain.Notification{Type: domain.EventLoadingChanged, SessionID: "cli", Data: map[string]any{"is_loading": false}})
	assert.Equal(t, int64(1), c.Gauge("bizpilot_sessions_busy", "", "").Value())

	eb.Notify(domain.Notification{Type: domain.EventEngineError, SessionID: "cli"})
	eb.Notify(domain.Notification{Type: domain.EventTitleAssigned, Data: map[string]any{"title": "x", "fallback": true}})
	eb.Notify(domain.Notification{Type: domain.EventTitleAssigned, Data: map[string]any{"title": "y", "fallback": false}})

	assert.Equal(t, int64(1), c.Counter("bizpilot_turn_failures_total", "", "").Value())
	assert.Equal(t, int64(1), c.Counter("bizpilot_title_fallbacks_total", "", "").Value())
	assert.Equal(t, int64(2), c.Counter("bizpilot_events_total", "", `type="conversation.titled"`).Value())
}
