package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bizpilot/internal/bus"
	"bizpilot/internal/domain"
)

var latencyBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60}

// ObserveEvents counts every engine event by type and keeps a gauge of
// sessions with a turn in flight. It returns the subscription id.
func (c *Collector) ObserveEvents(eb *bus.EventBus) string {
	var mu sync.Mutex
	loading := make(map[string]bool)
	inflight := c.Gauge("bizpilot_sessions_busy", "Sessions with a turn or load in flight", "")
	return eb.On(bus.Wildcard, func(ev bus.Event) {
		c.Counter("bizpilot_events_total", "Engine events by type", fmt.Sprintf("type=%q", ev.Type)).Inc()

		switch ev.Type {
		case domain.EventEngineError:
			c.Counter("bizpilot_turn_failures_total", "Turns that ended with a synthetic error message", "").Inc()
		case domain.EventTitleAssigned:
			if fallback, _ := ev.Payload["fallback"].(bool); fallback {
				c.Counter("bizpilot_title_fallbacks_total", "Titles taken from the first user message", "").Inc()
			}
		case domain.EventLoadingChanged:
			busy, _ := ev.Payload["is_loading"].(bool)
			mu.Lock()
			was := loading[ev.SessionID]
			if busy {
				loading[ev.SessionID] = true
			} else {
				delete(loading, ev.SessionID)
			}
			mu.Unlock()
			if busy && !was {
				inflight.Inc()
			} else if !busy && was {
				inflight.Dec()
			}
		}
	})
}

// InstrumentProvider records request counts, failures and latency for p.
func (c *Collector) InstrumentProvider(p domain.Provider) domain.Provider {
	return &instrumented{Provider: p, c: c}
}

type instrumented struct {
	domain.Provider
	c *Collector
}

func (i *instrumented) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	labels := fmt.Sprintf("provider=%q", i.Name())
	start := time.Now()
	resp, err := i.Provider.Chat(ctx, req)
	i.c.Histogram("bizpilot_completion_latency_seconds", "Completion latency in seconds", labels, latencyBuckets).
		Observe(time.Since(start).Seconds())

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	i.c.Counter("bizpilot_completions_total", "Completion requests by provider and outcome",
		labels+fmt.Sprintf(",outcome=%q", outcome)).Inc()
	if resp != nil {
		i.c.Counter("bizpilot_completion_tokens_total", "Tokens reported by providers", labels).Add(int64(resp.Usage.TotalTokens))
	}
	return resp, err
}
