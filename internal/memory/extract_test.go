package memory

import (
	"context"
	"errors"
	"testing"

	"bizpilot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMsg(content string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: content}
}

func TestHeuristicExtractor(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		key   string
		value string
	}{
		{"name", "Hi, my name is Dana Ruiz.", "user_name", "Dana Ruiz"},
		{"business name", "Our company is called Ruiz Bakery, we sell bread", "business_name", "Ruiz Bakery"},
		{"location", "We're based in Austin, Texas", "location", "Austin"},
		{"employer", "I work at Globex", "employer", "Globex"},
		{"preference", "I prefer email over phone calls.", "prefers_email_over_phone_calls", "email over phone calls"},
		{"instruction", "Remember that our fiscal year ends in June", "remember_our_fiscal_year_ends", "our fiscal year ends in June"},
		{"rule", "Thanks. Always answer in Spanish.", "rule_always_answer_in_spanish", "Always answer in Spanish"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := HeuristicExtractor{}.Extract(context.Background(), []domain.Message{userMsg(tt.text)})
			require.NoError(t, err)
			require.NotEmpty(t, items)
			assert.Equal(t, tt.key, items[0].Key)
			assert.Equal(t, tt.value, items[0].Value)
		})
	}
}

func TestHeuristicExtractor_IgnoresAssistantAndSmallTalk(t *testing.T) {
	items, err := HeuristicExtractor{}.Extract(context.Background(), []domain.Message{
		userMsg("Help me register an LLC"),
		{Role: domain.RoleAssistant, Content: "Sure! My name is Assistant."},
	})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHeuristicExtractor_LaterMessageWins(t *testing.T) {
	items, err := HeuristicExtractor{}.Extract(context.Background(), []domain.Message{
		userMsg("I live in Denver"),
		userMsg("Actually I live in Boulder"),
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Boulder", items[0].Value)
}

type stubProvider struct {
	reply string
	err   error
	calls int
}

func (p *stubProvider) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Content: p.reply}, nil
}
func (p *stubProvider) Name() string                    { return "stub" }
func (p *stubProvider) Healthy(_ context.Context) error { return nil }

func TestLLMExtractor_ParsesFencedJSON(t *testing.T) {
	p := &stubProvider{reply: "Here you go:\n```json\n[{\"key\":\"Business Name\",\"value\":\"Acme\",\"category\":\"business\",\"importance\":12},{\"key\":\"\",\"value\":\"x\"}]\n```"}
	items, err := LLMExtractor{Provider: p}.Extract(context.Background(), []domain.Message{userMsg("we are Acme")})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "business_name", items[0].Key)
	assert.Equal(t, "Acme", items[0].Value)
	assert.Equal(t, 10, items[0].Importance)
}

func TestLLMExtractor_FallsBackOnFailure(t *testing.T) {
	transcript := []domain.Message{userMsg("My name is Lee")}

	failing := &stubProvider{err: errors.New("timeout")}
	items, err := LLMExtractor{Provider: failing, Fallback: HeuristicExtractor{}}.Extract(context.Background(), transcript)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "user_name", items[0].Key)

	garbled := &stubProvider{reply: "no facts today"}
	_, err = LLMExtractor{Provider: garbled}.Extract(context.Background(), transcript)
	assert.ErrorIs(t, err, errNoJSONArray)
}
