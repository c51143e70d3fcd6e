package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"bizpilot/internal/domain"
)

const (
	claudeDefaultModel = anthropic.ModelClaude3_7SonnetLatest
	defaultMaxTokens   = 1024
)

// Claude implements domain.Provider for the Anthropic Messages API.
type Claude struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	client      anthropic.Client
	logger      *slog.Logger
}

type ClaudeConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Logger      *slog.Logger
	Options     []option.RequestOption
}

func NewClaude(cfg ClaudeConfig) *Claude {
	if cfg.Model == "" {
		cfg.Model = string(claudeDefaultModel)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(SharedHTTPClient(cfg.Timeout)),
		option.WithMaxRetries(maxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)
	return &Claude{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      anthropic.NewClient(opts...),
		logger:      cfg.Logger.With("provider", "claude"),
	}
}

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Healthy(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("claude: no API key configured")
	}
	return nil
}

func (c *Claude) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	// The Messages API rejects a leading assistant turn and consecutive
	// turns of the same role, so merge neighbours.
	var msgs []anthropic.MessageParam
	var lastRole domain.Role
	for _, m := range dialogue(req) {
		block := anthropic.NewTextBlock(m.Content)
		if len(msgs) > 0 && m.Role == lastRole {
			msgs[len(msgs)-1].Content = append(msgs[len(msgs)-1].Content, block)
			continue
		}
		if m.Role == domain.RoleAssistant {
			if len(msgs) == 0 {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
		lastRole = m.Role
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(firstPositive(req.MaxTokens, c.maxTokens)),
		Messages:  msgs,
	}
	if sys := systemPrompt(req); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if t := firstPositiveFloat(req.Temperature, c.temperature); t > 0 {
		params.Temperature = anthropic.Float(t)
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude chat: %w", err)
	}
	latency := time.Since(start).Milliseconds()

	var text strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		}
	}
	c.logger.Debug("completion", "model", model, "latency_ms", latency,
		"output_tokens", msg.Usage.OutputTokens)

	return &domain.ChatResponse{
		Content:      text.String(),
		FinishReason: string(msg.StopReason),
		Usage: domain.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		LatencyMs: latency,
	}, nil
}
