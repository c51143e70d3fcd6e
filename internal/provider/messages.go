package provider

import (
	"strings"

	"bizpilot/internal/domain"
)

// systemPrompt joins every system message of req and appends the form
// context, if any. Backends that take the system prompt out of band use it.
func systemPrompt(req domain.ChatRequest) string {
	var parts []string
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	if fc := strings.TrimSpace(req.FormContext); fc != "" {
		parts = append(parts, "## Form context\n"+fc)
	}
	return strings.Join(parts, "\n\n")
}

// dialogue returns the non-system messages in order.
func dialogue(req domain.ChatRequest) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role != domain.RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// withSystemFirst rewrites req.Messages so the merged system prompt is the
// single leading message. Used by backends that take it inline.
func withSystemFirst(req domain.ChatRequest) []domain.ChatMessage {
	sys := systemPrompt(req)
	rest := dialogue(req)
	if sys == "" {
		return rest
	}
	return append([]domain.ChatMessage{{Role: domain.RoleSystem, Content: sys}}, rest...)
}
