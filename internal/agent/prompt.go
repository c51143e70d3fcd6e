package agent

import (
	"strings"
	"time"

	"bizpilot/internal/domain"

	"gopkg.in/yaml.v3"
)

const defaultPersona = `# BizPilot

You are BizPilot, an assistant for small-business owners. You help with company formation,
compliance deadlines, licensing, bookkeeping basics, and day-to-day operations.

## RULES
1. Use what you know about the user and their business; don't ask for facts already listed below.
2. When a form is being filled, reply with the values in a fenced block so the app can pre-fill it.
3. Say plainly when something needs a lawyer or accountant.
4. Respond in the same language the user writes in.
5. Be accurate and concise.`

// AssemblerConfig configures the ContextAssembler.
type AssemblerConfig struct {
	Persona string
	// Profile holds caller-supplied profile and business facts.
	Profile map[string]any
	// Window is how many recent messages are sent (K). Defaults to 5.
	Window int
	Now    func() time.Time
}

// ContextAssembler builds the message list for one completion call:
// [system, last K messages..., new user message].
type ContextAssembler struct {
	persona string
	profile string
	window  int
	now     func() time.Time
}

func NewContextAssembler(cfg AssemblerConfig) *ContextAssembler {
	if cfg.Persona == "" {
		cfg.Persona = defaultPersona
	}
	if cfg.Window <= 0 {
		cfg.Window = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ContextAssembler{
		persona: cfg.Persona,
		profile: renderProfile(cfg.Profile),
		window:  cfg.Window,
		now:     cfg.Now,
	}
}

func (a *ContextAssembler) Window() int { return a.window }

// renderProfile writes the profile as YAML, which yaml.v3 emits with sorted keys.
func renderProfile(profile map[string]any) string {
	if len(profile) == 0 {
		return ""
	}
	out, err := yaml.Marshal(profile)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// SystemPrompt is the persona, the user-context block, and the memory summary.
func (a *ContextAssembler) SystemPrompt(memoryText string) string {
	var sb strings.Builder
	sb.WriteString(a.persona)
	sb.WriteString("\n\n## Today\n")
	sb.WriteString(a.now().Format("2006-01-02 (Monday)"))
	if a.profile != "" {
		sb.WriteString("\n\n## User Context\n")
		sb.WriteString(a.profile)
	}
	if memoryText = strings.TrimSpace(memoryText); memoryText != "" {
		sb.WriteString("\n\n")
		sb.WriteString(memoryText)
	}
	return sb.String()
}

// Build assembles the prompt. history is everything before the new message;
// only its last K entries are used, in their original order.
func (a *ContextAssembler) Build(memoryText string, history []domain.Message, content string) []domain.ChatMessage {
	recent := recentWindow(history, a.window)
	out := make([]domain.ChatMessage, 0, len(recent)+2)
	out = append(out, domain.ChatMessage{Role: domain.RoleSystem, Content: a.SystemPrompt(memoryText)})
	for _, m := range recent {
		out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(out, domain.ChatMessage{Role: domain.RoleUser, Content: content})
}

func recentWindow(msgs []domain.Message, k int) []domain.Message {
	if len(msgs) <= k {
		return msgs
	}
	return msgs[len(msgs)-k:]
}
