package channel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bizpilot/internal/agent"
	"bizpilot/internal/domain"
)

// ChatCommand is a parsed slash command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string
	Handled  bool // false means the text goes to the model as a normal message
	Quit     bool
}

// ParseCommand returns nil unless text starts with "/".
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	// Telegram appends the bot name: /list@bizpilot_bot
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return &ChatCommand{Name: name, Args: parts[1:], Raw: text}
}

// rest returns the raw text after the command word.
func (c *ChatCommand) rest() string {
	_, after, _ := strings.Cut(c.Raw, " ")
	return strings.TrimSpace(after)
}

// HandleCommand runs cmd against the session engine. Errors come back as
// the response text; the engine has already logged them.
func HandleCommand(ctx context.Context, e *agent.Engine, cmd *ChatCommand) CommandResult {
	switch cmd.Name {
	case "help", "start":
		return CommandResult{Response: helpText(), Handled: true}

	case "quit", "exit", "q":
		return CommandResult{Handled: true, Quit: true}

	case "new":
		e.CreateConversation()
		return CommandResult{Response: "Started a new conversation.", Handled: true}

	case "clear":
		e.ClearMessages()
		return CommandResult{Response: "Cleared the messages on screen. The conversation is kept.", Handled: true}

	case "list":
		if err := e.RefreshConversations(ctx); err != nil {
			return failed(err)
		}
		return CommandResult{Response: conversationList(e.State()), Handled: true}

	case "load":
		conv, err := resolveConversation(e.State(), cmd.Args)
		if err != nil {
			return failed(err)
		}
		if err := e.LoadConversation(ctx, conv.ID); err != nil {
			return failed(err)
		}
		return CommandResult{Response: transcript(e.State()), Handled: true}

	case "delete":
		conv, err := resolveConversation(e.State(), cmd.Args)
		if err != nil {
			return failed(err)
		}
		if err := e.DeleteConversation(ctx, conv.ID); err != nil {
			return failed(err)
		}
		return CommandResult{Response: fmt.Sprintf("Deleted %q.", conv.Title), Handled: true}

	case "retitle":
		st := e.State()
		var id string
		if len(cmd.Args) > 0 {
			conv, err := resolveConversation(st, cmd.Args)
			if err != nil {
				return failed(err)
			}
			id = conv.ID
		} else if st.CurrentConversation != nil {
			id = st.CurrentConversation.ID
		} else {
			return CommandResult{Response: "No conversation is open.", Handled: true}
		}
		if err := e.RegenerateTitle(ctx, id); err != nil {
			return failed(err)
		}
		return CommandResult{Response: "Generating a new title...", Handled: true}

	case "remember":
		key, value, ok := strings.Cut(cmd.rest(), "=")
		if !ok {
			return CommandResult{Response: "Usage: /remember key=value", Handled: true}
		}
		if err := e.SaveMemory(ctx, key, value); err != nil {
			return failed(err)
		}
		return CommandResult{Response: fmt.Sprintf("Remembered %s.", strings.TrimSpace(key)), Handled: true}

	case "forget":
		if len(cmd.Args) == 0 {
			return CommandResult{Response: "Usage: /forget key", Handled: true}
		}
		if err := e.ForgetMemory(ctx, cmd.Args[0]); err != nil {
			return failed(err)
		}
		return CommandResult{Response: fmt.Sprintf("Forgot %s.", cmd.Args[0]), Handled: true}

	case "memory":
		items, err := e.Memories(ctx)
		if err != nil {
			return failed(err)
		}
		return CommandResult{Response: memoryList(items), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func failed(err error) CommandResult {
	return CommandResult{Response: "Error: " + err.Error(), Handled: true}
}

// resolveConversation accepts a 1-based list position or an id (prefix).
func resolveConversation(st agent.State, args []string) (domain.Conversation, error) {
	if len(args) == 0 {
		return domain.Conversation{}, &domain.ValidationError{Field: "conversation", Reason: "missing number or id"}
	}
	ref := args[0]
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(st.Conversations) {
			return domain.Conversation{}, &domain.ValidationError{Field: "conversation", Reason: fmt.Sprintf("no conversation #%d, try /list", n)}
		}
		return st.Conversations[n-1], nil
	}
	for _, c := range st.Conversations {
		if strings.HasPrefix(c.ID, ref) {
			return c, nil
		}
	}
	return domain.Conversation{ID: ref, Title: ref}, nil
}

func helpText() string {
	return `BizPilot commands

/new            Start a new conversation
/list           List your conversations
/load <n|id>    Open a conversation
/delete <n|id>  Delete a conversation
/retitle [n|id] Generate a new title
/clear          Clear the messages on screen
/remember k=v   Save a fact about you or your business
/forget <key>   Remove a saved fact
/memory         Show saved facts
/help           Show this message`
}

func conversationList(st agent.State) string {
	if len(st.Conversations) == 0 {
		return "No conversations yet."
	}
	var sb strings.Builder
	for i, c := range st.Conversations {
		marker := " "
		if st.CurrentConversation != nil && st.CurrentConversation.ID == c.ID {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %2d. %s  (%s)\n", marker, i+1, c.Title, c.UpdatedAt.Local().Format(time.DateTime))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func transcript(st agent.State) string {
	var sb strings.Builder
	if st.CurrentConversation != nil {
		fmt.Fprintf(&sb, "== %s ==\n", st.CurrentConversation.Title)
	}
	for _, m := range st.Messages {
		fmt.Fprintf(&sb, "%s: %s\n", speaker(m.Role), m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func speaker(r domain.Role) string {
	if r == domain.RoleAssistant {
		return "BizPilot"
	}
	return "You"
}

func memoryList(items []domain.MemoryItem) string {
	if len(items) == 0 {
		return "Nothing saved yet. Use /remember key=value."
	}
	var sb strings.Builder
	for _, it := range items {
		fmt.Fprintf(&sb, "- %s: %s", it.Key, it.Value)
		if it.Category != "" {
			fmt.Fprintf(&sb, " [%s]", it.Category)
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
