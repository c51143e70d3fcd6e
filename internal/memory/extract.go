package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"bizpilot/internal/domain"

	"github.com/tidwall/gjson"
)

// Extractor derives durable facts from a transcript. Keys must be stable so
// re-running over a longer transcript updates rather than duplicates.
type Extractor interface {
	Extract(ctx context.Context, transcript []domain.Message) ([]domain.MemoryItem, error)
}

type factPattern struct {
	re         *regexp.Regexp
	key        string // fixed key; empty means derive from the captured value
	prefix     string // key prefix for derived keys
	category   string
	importance int
}

var factPatterns = []factPattern{
	{re: regexp.MustCompile(`(?i)\bmy name is ([^.,!?\n]+)`), key: "user_name", category: "fact", importance: 9},
	{re: regexp.MustCompile(`(?i)\b(?:my|our) (?:business|company|llc|startup) (?:is called|is named|name is) ([^.,!?\n]+)`), key: "business_name", category: "business", importance: 9},
	{re: regexp.MustCompile(`(?i)\b(?:my|our) (?:business|company) is (?:an?|in the) ([^.,!?\n]+)`), key: "business_type", category: "business", importance: 8},
	{re: regexp.MustCompile(`(?i)\b(?:i live in|i am from|i'm from|we are based in|we're based in|i'm based in) ([^.,!?\n]+)`), key: "location", category: "fact", importance: 8},
	{re: regexp.MustCompile(`(?i)\bi work at ([^.,!?\n]+)`), key: "employer", category: "fact", importance: 8},
	{re: regexp.MustCompile(`(?i)\b(?:my job is|i work as an?) ([^.,!?\n]+)`), key: "occupation", category: "fact", importance: 7},
	{re: regexp.MustCompile(`(?i)\bi (?:prefer|like|love) ([^.!?\n]+)`), prefix: "prefers", category: "preference", importance: 7},
	{re: regexp.MustCompile(`(?i)\bi (?:hate|don't like|do not like) ([^.!?\n]+)`), prefix: "dislikes", category: "preference", importance: 7},
	{re: regexp.MustCompile(`(?i)\b(?:remember that|don't forget|keep in mind that|keep in mind) ([^.!?\n]+)`), prefix: "remember", category: "instruction", importance: 8},
	{re: regexp.MustCompile(`(?i)(?:^|[.!?]\s+)(always|never) ([^.!?\n]+)`), prefix: "rule", category: "instruction", importance: 8},
}

// HeuristicExtractor matches phrase patterns in the user's own messages.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(_ context.Context, transcript []domain.Message) ([]domain.MemoryItem, error) {
	found := make(map[string]domain.MemoryItem)
	var order []string
	for _, m := range transcript {
		if m.Role != domain.RoleUser {
			continue
		}
		for _, it := range extractFacts(m.Content) {
			if _, seen := found[it.Key]; !seen {
				order = append(order, it.Key)
			}
			// Later messages win.
			found[it.Key] = it
		}
	}
	items := make([]domain.MemoryItem, 0, len(order))
	for _, k := range order {
		items = append(items, found[k])
	}
	return items, nil
}

func extractFacts(text string) []domain.MemoryItem {
	var items []domain.MemoryItem
	for _, p := range factPatterns {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			value := strings.TrimSpace(strings.Join(m[1:], " "))
			if value == "" {
				continue
			}
			key := p.key
			if key == "" {
				key = p.prefix + "_" + slugify(value, 4)
			}
			items = append(items, domain.MemoryItem{
				Key:        key,
				Value:      value,
				Category:   p.category,
				Importance: p.importance,
			})
		}
	}
	return items
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases s and keeps at most maxWords words joined by underscores.
func slugify(s string, maxWords int) string {
	words := strings.Fields(nonSlug.ReplaceAllString(strings.ToLower(s), " "))
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, "_")
}

const extractPrompt = `You maintain long-term memory for a business assistant.
From the conversation below, list durable facts about the user or their business that
will still matter in future conversations (names, locations, entity type, preferences, standing instructions).
Ignore small talk and anything temporary.

Reply with ONLY a JSON array. Each element: {"key": "snake_case_key", "value": "...", "category": "fact|business|preference|instruction", "importance": 1-10}.
Reuse the same key for the same kind of fact. Reply [] if there is nothing worth remembering.`

// LLMExtractor asks the completion provider to pick out facts. Any failure
// falls through to Fallback when one is set.
type LLMExtractor struct {
	Provider domain.Provider
	Fallback Extractor
	// Window is how many trailing messages are sent; defaults to 12.
	Window int
}

var errNoJSONArray = errors.New("reply contains no JSON array")

func (x LLMExtractor) Extract(ctx context.Context, transcript []domain.Message) ([]domain.MemoryItem, error) {
	items, err := x.extract(ctx, transcript)
	if err != nil && x.Fallback != nil {
		return x.Fallback.Extract(ctx, transcript)
	}
	return items, err
}

func (x LLMExtractor) extract(ctx context.Context, transcript []domain.Message) ([]domain.MemoryItem, error) {
	window := x.Window
	if window <= 0 {
		window = 12
	}
	if len(transcript) > window {
		transcript = transcript[len(transcript)-window:]
	}

	var sb strings.Builder
	for _, m := range transcript {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	resp, err := x.Provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: extractPrompt},
			{Role: domain.RoleUser, Content: sb.String()},
		},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return nil, &domain.CompletionError{Provider: x.Provider.Name(), Err: err}
	}
	return parseExtractedItems(resp.Content)
}

// parseExtractedItems tolerates prose or code fences around the array.
func parseExtractedItems(reply string) ([]domain.MemoryItem, error) {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil, errNoJSONArray
	}
	raw := reply[start : end+1]
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("invalid JSON array in reply")
	}

	var items []domain.MemoryItem
	gjson.Parse(raw).ForEach(func(_, v gjson.Result) bool {
		key := slugify(v.Get("key").String(), 6)
		value := strings.TrimSpace(v.Get("value").String())
		if key == "" || value == "" {
			return true
		}
		importance := int(v.Get("importance").Int())
		if importance < 0 {
			importance = 0
		} else if importance > 10 {
			importance = 10
		}
		items = append(items, domain.MemoryItem{
			Key:        key,
			Value:      value,
			Category:   v.Get("category").String(),
			Importance: importance,
		})
		return true
	})
	return items, nil
}
