package memory

import (
	"fmt"
	"strings"

	"bizpilot/internal/domain"
)

const memoryHeader = "## What you know about this user"

// RenderMemoryContext lists items in the given order until the token budget
// runs out. Returns "" when there is nothing to say.
func RenderMemoryContext(items []domain.MemoryItem, budget int, counter TokenCounter) string {
	if len(items) == 0 {
		return ""
	}
	if counter == nil {
		counter = WordCounter{}
	}

	var sb strings.Builder
	sb.WriteString(memoryHeader)
	sb.WriteString("\n")
	used := counter.Count(memoryHeader)
	written := 0
	for _, it := range items {
		line := formatItem(it)
		cost := counter.Count(line)
		if budget > 0 && used+cost > budget {
			break
		}
		sb.WriteString(line)
		sb.WriteString("\n")
		used += cost
		written++
	}
	if written == 0 {
		return ""
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatItem(it domain.MemoryItem) string {
	key := strings.ReplaceAll(it.Key, "_", " ")
	if it.Category != "" {
		return fmt.Sprintf("- [%s] %s: %s", it.Category, key, it.Value)
	}
	return fmt.Sprintf("- %s: %s", key, it.Value)
}
