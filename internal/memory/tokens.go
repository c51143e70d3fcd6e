package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many model tokens a string costs.
type TokenCounter interface {
	Count(s string) int
}

// WordCounter is the offline estimate: about 0.75 words per token.
type WordCounter struct{}

func (WordCounter) Count(s string) int {
	words := len(strings.Fields(s))
	if words == 0 {
		return 0
	}
	return int(float64(words)/0.75) + 1
}

// TiktokenCounter counts with a BPE encoding. tiktoken-go fetches encoding
// files on first use, so NewTokenCounter falls back to WordCounter when that fails.
type TiktokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

func (c *TiktokenCounter) Count(s string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(s, nil, nil))
}

// NewTokenCounter returns a tiktoken counter for encoding, or WordCounter
// with the load error when the encoding is unavailable.
func NewTokenCounter(encoding string) (TokenCounter, error) {
	if encoding == "" || encoding == "words" {
		return WordCounter{}, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return WordCounter{}, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}
