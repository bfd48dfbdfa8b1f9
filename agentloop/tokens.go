package agentloop

import (
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role and separator tokens each chat
// message costs.
const perMessageOverhead = 4

// TokenCounter counts tokens with the cl100k_base encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter loads the cl100k_base codec.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the token count of text. A nil counter, or an encoding
// failure, falls back to four characters per token.
func (c *TokenCounter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// CountMessages estimates the prompt size of a message log.
func (c *TokenCounter) CountMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + c.Count(m.Content)
		for _, tc := range m.ToolCalls {
			total += c.Count(tc.Name) + c.Count(string(tc.Arguments))
		}
	}
	return total
}
