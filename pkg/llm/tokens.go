package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Every provider is approximated with the GPT-4 encoding.
//
//nolint:gochecknoglobals // shared codec, loaded once
var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// EstimateTokens counts tokens in text, falling back to 4 characters per token.
func EstimateTokens(text string) int {
	c := getCodec()
	if c == nil {
		return len(text) / 4
	}
	count, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimatePromptTokens counts the tokens of every message in a request.
func EstimatePromptTokens(messages []CompletionMessage) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}
