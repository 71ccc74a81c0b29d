package enrichment

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func defaultCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// CountTokens estimates the prompt tokens of messages with the cl100k_base
// encoding. Each message adds a small fixed overhead for its role framing.
func CountTokens(messages []Message) (int, error) {
	enc, err := defaultCodec()
	if err != nil {
		return 0, fmt.Errorf("load tokenizer: %w", err)
	}
	total := 0
	for _, m := range messages {
		ids, _, err := enc.Encode(m.Content)
		if err != nil {
			return 0, fmt.Errorf("encode message: %w", err)
		}
		total += len(ids) + 4
	}
	return total, nil
}
