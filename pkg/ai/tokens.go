package ai

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/OFFIS-RIT/kiwi/ingest/internal/util"
	"github.com/OFFIS-RIT/kiwi/ingest/pkg/logger"
)

const tokenEncoding = "o200k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			logger.Warn("[AI] Token encoder unavailable, falling back to rune counts", "err", err)
			return
		}
		enc = e
	})
	return enc
}

// CountTokens estimates the number of model tokens in text.
func CountTokens(text string) int {
	if e := encoder(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return utf8.RuneCountInString(text)
}

// TruncateTokens cuts text to at most maxTokens tokens. A token never spans
// less than one byte, so text that is already short enough is returned
// without loading the encoder.
func TruncateTokens(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || len(text) <= maxTokens {
		return text, false
	}
	e := encoder()
	if e == nil {
		cut := util.TruncateRunes(text, maxTokens)
		return cut, len(cut) < len(text)
	}
	tokens := e.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, false
	}
	return e.Decode(tokens[:maxTokens]), true
}
