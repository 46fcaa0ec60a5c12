package main

import (
	"log"
	"math"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tokenEncoding     *tiktoken.Tiktoken
	tokenEncodingOnce sync.Once

	loadTokenEncoding = func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding("cl100k_base")
	}
)

// estimateTokens counts cl100k tokens in text, falling back to a word
// heuristic when the encoding cannot be loaded
func estimateTokens(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	tokenEncodingOnce.Do(func() {
		enc, err := loadTokenEncoding()
		if err != nil {
			log.Printf("[Tokens] cl100k_base unavailable, using word estimate: %v", err)
			return
		}
		tokenEncoding = enc
	})
	if tokenEncoding == nil {
		return estimateTokensByWords(text)
	}
	return len(tokenEncoding.Encode(text, nil, nil))
}

// estimateTokensByWords is words × 1.3, rounded up
func estimateTokensByWords(text string) int {
	return int(math.Ceil(float64(len(strings.Fields(text))) * 1.3))
}
