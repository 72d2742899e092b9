// Package utils provides shared helpers for the swarmgate gateway.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter provides token counts for context-pressure accounting. It uses
// a tiktoken encoding when one is available for the model and falls back to a
// rough chars/4 estimate otherwise.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model. It never fails hard:
// an unknown model falls back to cl100k_base, and if even that cannot load
// the counter estimates instead.
func NewTokenCounter(model string) *TokenCounter {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return &TokenCounter{model: model}
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountWithOverhead counts a message list including per-message role overhead,
// following the OpenAI chat format accounting.
func (tc *TokenCounter) CountWithOverhead(texts []string) int {
	const tokensPerMessage = 3

	total := 3 // reply priming
	for _, text := range texts {
		total += tokensPerMessage + tc.Count(text)
	}
	return total
}

// Model returns the model this counter was built for.
func (tc *TokenCounter) Model() string { return tc.model }

// EstimateTokens is the rough chars/4 fallback used when no encoding loads.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// FormatTokenPressure renders used/budget as a ratio string for alerts.
func FormatTokenPressure(used, budget int) string {
	if budget <= 0 {
		return fmt.Sprintf("%d tokens", used)
	}
	return fmt.Sprintf("%d/%d tokens (%.0f%%)", used, budget, float64(used)/float64(budget)*100)
}
