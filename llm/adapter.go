package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"canvas_study_assistant/prompt"
)

// Backend names a routing slot, not a provider.
type Backend string

const (
	BackendFast   Backend = "fast"
	BackendSearch Backend = "search"
)

// Params are the provider-neutral call parameters chosen by the router.
type Params struct {
	Temperature float64
	MaxSources  int
	TokenBudget int
}

// RawResult is what a backend produced before formatting.
// Sources are kept as raw JSON because providers disagree on their shape:
// some send objects, some send bare URL strings.
type RawResult struct {
	Text    string
	Sources []json.RawMessage
	Model   string
}

// Adapter is implemented once per provider.
type Adapter interface {
	Model() string
	Generate(ctx context.Context, p prompt.Prompt, params Params) (RawResult, error)
}

// Settings configures one adapter.
type Settings struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// NewAdapter builds the adapter for a provider.
func NewAdapter(ctx context.Context, s Settings) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "groq", "openai":
		return NewChatAdapter(s)
	case "perplexity":
		return NewPerplexityAdapter(s)
	case "gemini":
		return NewGeminiAdapter(ctx, s)
	case "mock":
		return NewMockAdapter(s.Model), nil
	case "":
		return nil, errors.New("llm provider is required")
	default:
		return nil, fmt.Errorf("llm provider %s not supported", s.Provider)
	}
}

// limitSources truncates to max; max <= 0 means no sources.
func limitSources(src []json.RawMessage, max int) []json.RawMessage {
	if max <= 0 {
		return nil
	}
	if len(src) > max {
		src = src[:max]
	}
	return src
}
