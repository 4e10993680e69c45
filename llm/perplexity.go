package llm

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/openai/openai-go"
	"github.com/tidwall/gjson"

	"canvas_study_assistant/prompt"
)

const perplexityBaseURL = "https://api.perplexity.ai"

// PerplexityAdapter is a search-grounded backend. Perplexity speaks the
// chat-completions protocol and adds citations outside the OpenAI schema,
// so sources are read from the raw response body.
type PerplexityAdapter struct {
	model  string
	client openai.Client
}

func NewPerplexityAdapter(cfg Settings) (*PerplexityAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("perplexity adapter: api key missing")
	}
	model := cfg.Model
	if model == "" {
		model = "sonar"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = perplexityBaseURL
	}
	return &PerplexityAdapter{
		model:  model,
		client: openai.NewClient(clientOptions(cfg.APIKey, baseURL)...),
	}, nil
}

func (a *PerplexityAdapter) Model() string { return a.model }

func (a *PerplexityAdapter) Generate(ctx context.Context, p prompt.Prompt, params Params) (RawResult, error) {
	resp, err := a.client.Chat.Completions.New(ctx, chatParams(a.model, p, params))
	if err != nil {
		return RawResult{}, wrapError("perplexity", err)
	}
	text, model, err := firstChoice("perplexity", resp)
	if err != nil {
		return RawResult{}, err
	}
	if model == "" {
		model = a.model
	}
	return RawResult{
		Text:    text,
		Sources: limitSources(extractCitations(resp.RawJSON()), params.MaxSources),
		Model:   model,
	}, nil
}

// extractCitations prefers the structured search_results array and falls
// back to the older citations array of bare URLs. Elements are passed on
// untouched; shape checking belongs to the formatter.
func extractCitations(body string) []json.RawMessage {
	if body == "" || !gjson.Valid(body) {
		return nil
	}
	for _, path := range []string{"search_results", "citations"} {
		res := gjson.Get(body, path)
		if !res.IsArray() {
			continue
		}
		items := res.Array()
		if len(items) == 0 {
			continue
		}
		out := make([]json.RawMessage, 0, len(items))
		for _, it := range items {
			out = append(out, json.RawMessage(it.Raw))
		}
		return out
	}
	return nil
}
