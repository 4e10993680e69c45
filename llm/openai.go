package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"canvas_study_assistant/prompt"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// ChatAdapter is the fast/structured backend: a plain chat completion over an
// OpenAI-compatible endpoint (Groq by default). It never returns sources.
type ChatAdapter struct {
	provider string
	model    string
	client   openai.Client
}

func NewChatAdapter(cfg Settings) (*ChatAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("chat adapter: api key missing")
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "groq"
	}
	model := cfg.Model
	if model == "" {
		if provider != "groq" {
			return nil, errors.New("chat adapter: model is required")
		}
		model = "llama-3.1-8b-instant"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" && provider == "groq" {
		baseURL = groqBaseURL
	}
	return &ChatAdapter{
		provider: provider,
		model:    model,
		client:   openai.NewClient(clientOptions(cfg.APIKey, baseURL)...),
	}, nil
}

func (a *ChatAdapter) Model() string { return a.model }

func (a *ChatAdapter) Generate(ctx context.Context, p prompt.Prompt, params Params) (RawResult, error) {
	resp, err := a.client.Chat.Completions.New(ctx, chatParams(a.model, p, params))
	if err != nil {
		return RawResult{}, wrapError(a.provider, err)
	}
	text, model, err := firstChoice(a.provider, resp)
	if err != nil {
		return RawResult{}, err
	}
	if model == "" {
		model = a.model
	}
	return RawResult{Text: text, Model: model}, nil
}

// Retries are disabled because the router owns the single fallback.
func clientOptions(apiKey, baseURL string) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return opts
}

func chatParams(model string, p prompt.Prompt, params Params) openai.ChatCompletionNewParams {
	var msgs []openai.ChatCompletionMessageParamUnion
	if p.System != "" {
		msgs = append(msgs, openai.SystemMessage(p.System))
	}
	msgs = append(msgs, openai.UserMessage(p.User))

	out := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    msgs,
		Temperature: openai.Float(params.Temperature),
	}
	if params.TokenBudget > 0 {
		out.MaxTokens = openai.Int(int64(params.TokenBudget))
	}
	return out
}

func firstChoice(provider string, resp *openai.ChatCompletion) (string, string, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return "", "", malformed(provider, "empty choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", "", malformed(provider, "empty message content")
	}
	return text, resp.Model, nil
}
