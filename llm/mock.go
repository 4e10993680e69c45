package llm

import (
	"context"
	"encoding/json"
	"strings"

	"canvas_study_assistant/prompt"
)

// MockAdapter answers offline for local runs. It echoes the tail of the
// rendered prompt and, when sources are requested, cites one fake source.
type MockAdapter struct {
	model string
}

func NewMockAdapter(model string) *MockAdapter {
	if model == "" {
		model = "mock"
	}
	return &MockAdapter{model: model}
}

func (m *MockAdapter) Model() string { return m.model }

func (m *MockAdapter) Generate(ctx context.Context, p prompt.Prompt, params Params) (RawResult, error) {
	if err := ctx.Err(); err != nil {
		return RawResult{}, wrapError("mock", err)
	}
	question := p.User
	if i := strings.LastIndex(question, "\n"); i >= 0 {
		question = question[i+1:]
	}

	var sb strings.Builder
	sb.WriteString("## Summary\n\n")
	sb.WriteString("This is an offline answer generated without calling a model.\n\n")
	sb.WriteString("## Your question\n\n")
	sb.WriteString("> " + strings.TrimSpace(question))
	var sources []json.RawMessage
	if params.MaxSources > 0 {
		sb.WriteString(" [1]")
		sources = append(sources, json.RawMessage(`{"url":"https://example.com/mock-source","title":"Mock source"}`))
	}
	sb.WriteString("\n")
	return RawResult{Text: sb.String(), Sources: sources, Model: m.model}, nil
}
