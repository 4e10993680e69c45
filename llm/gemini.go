package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/sjson"
	"google.golang.org/genai"

	"canvas_study_assistant/prompt"
)

// GeminiAdapter is a search-grounded backend using Google Search grounding.
type GeminiAdapter struct {
	model  string
	client *genai.Client
}

func NewGeminiAdapter(ctx context.Context, cfg Settings) (*GeminiAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini adapter: api key missing")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini adapter: %w", err)
	}
	return &GeminiAdapter{model: model, client: client}, nil
}

func (a *GeminiAdapter) Model() string { return a.model }

func (a *GeminiAdapter) Generate(ctx context.Context, p prompt.Prompt, params Params) (RawResult, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(params.Temperature)),
	}
	if params.TokenBudget > 0 {
		cfg.MaxOutputTokens = int32(params.TokenBudget)
	}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	if params.MaxSources > 0 {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(p.User), cfg)
	if err != nil {
		return RawResult{}, wrapError("gemini", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return RawResult{}, malformed("gemini", "no candidates")
	}
	cand := resp.Candidates[0]

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return RawResult{}, malformed("gemini", "empty candidate text")
	}

	var sources []json.RawMessage
	if gm := cand.GroundingMetadata; gm != nil && params.MaxSources > 0 {
		var supports []groundingSupport
		for _, s := range gm.GroundingSupports {
			if s == nil || s.Segment == nil {
				continue
			}
			gs := groundingSupport{end: int(s.Segment.EndIndex)}
			for _, idx := range s.GroundingChunkIndices {
				gs.chunks = append(gs.chunks, int(idx))
			}
			supports = append(supports, gs)
		}
		text = insertSupportMarkers(text, supports)
		for _, ch := range gm.GroundingChunks {
			if ch == nil || ch.Web == nil {
				sources = append(sources, json.RawMessage(`{}`))
				continue
			}
			sources = append(sources, webSource(ch.Web.URI, ch.Web.Title))
		}
	}

	model := resp.ModelVersion
	if model == "" {
		model = a.model
	}
	return RawResult{
		Text:    strings.TrimSpace(text),
		Sources: limitSources(sources, params.MaxSources),
		Model:   model,
	}, nil
}

type groundingSupport struct {
	end    int
	chunks []int
}

// insertSupportMarkers appends [n] markers (1-based chunk numbers) at the
// byte offset where each supported segment ends. Offsets outside the text
// or inside a multi-byte rune are ignored.
func insertSupportMarkers(text string, supports []groundingSupport) string {
	byEnd := map[int][]int{}
	for _, s := range supports {
		if s.end <= 0 || s.end > len(text) || len(s.chunks) == 0 {
			continue
		}
		if s.end < len(text) && !isRuneStart(text[s.end]) {
			continue
		}
		for _, c := range s.chunks {
			if c < 0 {
				continue
			}
			byEnd[s.end] = appendUnique(byEnd[s.end], c+1)
		}
	}
	if len(byEnd) == 0 {
		return text
	}
	ends := make([]int, 0, len(byEnd))
	for e := range byEnd {
		ends = append(ends, e)
	}
	sort.Ints(ends)

	var sb strings.Builder
	prev := 0
	for _, e := range ends {
		sb.WriteString(text[prev:e])
		for _, n := range byEnd[e] {
			sb.WriteString(fmt.Sprintf("[%d]", n))
		}
		prev = e
	}
	sb.WriteString(text[prev:])
	return sb.String()
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func appendUnique(xs []int, n int) []int {
	for _, x := range xs {
		if x == n {
			return xs
		}
	}
	return append(xs, n)
}

func webSource(uri, title string) json.RawMessage {
	out := "{}"
	if uri != "" {
		out, _ = sjson.Set(out, "url", uri)
	}
	if title != "" {
		out, _ = sjson.Set(out, "title", title)
	}
	return json.RawMessage(out)
}
