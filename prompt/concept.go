package prompt

import (
	"fmt"
	"strings"
)

var conceptSections = []struct {
	title  string
	points []string
}{
	{"Definition", []string{"A clear, precise definition", "Key terminology explained", "Essential characteristics"}},
	{"Core Understanding", []string{"Fundamental principles", "How it works", "Why it matters"}},
	{"Examples and Applications", []string{"Concrete examples", "Real-world applications", "Connection to broader concepts"}},
	{"Structure", []string{"How its parts relate", "Patterns worth recognizing"}},
	{"Common Misconceptions", []string{"Points that often cause confusion", "Typical misunderstandings and their fixes"}},
}

func audience(level string) string {
	if desc, ok := levelDescriptions[strings.ToLower(strings.TrimSpace(level))]; ok {
		return desc
	}
	return levelDescriptions["undergraduate"]
}

// RenderConcept produces the instruction for explaining one academic
// concept. detail is the student's own framing and may be empty. Course
// fields in ctx are written only when present.
func RenderConcept(concept, detail string, ctx Context) string {
	var sb strings.Builder
	sb.WriteString("# Explain an academic concept\n\n")

	info := ctx
	info.StudentLevel = ""
	if s := contextInfo(info); s != "" {
		sb.WriteString(s)
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("**Concept:** %s\n", strings.TrimSpace(concept)))
	sb.WriteString(fmt.Sprintf("**Audience:** %s\n", audience(ctx.StudentLevel)))
	if d := strings.TrimSpace(detail); d != "" {
		sb.WriteString(fmt.Sprintf("**Context:** %s\n", d))
	} else {
		sb.WriteString("**Context:** General explanation\n")
	}
	sb.WriteString("\n")

	sb.WriteString("Cover, building from basics to advanced:\n")
	for i, sec := range conceptSections {
		sb.WriteString(fmt.Sprintf("%d. **%s**\n", i+1, sec.title))
		for _, p := range sec.points {
			sb.WriteString("   - " + p + "\n")
		}
	}
	sb.WriteString("\n")

	sb.WriteString("Formatting rules:\n")
	sb.WriteString("- Use Markdown headings, **bold** and lists.\n")
	sb.WriteString("- Use LaTeX for math: $inline$ and $$display$$, and close every delimiter you open.\n")
	sb.WriteString("- Pitch every example at the audience's level.\n")
	return sb.String()
}

// BuildConcept pairs an educator persona for the audience with the
// rendered concept instruction.
func BuildConcept(concept, detail string, ctx Context) Prompt {
	return Prompt{
		System: fmt.Sprintf("You are an expert educator explaining concepts to %s. "+
			"Make your explanations clear, accurate and engaging. Do not use emojis or filler.",
			audience(ctx.StudentLevel)),
		User: RenderConcept(concept, detail, ctx),
	}
}
