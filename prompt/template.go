package prompt

import (
	"fmt"
	"strconv"
	"strings"
)

type typeBrief struct {
	label   string
	role    string
	focus   []string
	outline []string
}

var typeBriefs = map[AssignmentType]typeBrief{
	TypeDiscussion: {
		label: "discussion board",
		role:  "an academic discussion facilitator",
		focus: []string{
			"Identify each discussion question and every required response element.",
			"Support the main points with course concepts and concrete examples.",
			"Suggest follow-up questions that invite replies from classmates.",
			"Keep a scholarly tone and cite any outside source.",
		},
		outline: []string{"## Summary", "## Key Requirements", "## Response Plan", "## Example Talking Points", "## Citations (if used)"},
	},
	TypeProblemSet: {
		label: "problem set",
		role:  "a problem-solving tutor",
		focus: []string{
			"State what is given and what must be found.",
			"Name the concepts and formulas that apply.",
			"Work step by step and explain the reasoning at each step.",
			"Check units, dimensions and whether the result is reasonable.",
		},
		outline: []string{"## Given", "## Find", "## Approach", "## Solution", "## Check"},
	},
	TypeEssay: {
		label: "essay",
		role:  "a writing tutor",
		focus: []string{
			"Analyze the prompt and note length and format requirements.",
			"Develop an arguable, specific thesis.",
			"Organize supporting arguments into a clear outline.",
			"Integrate evidence and follow the required citation style.",
		},
		outline: []string{"## Thesis", "## Outline", "## Key Evidence", "## Style & Citations"},
	},
	TypeResearch: {
		label: "research",
		role:  "a research assistant",
		focus: []string{
			"Clarify the research focus and its scope.",
			"Identify credible sources and useful search terms.",
			"Organize findings by theme and point out gaps.",
			"Separate direct quotes from paraphrase.",
		},
		outline: []string{"## Research Question", "## Search Strategy", "## Findings", "## Synthesis", "## References"},
	},
	TypeQuiz: {
		label: "quiz",
		role:  "a study coach",
		focus: []string{
			"Identify the concepts the quiz is likely to test.",
			"Explain each concept with a short worked example.",
			"Offer practice questions for self-testing.",
		},
		outline: []string{"## Concepts Covered", "## Review Notes", "## Practice Questions"},
	},
	TypeGeneric: {
		label: "general",
		role:  "an academic tutor",
		focus: []string{
			"Work out what the assignment requires and how it is evaluated.",
			"Explain the relevant concepts and connect them to course material.",
			"Break the work into manageable steps.",
		},
		outline: []string{"## Summary", "## Requirements", "## Plan", "## Answer/Guidance", "## Sources (if used)"},
	},
}

var helpLabels = map[HelpType]string{
	HelpAnalysis: "Requirement analysis",
	HelpGuidance: "Step-by-step guidance",
	HelpResearch: "Research support",
	HelpSolution: "Worked solution",
}

var helpDirectives = map[HelpType][]string{
	HelpAnalysis: {
		"Break the assignment down into its explicit and implicit requirements.",
		"Explain how the work is likely to be evaluated.",
		"Do not write the submission itself.",
	},
	HelpGuidance: {
		"Guide the student toward their own answer instead of handing over a finished submission.",
		"Explain the method before any worked detail.",
		"End with the next concrete step the student should take.",
	},
	HelpResearch: {
		"Support every factual claim with a source.",
		"Prefer scholarly and primary sources and flag contested claims.",
		"List full references at the end.",
	},
	HelpSolution: {
		"Provide a complete worked solution the student can check their own work against.",
		"Show and justify every step.",
	},
}

type pairKey struct {
	help HelpType
	at   AssignmentType
}

var pairDirectives = map[pairKey][]string{
	{HelpAnalysis, TypeDiscussion}: {
		"Break the discussion prompt into each question it asks and each required element (length, number of replies, citations).",
		"Describe the scholarly tone and kind of evidence the instructor expects.",
	},
	{HelpGuidance, TypeProblemSet}: {
		"Lay out a step-by-step numeric methodology: formula, substitution, computation, units.",
		"Write every equation in display math on its own line as $$ ... $$ and use $ ... $ only for short inline symbols.",
	},
	{HelpSolution, TypeProblemSet}: {
		"Carry every computation through to a final numeric answer with units.",
		"Write every equation in display math on its own line as $$ ... $$.",
	},
	{HelpAnalysis, TypeEssay}: {
		"Explain what each command word in the prompt (argue, compare, evaluate) demands.",
	},
	{HelpGuidance, TypeEssay}: {
		"Offer thesis options for the student to choose from rather than a finished thesis.",
	},
	{HelpResearch, TypeDiscussion}: {
		"Find sources the student can cite in the initial post and in replies.",
	},
	{HelpResearch, TypeResearch}: {
		"Propose a focused research question before listing sources.",
	},
	{HelpSolution, TypeQuiz}: {
		"Explain why each answer is correct so the concept sticks before the quiz.",
	},
}

var levelDescriptions = map[string]string{
	"beginner":      "someone new to this topic with no background",
	"undergraduate": "an undergraduate student with basic academic preparation",
	"graduate":      "a graduate student with advanced academic background",
}

// Render produces the user instruction for one help/assignment type pair.
// Context fields are written only when present and the output always ends
// with the question exactly as given.
func Render(help HelpType, at AssignmentType, ctx Context, question string) string {
	help = ParseHelpType(string(help))
	if at == "" {
		at = ctx.AssignmentType
	}
	brief, ok := typeBriefs[at]
	if !ok {
		at = TypeGeneric
		brief = typeBriefs[TypeGeneric]
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s for a %s assignment\n\n", helpLabels[help], brief.label))

	if info := contextInfo(ctx); info != "" {
		sb.WriteString(info)
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("As %s:\n", brief.role))
	for i, f := range brief.focus {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, f))
	}
	sb.WriteString("\n")

	sb.WriteString("What to deliver:\n")
	for _, d := range helpDirectives[help] {
		sb.WriteString("- " + d + "\n")
	}
	for _, d := range pairDirectives[pairKey{help, at}] {
		sb.WriteString("- " + d + "\n")
	}
	sb.WriteString("\n")

	sb.WriteString("Output format (Markdown sections):\n")
	for _, h := range brief.outline {
		sb.WriteString(h + "\n")
	}
	sb.WriteString("\n")

	sb.WriteString("Formatting rules:\n")
	sb.WriteString("- Use Markdown headings, **bold** and lists.\n")
	sb.WriteString("- Use LaTeX for math: $inline$ and $$display$$, and close every delimiter you open.\n")
	sb.WriteString("- Present tabular data as a Markdown pipe table.\n")
	if help != HelpGuidance {
		sb.WriteString("- Cite sources inline as [1], [2], ... in the order of your source list.\n")
	}
	sb.WriteString("\n")

	if len(ctx.Excerpts) > 0 {
		sb.WriteString("Reference material from course files:\n")
		for _, ex := range ctx.Excerpts {
			name := strings.TrimSpace(ex.Name)
			text := strings.TrimSpace(ex.Text)
			if name == "" && text == "" {
				continue
			}
			if name != "" {
				sb.WriteString("### " + name + "\n")
			}
			if text != "" {
				sb.WriteString(text + "\n")
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Student question:\n")
	sb.WriteString(question)
	return sb.String()
}

// contextInfo renders only the fields that are set.
func contextInfo(ctx Context) string {
	var lines []string
	add := func(label, value string) {
		if v := strings.TrimSpace(value); v != "" {
			lines = append(lines, fmt.Sprintf("**%s:** %s", label, v))
		}
	}
	add("Course", ctx.CourseName)
	add("Subject Area", ctx.CourseSubject)
	add("Assignment", ctx.AssignmentName)
	if ctx.DueDate != nil && !ctx.DueDate.IsZero() {
		add("Due Date", ctx.DueDate.Format("2006-01-02 15:04 MST"))
	}
	if ctx.PointsPossible != nil {
		add("Points", strconv.FormatFloat(*ctx.PointsPossible, 'f', -1, 64))
	}
	if len(ctx.SubmissionTypes) > 0 {
		add("Submission Types", strings.Join(ctx.SubmissionTypes, ", "))
	}
	if level := strings.TrimSpace(ctx.StudentLevel); level != "" {
		if desc, ok := levelDescriptions[strings.ToLower(level)]; ok {
			add("Audience", desc)
		} else {
			add("Academic Level", level)
		}
	}
	add("Prior Performance", ctx.PerformanceHint)
	if d := strings.TrimSpace(ctx.Description); d != "" {
		lines = append(lines, "**Description:**\n"+d)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// SystemPrompt returns the persona for a help type.
func SystemPrompt(help HelpType) string {
	if ParseHelpType(string(help)) == HelpResearch {
		return "You are a research assistant helping a student with academic work. " +
			"Support factual claims with reliable sources, cite them inline as [1], [2], " +
			"and distinguish facts from interpretation. Do not use emojis or filler."
	}
	return "You are an expert academic tutor. Give clear, accurate explanations at the " +
		"student's level, break complex ideas into parts and encourage critical thinking. " +
		"Use Markdown for structure and LaTeX for math. Do not use emojis or filler."
}

// Build pairs the persona with the rendered instruction.
func Build(help HelpType, at AssignmentType, ctx Context, question string) Prompt {
	return Prompt{
		System: SystemPrompt(help),
		User:   Render(help, at, ctx, question),
	}
}
