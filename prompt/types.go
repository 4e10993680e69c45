package prompt

import (
	"strings"
	"time"
)

// AssignmentType is the detected pedagogical category of an assignment.
type AssignmentType string

const (
	TypeDiscussion AssignmentType = "discussion"
	TypeProblemSet AssignmentType = "problem_set"
	TypeEssay      AssignmentType = "essay"
	TypeResearch   AssignmentType = "research"
	TypeQuiz       AssignmentType = "quiz"
	TypeGeneric    AssignmentType = "generic"
)

// AssignmentTypes lists every tag in classifier priority order.
var AssignmentTypes = []AssignmentType{TypeDiscussion, TypeProblemSet, TypeEssay, TypeResearch, TypeQuiz, TypeGeneric}

// HelpType is the kind of assistance the student asked for.
type HelpType string

const (
	HelpAnalysis HelpType = "analysis"
	HelpGuidance HelpType = "guidance"
	HelpResearch HelpType = "research"
	HelpSolution HelpType = "solution"
)

var HelpTypes = []HelpType{HelpAnalysis, HelpGuidance, HelpResearch, HelpSolution}

// ParseHelpType normalizes caller input; anything unknown becomes guidance.
func ParseHelpType(s string) HelpType {
	switch h := HelpType(strings.ToLower(strings.TrimSpace(s))); h {
	case HelpAnalysis, HelpGuidance, HelpResearch, HelpSolution:
		return h
	default:
		return HelpGuidance
	}
}

// Excerpt is extracted text from a course file attached as extra context.
type Excerpt struct {
	Name string
	Text string
}

// Context is the per-request snapshot used to specialize prompts.
// Every field is optional; zero values are left out of the rendered prompt.
type Context struct {
	CourseName      string
	CourseSubject   string
	AssignmentType  AssignmentType
	DueDate         *time.Time
	PointsPossible  *float64
	StudentLevel    string
	PerformanceHint string

	AssignmentName  string
	Description     string
	SubmissionTypes []string
	Excerpts        []Excerpt
}

// Prompt is the message pair sent to a backend.
type Prompt struct {
	System string
	User   string
}
