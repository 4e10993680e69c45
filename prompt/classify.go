package prompt

import "strings"

type keywordRule struct {
	tag      AssignmentType
	keywords []string
}

// Rules are checked in order and the first hit wins, so a description that
// mentions both "discuss" and "research" is a discussion.
var keywordRules = []keywordRule{
	{TypeDiscussion, []string{"discuss", "forum", "post", "respond", "reply"}},
	{TypeProblemSet, []string{"problem", "exercise", "calculate", "calculation", "solve", "homework"}},
	{TypeEssay, []string{"essay", "paper", "write", "writing", "compose", "composition"}},
	{TypeResearch, []string{"research", "investigate", "analyze", "analysis", "study"}},
	{TypeQuiz, []string{"quiz", "midterm", "final exam"}},
}

// Classify maps an assignment name and description to exactly one tag.
func Classify(name, description string) AssignmentType {
	text := strings.ToLower(name + " " + description)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.tag
			}
		}
	}
	return TypeGeneric
}
