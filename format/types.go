package format

import (
	"encoding/json"
	"errors"

	"canvas_study_assistant/prompt"
)

// ErrEmptyBody is returned when there is nothing to format.
var ErrEmptyBody = errors.New("format: empty response body")

// Source is one canonical citation. IDs are 1-based and only meaningful
// within the response that carries them.
type Source struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	// Unreferenced marks a source the backend returned but the body never cites.
	Unreferenced bool `json:"unreferenced,omitempty"`
}

// Raw is backend output waiting to be formatted.
type Raw struct {
	Text    string
	Sources []json.RawMessage
	Model   string
}

// Response is the render-ready answer.
type Response struct {
	Body           string                `json:"body"`
	Sources        []Source              `json:"sources"`
	Model          string                `json:"model"`
	HelpType       prompt.HelpType       `json:"help_type,omitempty"`
	AssignmentType prompt.AssignmentType `json:"assignment_type,omitempty"`
	// Degraded is set when malformed input had to be repaired. It is not a failure.
	Degraded bool     `json:"degraded,omitempty"`
	Repairs  []string `json:"repairs,omitempty"`
}
