package assist

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"canvas_study_assistant/canvas"
	"canvas_study_assistant/format"
	"canvas_study_assistant/llm"
	"canvas_study_assistant/prompt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type fakeLMS struct {
	asg       canvas.Assignment
	course    canvas.Course
	err       error
	courseErr error
	calls     atomic.Int32
}

func (f *fakeLMS) FetchAssignment(ctx context.Context, courseID, assignmentID string) (canvas.Assignment, error) {
	f.calls.Add(1)
	if f.err != nil {
		return canvas.Assignment{}, f.err
	}
	return f.asg, ctx.Err()
}

func (f *fakeLMS) FetchCourse(ctx context.Context, courseID string) (canvas.Course, error) {
	f.calls.Add(1)
	if f.courseErr != nil {
		return canvas.Course{}, f.courseErr
	}
	return f.course, ctx.Err()
}

type fakeFiles struct {
	out []prompt.Excerpt
	err error
}

func (f fakeFiles) Load(context.Context, string, []string) ([]prompt.Excerpt, error) {
	return f.out, f.err
}

type fakeAdapter struct {
	model string
	calls atomic.Int32
	mu    sync.Mutex
	seen  []prompt.Prompt
	fn    func(ctx context.Context, params llm.Params) (llm.RawResult, error)
}

func (f *fakeAdapter) Model() string { return f.model }

func (f *fakeAdapter) Generate(ctx context.Context, p prompt.Prompt, params llm.Params) (llm.RawResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.seen = append(f.seen, p)
	f.mu.Unlock()
	return f.fn(ctx, params)
}

func answering(model, text string, sources ...string) *fakeAdapter {
	return &fakeAdapter{model: model, fn: func(context.Context, llm.Params) (llm.RawResult, error) {
		var raw []json.RawMessage
		for _, s := range sources {
			raw = append(raw, json.RawMessage(s))
		}
		return llm.RawResult{Text: text, Sources: raw}, nil
	}}
}

func failing(model string, err error) *fakeAdapter {
	return &fakeAdapter{model: model, fn: func(context.Context, llm.Params) (llm.RawResult, error) {
		return llm.RawResult{}, err
	}}
}

// stalling never answers; it returns once its call is cancelled or times out.
func stalling(model string) *fakeAdapter {
	return &fakeAdapter{model: model, fn: func(ctx context.Context, _ llm.Params) (llm.RawResult, error) {
		<-ctx.Done()
		return llm.RawResult{}, ctx.Err()
	}}
}

func discussionLMS() *fakeLMS {
	return &fakeLMS{
		asg: canvas.Assignment{
			ID:              7,
			CourseID:        42,
			Name:            "Introductions Discussion Board",
			DescriptionHTML: "<p>Post a brief introduction</p>",
			SubmissionTypes: []string{"discussion_topic"},
		},
		course: canvas.Course{ID: 42, Name: "Intro to Psychology", CourseCode: "PSY 101"},
	}
}

func request(help string) Request {
	return Request{CourseID: "42", AssignmentID: "7", Question: "How should I structure my post?", HelpType: help}
}

func failureOf(t *testing.T, err error) *Failure {
	t.Helper()
	f, ok := AsFailure(err)
	require.True(t, ok, "expected *Failure, got %v", err)
	return f
}

func TestRunDiscussionAnalysisScenario(t *testing.T) {
	search := answering("sonar", "Open with who you are [2], then reply to peers [1].",
		`{"url":"https://a.example/peers","title":"Replying to peers"}`,
		`{"url":"https://b.example/intro","title":"Writing an introduction"}`)
	fast := answering("llama", "unused")
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(fast, search))
	require.NoError(t, err)

	res, err := c.Run(context.Background(), request("analysis"))
	require.NoError(t, err)

	assert.Equal(t, prompt.TypeDiscussion, res.Response.AssignmentType)
	assert.Equal(t, prompt.HelpAnalysis, res.Response.HelpType)
	assert.Equal(t, llm.BackendSearch, res.Decision.Backend)
	assert.Equal(t, 5, res.Decision.Params.MaxSources)
	assert.False(t, res.FellBack)
	assert.Zero(t, fast.calls.Load())

	require.Len(t, search.seen, 1)
	lines := strings.Split(search.seen[0].User, "\n")
	assert.Equal(t, "How should I structure my post?", lines[len(lines)-1])
	assert.Contains(t, search.seen[0].User, "Intro to Psychology")

	assert.Equal(t, "Open with who you are [1], then reply to peers [2].", res.Response.Body)
	require.Len(t, res.Response.Sources, 2)
	assert.Equal(t, "Writing an introduction", res.Response.Sources[0].Title)
	assert.Equal(t, "sonar", res.Response.Model)

	var stages []Stage
	for _, ev := range res.Trace {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []Stage{StageAssembling, StageClassifying, StageTemplateRendering,
		StageRouting, StageAdapterCalling, StageFormatting, StageDone}, stages)
}

func TestRunFallsBackExactlyOnce(t *testing.T) {
	search := failing("sonar", errors.New("502 from provider"))
	fast := answering("llama", "Start with the literature [1].", `{"url":"https://c.example"}`)
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(fast, search))
	require.NoError(t, err)

	res, err := c.Run(context.Background(), request("research"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, search.calls.Load())
	assert.EqualValues(t, 1, fast.calls.Load())
	assert.True(t, res.FellBack)
	assert.Equal(t, llm.BackendFast, res.Decision.Backend)
	assert.Empty(t, res.Response.Sources)
	assert.Equal(t, "Start with the literature.", res.Response.Body)
	assert.Equal(t, "llama", res.Response.Model)
}

func TestRunSecondFailureIsTerminal(t *testing.T) {
	search := failing("sonar", errors.New("boom"))
	fast := failing("llama", errors.New("boom again"))
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(fast, search))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), request("solution"))
	f := failureOf(t, err)
	assert.Equal(t, AdapterFailure, f.Kind)
	assert.Equal(t, StageAdapterCalling, f.Stage)
	assert.EqualValues(t, 1, search.calls.Load())
	assert.EqualValues(t, 1, fast.calls.Load())

	var le *llm.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, llm.BackendFast, le.Backend)
}

func TestRunNoFallbackWithoutAlternate(t *testing.T) {
	fast := failing("llama", errors.New("boom"))
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(fast, nil))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), request("guidance"))
	f := failureOf(t, err)
	assert.Equal(t, AdapterFailure, f.Kind)
	assert.EqualValues(t, 1, fast.calls.Load())
}

func TestRunTimeoutFallsBackOnce(t *testing.T) {
	search := stalling("sonar")
	fast := answering("llama", "Outline the argument first.")
	router := llm.NewRouter(fast, search, llm.WithCallTimeout(20*time.Millisecond))
	c, err := NewCoordinator(discussionLMS(), router)
	require.NoError(t, err)

	res, err := c.Run(context.Background(), request("solution"))
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, llm.BackendFast, res.Decision.Backend)
	assert.EqualValues(t, 1, search.calls.Load())
	assert.EqualValues(t, 1, fast.calls.Load())
	assert.Equal(t, "Outline the argument first.", res.Response.Body)
}

func TestRunSecondTimeoutIsTerminal(t *testing.T) {
	search := stalling("sonar")
	fast := stalling("llama")
	router := llm.NewRouter(fast, search, llm.WithCallTimeout(20*time.Millisecond))
	c, err := NewCoordinator(discussionLMS(), router)
	require.NoError(t, err)

	_, err = c.Run(context.Background(), request("research"))
	f := failureOf(t, err)
	assert.Equal(t, AdapterFailure, f.Kind)
	assert.Equal(t, StageAdapterCalling, f.Stage)
	assert.Equal(t, "the AI backend timed out", f.Reason)
	assert.Equal(t, llm.KindTimeout, llm.KindOf(err))
	assert.EqualValues(t, 1, search.calls.Load())
	assert.EqualValues(t, 1, fast.calls.Load())
}

func TestRunInvalidRequest(t *testing.T) {
	lms := discussionLMS()
	fast := answering("llama", "x")
	c, err := NewCoordinator(lms, llm.NewRouter(fast, nil))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), Request{CourseID: "42", Question: "  "})
	f := failureOf(t, err)
	assert.Equal(t, InvalidRequest, f.Kind)
	assert.Equal(t, StageAssembling, f.Stage)
	assert.Contains(t, f.Reason, "assignment id")
	assert.Contains(t, f.Reason, "question")
	assert.Zero(t, lms.calls.Load())
	assert.Zero(t, fast.calls.Load())
}

func TestRunLookupFailure(t *testing.T) {
	lms := discussionLMS()
	lms.err = canvas.ErrNotFound
	fast := answering("llama", "x")
	c, err := NewCoordinator(lms, llm.NewRouter(fast, nil))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), request("guidance"))
	f := failureOf(t, err)
	assert.Equal(t, UpstreamLookupFailure, f.Kind)
	assert.Equal(t, StageAssembling, f.Stage)
	assert.ErrorIs(t, err, canvas.ErrNotFound)
	assert.Zero(t, fast.calls.Load())
}

func TestRunCourseLookupFailure(t *testing.T) {
	lms := discussionLMS()
	lms.courseErr = &canvas.StatusError{Status: 500, Message: "down"}
	c, err := NewCoordinator(lms, llm.NewRouter(answering("llama", "x"), nil))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), request("guidance"))
	f := failureOf(t, err)
	assert.Equal(t, UpstreamLookupFailure, f.Kind)
	assert.NotErrorIs(t, err, canvas.ErrNotFound)
}

func TestRunAdapterUnavailable(t *testing.T) {
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(nil, nil))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), request("research"))
	f := failureOf(t, err)
	assert.Equal(t, AdapterUnavailable, f.Kind)
	assert.Equal(t, StageRouting, f.Stage)
	assert.ErrorIs(t, err, llm.ErrNoBackend)
}

func TestRunCancellationSkipsFallback(t *testing.T) {
	started := make(chan struct{})
	search := &fakeAdapter{model: "sonar", fn: func(ctx context.Context, _ llm.Params) (llm.RawResult, error) {
		close(started)
		<-ctx.Done()
		return llm.RawResult{}, ctx.Err()
	}}
	fast := answering("llama", "x")
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(fast, search))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err = c.Run(ctx, request("research"))
	f := failureOf(t, err)
	assert.Equal(t, AdapterFailure, f.Kind)
	assert.Equal(t, StageAdapterCalling, f.Stage)
	assert.Equal(t, "request cancelled", f.Reason)
	assert.Zero(t, fast.calls.Load())
}

func TestRunQuizSubmissionOverridesGeneric(t *testing.T) {
	lms := discussionLMS()
	lms.asg.Name = "Week 3 check-in"
	lms.asg.DescriptionHTML = ""
	lms.asg.SubmissionTypes = []string{"online_quiz"}
	c, err := NewCoordinator(lms, llm.NewRouter(answering("llama", "Review chapter 3."), nil))
	require.NoError(t, err)

	res, err := c.Run(context.Background(), request("guidance"))
	require.NoError(t, err)
	assert.Equal(t, prompt.TypeQuiz, res.Response.AssignmentType)
}

func TestRunPartialFileContextDegradesGracefully(t *testing.T) {
	fast := answering("llama", "Use your notes.")
	files := fakeFiles{
		out: []prompt.Excerpt{{Name: "notes.md", Text: "Chain rule"}},
		err: errors.New("file 99: not found"),
	}
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(fast, nil),
		WithFileContext(files), WithStudentLevel("graduate"))
	require.NoError(t, err)

	req := request("guidance")
	req.ContextFileRefs = []string{"1", "99"}
	_, err = c.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, fast.seen, 1)
	assert.Contains(t, fast.seen[0].User, "### notes.md")
}

func TestRunDegradedFormattingStillSucceeds(t *testing.T) {
	search := answering("sonar", "See [1][4].", `"https://bare.example/page"`)
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(nil, search))
	require.NoError(t, err)

	res, err := c.Run(context.Background(), request("research"))
	require.NoError(t, err)
	assert.True(t, res.Response.Degraded)
	assert.Equal(t, "See [1].", res.Response.Body)
	assert.Equal(t, []format.Source{{ID: 1, Title: "bare.example", URL: "https://bare.example/page"}}, res.Response.Sources)
}

func TestNewCoordinatorValidates(t *testing.T) {
	_, err := NewCoordinator(nil, llm.NewRouter(nil, nil))
	assert.Error(t, err)
	_, err = NewCoordinator(discussionLMS(), nil)
	assert.Error(t, err)
}

func TestExplainRoutesToFastWithCourseContext(t *testing.T) {
	lms := discussionLMS()
	fast := answering("llama", "Operant conditioning links behavior to consequences.")
	search := answering("sonar", "unused")
	c, err := NewCoordinator(lms, llm.NewRouter(fast, search))
	require.NoError(t, err)

	res, err := c.Explain(context.Background(), ConceptRequest{
		Concept:      "operant conditioning",
		Detail:       "for the week 5 reading",
		CourseID:     "42",
		StudentLevel: "beginner",
	})
	require.NoError(t, err)
	assert.Equal(t, llm.BackendFast, res.Decision.Backend)
	assert.Equal(t, prompt.HelpGuidance, res.Response.HelpType)
	assert.Empty(t, res.Response.AssignmentType)
	assert.Zero(t, search.calls.Load())

	require.Len(t, fast.seen, 1)
	assert.Contains(t, fast.seen[0].User, "**Course:** Intro to Psychology")
	assert.Contains(t, fast.seen[0].User, "**Concept:** operant conditioning")
	assert.Contains(t, fast.seen[0].System, "someone new to this topic")

	var stages []Stage
	for _, ev := range res.Trace {
		stages = append(stages, ev.Stage)
	}
	assert.Equal(t, []Stage{StageAssembling, StageTemplateRendering, StageRouting,
		StageAdapterCalling, StageFormatting, StageDone}, stages)
}

func TestExplainWithoutCourseSkipsLMS(t *testing.T) {
	lms := discussionLMS()
	fast := answering("llama", "Entropy measures disorder.")
	c, err := NewCoordinator(lms, llm.NewRouter(fast, nil))
	require.NoError(t, err)

	res, err := c.Explain(context.Background(), ConceptRequest{Concept: "entropy"})
	require.NoError(t, err)
	assert.Equal(t, "Entropy measures disorder.", res.Response.Body)
	assert.Zero(t, lms.calls.Load())
	assert.NotContains(t, fast.seen[0].User, "**Course:**")
}

func TestExplainFailures(t *testing.T) {
	t.Run("missing concept", func(t *testing.T) {
		fast := answering("llama", "x")
		c, err := NewCoordinator(discussionLMS(), llm.NewRouter(fast, nil))
		require.NoError(t, err)

		_, err = c.Explain(context.Background(), ConceptRequest{Concept: "  "})
		f := failureOf(t, err)
		assert.Equal(t, InvalidRequest, f.Kind)
		assert.Zero(t, fast.calls.Load())
	})

	t.Run("unknown course", func(t *testing.T) {
		lms := discussionLMS()
		lms.courseErr = canvas.ErrNotFound
		fast := answering("llama", "x")
		c, err := NewCoordinator(lms, llm.NewRouter(fast, nil))
		require.NoError(t, err)

		_, err = c.Explain(context.Background(), ConceptRequest{Concept: "entropy", CourseID: "9"})
		f := failureOf(t, err)
		assert.Equal(t, UpstreamLookupFailure, f.Kind)
		assert.Equal(t, StageAssembling, f.Stage)
		assert.ErrorIs(t, err, canvas.ErrNotFound)
		assert.Zero(t, fast.calls.Load())
	})

	t.Run("no backend", func(t *testing.T) {
		c, err := NewCoordinator(discussionLMS(), llm.NewRouter(nil, nil))
		require.NoError(t, err)

		_, err = c.Explain(context.Background(), ConceptRequest{Concept: "entropy"})
		f := failureOf(t, err)
		assert.Equal(t, AdapterUnavailable, f.Kind)
		assert.Equal(t, StageRouting, f.Stage)
	})
}

func TestExplainFallsBackToSearch(t *testing.T) {
	fast := failing("llama", errors.New("503 from provider"))
	search := answering("sonar", "Entropy, explained [1].", `{"url":"https://a.example"}`)
	c, err := NewCoordinator(discussionLMS(), llm.NewRouter(fast, search))
	require.NoError(t, err)

	res, err := c.Explain(context.Background(), ConceptRequest{Concept: "entropy"})
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, llm.BackendSearch, res.Decision.Backend)
	assert.Zero(t, res.Decision.Params.MaxSources)
	assert.EqualValues(t, 1, fast.calls.Load())
	assert.EqualValues(t, 1, search.calls.Load())
}
