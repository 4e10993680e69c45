// Package assist runs one assistance request end to end: it assembles
// course context, classifies the assignment, renders the prompt, routes it
// to a backend and formats what comes back.
package assist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"canvas_study_assistant/canvas"
	"canvas_study_assistant/format"
	"canvas_study_assistant/llm"
	"canvas_study_assistant/logger"
	"canvas_study_assistant/prompt"
)

// LMS is the course and assignment lookup the coordinator depends on.
type LMS interface {
	FetchAssignment(ctx context.Context, courseID, assignmentID string) (canvas.Assignment, error)
	FetchCourse(ctx context.Context, courseID string) (canvas.Course, error)
}

// FileContext turns file references into prompt excerpts. It may return
// partial results together with an error.
type FileContext interface {
	Load(ctx context.Context, courseID string, refs []string) ([]prompt.Excerpt, error)
}

// Request is one inbound assistance request.
type Request struct {
	CourseID        string
	AssignmentID    string
	Question        string
	HelpType        string
	ContextFileRefs []string
	StudentLevel    string
	PerformanceHint string
	// AccessToken replaces the configured LMS token for this request.
	AccessToken string
}

// ConceptRequest asks for an explanation of one academic concept.
type ConceptRequest struct {
	Concept string
	// Detail is the student's framing of what they need, if any.
	Detail       string
	CourseID     string
	StudentLevel string
	AccessToken  string
}

func (r Request) validate() error {
	var missing []string
	if strings.TrimSpace(r.CourseID) == "" {
		missing = append(missing, "course id")
	}
	if strings.TrimSpace(r.AssignmentID) == "" {
		missing = append(missing, "assignment id")
	}
	if strings.TrimSpace(r.Question) == "" {
		missing = append(missing, "question")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Result is a successful run.
type Result struct {
	Response format.Response `json:"response"`
	Decision llm.Decision    `json:"-"`
	FellBack bool            `json:"fell_back"`
	Trace    []StageEvent    `json:"trace"`
}

type Coordinator struct {
	lms          LMS
	files        FileContext
	router       *llm.Router
	log          *logger.Logger
	tracer       trace.Tracer
	studentLevel string
	now          func() time.Time
}

type Option func(*Coordinator)

func WithFileContext(fc FileContext) Option {
	return func(c *Coordinator) { c.files = fc }
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// WithStudentLevel sets the academic level used when a request has none.
func WithStudentLevel(level string) Option {
	return func(c *Coordinator) { c.studentLevel = strings.TrimSpace(level) }
}

func NewCoordinator(lms LMS, router *llm.Router, opts ...Option) (*Coordinator, error) {
	if lms == nil {
		return nil, errors.New("lms client is required")
	}
	if router == nil {
		return nil, errors.New("router is required")
	}
	c := &Coordinator{
		lms:    lms,
		router: router,
		log:    logger.NewNop(),
		tracer: otel.Tracer("canvas_study_assistant/assist"),
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run executes one request. Failures are always *Failure.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "assist.Run")
	defer span.End()

	r := newRun(span, c.log, c.now)
	r.enter(StageAssembling)

	if err := req.validate(); err != nil {
		return nil, r.fail(InvalidRequest, err.Error(), err)
	}
	help := prompt.ParseHelpType(req.HelpType)
	span.SetAttributes(
		attribute.String("assist.course_id", req.CourseID),
		attribute.String("assist.assignment_id", req.AssignmentID),
		attribute.String("assist.help_type", string(help)),
	)
	if tok := strings.TrimSpace(req.AccessToken); tok != "" {
		ctx = canvas.WithAccessToken(ctx, tok)
	}

	asg, course, excerpts, err := c.assemble(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, r.fail(UpstreamLookupFailure, "request cancelled", err)
		}
		reason := "could not load the assignment from the LMS"
		if errors.Is(err, canvas.ErrNotFound) {
			reason = "the assignment or course no longer exists"
		}
		return nil, r.fail(UpstreamLookupFailure, reason, err)
	}

	r.enter(StageClassifying)
	description := asg.Description()
	at := prompt.Classify(asg.Name, description)
	if at == prompt.TypeGeneric && slices.Contains(asg.SubmissionTypes, "online_quiz") {
		at = prompt.TypeQuiz
	}
	span.SetAttributes(attribute.String("assist.assignment_type", string(at)))

	r.enter(StageTemplateRendering)
	level := strings.TrimSpace(req.StudentLevel)
	if level == "" {
		level = c.studentLevel
	}
	pctx := prompt.Context{
		CourseName:      course.Name,
		CourseSubject:   course.CourseCode,
		AssignmentType:  at,
		DueDate:         asg.DueAt,
		PointsPossible:  asg.PointsPossible,
		StudentLevel:    level,
		PerformanceHint: strings.TrimSpace(req.PerformanceHint),
		AssignmentName:  asg.Name,
		Description:     description,
		SubmissionTypes: asg.SubmissionTypes,
		Excerpts:        excerpts,
	}
	p := prompt.Build(help, at, pctx, req.Question)

	r.enter(StageRouting)
	d, err := c.router.Select(help, at)
	if err != nil {
		return nil, r.fail(AdapterUnavailable, "no AI backend is configured", err)
	}

	res, err := c.respond(ctx, r, d, p, "course_id", req.CourseID, "assignment_id", req.AssignmentID)
	if err != nil {
		return nil, err
	}
	res.Response.HelpType = help
	res.Response.AssignmentType = at
	c.log.Debug("assist request done",
		"help_type", help,
		"assignment_type", at,
		"backend", res.Decision.Backend,
		"fallback", res.FellBack,
		"sources", len(res.Response.Sources),
	)
	return res, nil
}

// Explain answers a standalone concept question. The course is optional
// and only adds context. It is routed like a guidance request.
func (c *Coordinator) Explain(ctx context.Context, req ConceptRequest) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "assist.Explain")
	defer span.End()

	r := newRun(span, c.log, c.now)
	r.enter(StageAssembling)

	concept := strings.TrimSpace(req.Concept)
	if concept == "" {
		err := errors.New("missing concept")
		return nil, r.fail(InvalidRequest, err.Error(), err)
	}
	span.SetAttributes(attribute.String("assist.course_id", req.CourseID))
	if tok := strings.TrimSpace(req.AccessToken); tok != "" {
		ctx = canvas.WithAccessToken(ctx, tok)
	}

	var course canvas.Course
	if id := strings.TrimSpace(req.CourseID); id != "" {
		co, err := c.lms.FetchCourse(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, r.fail(UpstreamLookupFailure, "request cancelled", err)
			}
			reason := "could not load the course from the LMS"
			if errors.Is(err, canvas.ErrNotFound) {
				reason = "the course no longer exists"
			}
			return nil, r.fail(UpstreamLookupFailure, reason, fmt.Errorf("course %s: %w", id, err))
		}
		course = co
	}

	r.enter(StageTemplateRendering)
	level := strings.TrimSpace(req.StudentLevel)
	if level == "" {
		level = c.studentLevel
	}
	p := prompt.BuildConcept(concept, req.Detail, prompt.Context{
		CourseName:    course.Name,
		CourseSubject: course.CourseCode,
		StudentLevel:  level,
	})

	r.enter(StageRouting)
	d, err := c.router.Select(prompt.HelpGuidance, prompt.TypeGeneric)
	if err != nil {
		return nil, r.fail(AdapterUnavailable, "no AI backend is configured", err)
	}

	res, err := c.respond(ctx, r, d, p, "course_id", req.CourseID, "concept", concept)
	if err != nil {
		return nil, err
	}
	res.Response.HelpType = prompt.HelpGuidance
	c.log.Debug("concept explained", "backend", res.Decision.Backend, "fallback", res.FellBack)
	return res, nil
}

// respond runs the adapter and formatting stages shared by every request
// kind. kv is logged when formatting had to repair the answer.
func (c *Coordinator) respond(ctx context.Context, r *run, d llm.Decision, p prompt.Prompt, kv ...any) (*Result, error) {
	r.enter(StageAdapterCalling)
	raw, used, err := c.call(ctx, d, p)
	if err == nil && ctx.Err() != nil {
		// a result that arrives after cancellation is discarded
		err = &llm.Error{Backend: used.Backend, Kind: llm.KindCancelled, Err: ctx.Err()}
	}
	if err != nil {
		return nil, r.fail(AdapterFailure, adapterReason(err), err)
	}
	r.span.SetAttributes(
		attribute.String("assist.backend", string(used.Backend)),
		attribute.Bool("assist.fallback", used.Fallback),
		attribute.String("assist.model", raw.Model),
	)

	r.enter(StageFormatting)
	resp, err := format.Format(format.Raw{Text: raw.Text, Sources: raw.Sources, Model: raw.Model})
	if err != nil {
		return nil, r.fail(AdapterFailure, "the AI backend returned an empty answer", err)
	}
	if resp.Degraded {
		c.log.Info("formatting degraded", append(kv, "backend", used.Backend, "repairs", resp.Repairs)...)
	}

	r.enter(StageDone)
	return &Result{Response: resp, Decision: used, FellBack: used.Fallback, Trace: r.events()}, nil
}

// assemble fetches the assignment, the course and any context files in
// parallel. Only the two lookups can fail the request.
func (c *Coordinator) assemble(ctx context.Context, req Request) (canvas.Assignment, canvas.Course, []prompt.Excerpt, error) {
	var (
		asg      canvas.Assignment
		course   canvas.Course
		excerpts []prompt.Excerpt
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := c.lms.FetchAssignment(gctx, req.CourseID, req.AssignmentID)
		if err != nil {
			return fmt.Errorf("assignment %s: %w", req.AssignmentID, err)
		}
		asg = a
		return nil
	})
	g.Go(func() error {
		co, err := c.lms.FetchCourse(gctx, req.CourseID)
		if err != nil {
			return fmt.Errorf("course %s: %w", req.CourseID, err)
		}
		course = co
		return nil
	})
	if c.files != nil && len(req.ContextFileRefs) > 0 {
		g.Go(func() error {
			ex, err := c.files.Load(gctx, req.CourseID, req.ContextFileRefs)
			if err != nil && gctx.Err() == nil {
				c.log.Warn("context files partially loaded",
					"course_id", req.CourseID,
					"loaded", len(ex),
					"error", err,
				)
			}
			excerpts = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return canvas.Assignment{}, canvas.Course{}, nil, err
	}
	return asg, course, excerpts, nil
}

// call makes the routed call and, on failure, exactly one fallback call.
// Cancellation is never retried.
func (c *Coordinator) call(ctx context.Context, d llm.Decision, p prompt.Prompt) (llm.RawResult, llm.Decision, error) {
	res, err := c.attempt(ctx, d, p)
	if err == nil {
		return res, d, nil
	}
	if llm.KindOf(err) == llm.KindCancelled || ctx.Err() != nil {
		return llm.RawResult{}, d, err
	}
	fb, ok := c.router.Fallback(d)
	if !ok {
		return llm.RawResult{}, d, err
	}
	c.log.Warn("backend failed, falling back",
		"backend", d.Backend,
		"fallback", fb.Backend,
		"kind", llm.KindOf(err),
		"error", err,
	)
	res, err = c.attempt(ctx, fb, p)
	if err != nil {
		return llm.RawResult{}, fb, err
	}
	return res, fb, nil
}

func (c *Coordinator) attempt(ctx context.Context, d llm.Decision, p prompt.Prompt) (llm.RawResult, error) {
	ctx, span := c.tracer.Start(ctx, "llm.Call", trace.WithAttributes(
		attribute.String("llm.backend", string(d.Backend)),
		attribute.String("llm.model", c.router.Model(d.Backend)),
		attribute.Bool("llm.fallback", d.Fallback),
		attribute.Int("llm.max_sources", d.Params.MaxSources),
	))
	defer span.End()
	res, err := c.router.Call(ctx, d, p)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("llm.error_kind", string(llm.KindOf(err))))
		return llm.RawResult{}, err
	}
	span.SetAttributes(attribute.Int("llm.sources", len(res.Sources)))
	return res, nil
}

func adapterReason(err error) string {
	switch llm.KindOf(err) {
	case llm.KindCancelled:
		return "request cancelled"
	case llm.KindTimeout:
		return "the AI backend timed out"
	case llm.KindAuth:
		return "the AI backend rejected its credentials"
	case llm.KindRateLimit:
		return "the AI backend is rate limited, try again shortly"
	case llm.KindMalformed:
		return "the AI backend returned an unusable response"
	default:
		return "the AI backend failed"
	}
}
