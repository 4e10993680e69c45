package assist

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"canvas_study_assistant/logger"
)

// Stage is a state of the per-request pipeline.
type Stage string

const (
	StageAssembling        Stage = "assembling"
	StageClassifying       Stage = "classifying"
	StageTemplateRendering Stage = "template_rendering"
	StageRouting           Stage = "routing"
	StageAdapterCalling    Stage = "adapter_calling"
	StageFormatting        Stage = "formatting"
	StageDone              Stage = "done"
	StageFailed            Stage = "failed"
)

var stageOrder = map[Stage]int{
	StageAssembling:        0,
	StageClassifying:       1,
	StageTemplateRendering: 2,
	StageRouting:           3,
	StageAdapterCalling:    4,
	StageFormatting:        5,
	StageDone:              6,
}

// StageEvent records when a run entered a stage.
type StageEvent struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// run tracks one request through the stages. Transitions only move
// forward; Failed is terminal and remembers the last real stage.
type run struct {
	stage   Stage
	history []StageEvent
	span    trace.Span
	log     *logger.Logger
	now     func() time.Time
}

func newRun(span trace.Span, log *logger.Logger, now func() time.Time) *run {
	return &run{span: span, log: log, now: now}
}

func (r *run) enter(s Stage) {
	if r.stage == StageFailed || r.stage == StageDone {
		return
	}
	if r.stage != "" && stageOrder[s] <= stageOrder[r.stage] {
		return
	}
	r.stage = s
	r.history = append(r.history, StageEvent{Stage: s, At: r.now()})
	r.span.AddEvent(string(s))
	r.log.Debug("assist stage", "stage", s)
}

// fail moves the run to Failed and returns the typed failure for the stage
// that was active.
func (r *run) fail(kind FailureKind, reason string, err error) *Failure {
	f := &Failure{Kind: kind, Stage: r.stage, Reason: reason, Err: err}
	if r.stage != StageFailed {
		r.history = append(r.history, StageEvent{Stage: StageFailed, At: r.now()})
	}
	r.span.SetAttributes(
		attribute.String("assist.failure_kind", string(kind)),
		attribute.String("assist.failed_stage", string(f.Stage)),
	)
	if err != nil {
		r.span.RecordError(err)
	}
	r.span.SetStatus(codes.Error, reason)
	r.log.Warn("assist run failed", "kind", kind, "stage", f.Stage, "reason", reason, "error", err)
	r.stage = StageFailed
	return f
}

func (r *run) events() []StageEvent {
	out := make([]StageEvent, len(r.history))
	copy(out, r.history)
	return out
}
