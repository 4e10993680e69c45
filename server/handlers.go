package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"canvas_study_assistant/assist"
	"canvas_study_assistant/canvas"
	"canvas_study_assistant/format"
	"canvas_study_assistant/llm"
)

// flexID accepts Canvas ids sent as JSON numbers or strings.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = flexID(strings.TrimSpace(s))
		return nil
	}
	if _, err := strconv.ParseInt(string(b), 10, 64); err != nil {
		return fmt.Errorf("id must be an integer or string: %s", b)
	}
	*id = flexID(b)
	return nil
}

type assistRequest struct {
	CourseID        flexID   `json:"course_id"`
	AssignmentID    flexID   `json:"assignment_id"`
	Question        string   `json:"question"`
	HelpType        string   `json:"help_type"`
	ContextFileRefs []flexID `json:"context_file_refs"`
	StudentLevel    string   `json:"student_level"`
	PerformanceHint string   `json:"performance_hint"`
}

type conceptRequest struct {
	Concept  string `json:"concept"`
	Context  string `json:"context"`
	CourseID flexID `json:"course_id"`
	Level    string `json:"level"`
}

type assistResponse struct {
	format.Response
	Concept   string              `json:"concept,omitempty"`
	HTML      string              `json:"html,omitempty"`
	Backend   llm.Backend         `json:"backend"`
	FellBack  bool                `json:"fell_back"`
	Trace     []assist.StageEvent `json:"trace"`
	RequestID string              `json:"request_id"`
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func respondError(c *gin.Context, status int, code, stage, msg string) {
	if stage != "" {
		c.Set("failed_stage", stage)
	}
	c.AbortWithStatusJSON(status, errorEnvelope{Error: apiError{Message: msg, Code: code, Stage: stage}})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	if !s.avail.Fast && !s.avail.Search {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"backends": gin.H{
			"fast":   s.avail.Fast,
			"search": s.avail.Search,
		},
	})
}

func (s *Server) handleAssist(c *gin.Context) {
	var body assistRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, string(assist.InvalidRequest), string(assist.StageAssembling), "invalid JSON body: "+err.Error())
		return
	}
	refs := make([]string, 0, len(body.ContextFileRefs))
	for _, r := range body.ContextFileRefs {
		if r != "" {
			refs = append(refs, string(r))
		}
	}
	req := assist.Request{
		CourseID:        string(body.CourseID),
		AssignmentID:    string(body.AssignmentID),
		Question:        body.Question,
		HelpType:        body.HelpType,
		ContextFileRefs: refs,
		StudentLevel:    body.StudentLevel,
		PerformanceHint: body.PerformanceHint,
		AccessToken:     bearerToken(c.GetHeader("Authorization")),
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()
	res, err := s.assistant.Run(ctx, req)
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	s.respond(c, res, "")
}

func (s *Server) handleExplain(c *gin.Context) {
	var body conceptRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, string(assist.InvalidRequest), string(assist.StageAssembling), "invalid JSON body: "+err.Error())
		return
	}
	concept := strings.TrimSpace(body.Concept)
	ctx, cancel := s.requestContext(c)
	defer cancel()
	res, err := s.assistant.Explain(ctx, assist.ConceptRequest{
		Concept:      concept,
		Detail:       body.Context,
		CourseID:     string(body.CourseID),
		StudentLevel: body.Level,
		AccessToken:  bearerToken(c.GetHeader("Authorization")),
	})
	if err != nil {
		s.writeFailure(c, err)
		return
	}
	s.respond(c, res, concept)
}

// requestContext bounds the request by the configured timeout.
func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.requestTimeout)
	}
	return c.Request.Context(), func() {}
}

func (s *Server) respond(c *gin.Context, res *assist.Result, concept string) {
	out := assistResponse{
		Response:  res.Response,
		Concept:   concept,
		Backend:   res.Decision.Backend,
		FellBack:  res.FellBack,
		Trace:     res.Trace,
		RequestID: c.GetString("request_id"),
	}
	if strings.EqualFold(c.Query("render"), "html") {
		html, err := format.RenderHTML(res.Response.Body)
		if err != nil {
			s.log.Warn("html preview failed", "request_id", out.RequestID, "error", err)
		} else {
			out.HTML = html
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) writeFailure(c *gin.Context, err error) {
	f, ok := assist.AsFailure(err)
	if !ok {
		s.log.Error("assist run failed", "request_id", c.GetString("request_id"), "error", err)
		respondError(c, http.StatusInternalServerError, "internal", "", "internal error")
		return
	}
	respondError(c, statusFor(f), string(f.Kind), string(f.Stage), f.Reason)
}

func statusFor(f *assist.Failure) int {
	switch f.Kind {
	case assist.InvalidRequest:
		return http.StatusBadRequest
	case assist.UpstreamLookupFailure:
		if errors.Is(f.Err, canvas.ErrNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case assist.AdapterUnavailable:
		return http.StatusServiceUnavailable
	case assist.AdapterFailure:
		if llm.KindOf(f.Err) == llm.KindTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
