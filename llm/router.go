package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"canvas_study_assistant/prompt"
)

// Availability reports which backends are configured.
type Availability struct {
	Fast   bool
	Search bool
}

func (a Availability) Has(b Backend) bool {
	switch b {
	case BackendFast:
		return a.Fast
	case BackendSearch:
		return a.Search
	}
	return false
}

// Decision is the routing outcome for one call.
type Decision struct {
	Backend Backend
	Params  Params
	// Fallback is set when the decision already replaces the preferred
	// backend; a fallback decision never falls back again.
	Fallback bool
}

func other(b Backend) Backend {
	if b == BackendFast {
		return BackendSearch
	}
	return BackendFast
}

// Select applies the routing table. First matching row wins:
//
//	research, solution + search available -> search, 10 sources
//	analysis + search available           -> search, 5 sources
//	anything else                         -> fast, no sources
//
// An unavailable choice moves to the other backend with sources disabled.
// The assignment type does not change the backend today.
func Select(help prompt.HelpType, at prompt.AssignmentType, avail Availability) (Decision, error) {
	help = prompt.ParseHelpType(string(help))

	var d Decision
	switch {
	case (help == prompt.HelpResearch || help == prompt.HelpSolution) && avail.Search:
		d = Decision{Backend: BackendSearch, Params: Params{Temperature: 0.5, MaxSources: 10, TokenBudget: 1500}}
		if help == prompt.HelpSolution {
			d.Params.Temperature = 0.3
			d.Params.TokenBudget = 2000
		}
	case help == prompt.HelpAnalysis && avail.Search:
		d = Decision{Backend: BackendSearch, Params: Params{Temperature: 0.5, MaxSources: 5, TokenBudget: 1200}}
	default:
		d = Decision{Backend: BackendFast, Params: Params{Temperature: 0.5, MaxSources: 0, TokenBudget: 1000}}
	}

	if avail.Has(d.Backend) {
		return d, nil
	}
	if fb, ok := fallbackOf(d, avail); ok {
		return fb, nil
	}
	return Decision{}, ErrNoBackend
}

func fallbackOf(d Decision, avail Availability) (Decision, bool) {
	if d.Fallback {
		return Decision{}, false
	}
	alt := other(d.Backend)
	if !avail.Has(alt) {
		return Decision{}, false
	}
	p := d.Params
	p.MaxSources = 0
	return Decision{Backend: alt, Params: p, Fallback: true}, true
}

// Router owns the adapters. Nothing else calls an adapter directly.
type Router struct {
	adapters    map[Backend]Adapter
	limiters    map[Backend]*rate.Limiter
	callTimeout time.Duration
}

type RouterOption func(*Router)

// WithCallTimeout bounds each adapter call. Zero disables the bound.
func WithCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.callTimeout = d }
}

// WithRateLimit caps calls to one backend per minute. Zero disables it.
func WithRateLimit(b Backend, perMinute int) RouterOption {
	return func(r *Router) {
		if perMinute <= 0 {
			delete(r.limiters, b)
			return
		}
		r.limiters[b] = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
	}
}

// NewRouter takes the fast and search adapters; either may be nil.
func NewRouter(fast, search Adapter, opts ...RouterOption) *Router {
	r := &Router{
		adapters:    map[Backend]Adapter{},
		limiters:    map[Backend]*rate.Limiter{},
		callTimeout: 45 * time.Second,
	}
	if fast != nil {
		r.adapters[BackendFast] = fast
	}
	if search != nil {
		r.adapters[BackendSearch] = search
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Availability() Availability {
	return Availability{
		Fast:   r.adapters[BackendFast] != nil,
		Search: r.adapters[BackendSearch] != nil,
	}
}

// Model returns the model id configured for a backend, or "".
func (r *Router) Model(b Backend) string {
	if a := r.adapters[b]; a != nil {
		return a.Model()
	}
	return ""
}

func (r *Router) Select(help prompt.HelpType, at prompt.AssignmentType) (Decision, error) {
	return Select(help, at, r.Availability())
}

// Fallback returns the single alternate decision for d, if there is one.
func (r *Router) Fallback(d Decision) (Decision, bool) {
	return fallbackOf(d, r.Availability())
}

// Call performs exactly one adapter call for the decision. Failures are
// returned as *Error with the backend set.
func (r *Router) Call(ctx context.Context, d Decision, p prompt.Prompt) (RawResult, error) {
	a := r.adapters[d.Backend]
	if a == nil {
		return RawResult{}, ErrNoBackend
	}
	fail := func(kind Kind, err error) (RawResult, error) {
		return RawResult{}, &Error{Backend: d.Backend, Provider: providerOf(a), Kind: kind, Err: err}
	}

	callCtx := ctx
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	if lim := r.limiters[d.Backend]; lim != nil {
		if err := lim.Wait(callCtx); err != nil {
			if k, ok := contextKind(ctx, callCtx); ok {
				return fail(k, err)
			}
			return fail(KindRateLimit, err)
		}
	}

	res, err := a.Generate(callCtx, p, d.Params)
	if err != nil {
		// context state wins over whatever the adapter reported
		if k, ok := contextKind(ctx, callCtx); ok {
			return fail(k, err)
		}
		return fail(KindOf(err), err)
	}
	if strings.TrimSpace(res.Text) == "" {
		return fail(KindMalformed, errors.New("empty response body"))
	}
	if res.Model == "" {
		res.Model = a.Model()
	}
	res.Sources = limitSources(res.Sources, d.Params.MaxSources)
	return res, nil
}

func contextKind(parent, call context.Context) (Kind, bool) {
	if errors.Is(parent.Err(), context.Canceled) {
		return KindCancelled, true
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return KindTimeout, true
	}
	return "", false
}

func providerOf(a Adapter) string {
	switch v := a.(type) {
	case *ChatAdapter:
		return v.provider
	case *PerplexityAdapter:
		return "perplexity"
	case *GeminiAdapter:
		return "gemini"
	case *MockAdapter:
		return "mock"
	default:
		return a.Model()
	}
}
