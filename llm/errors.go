package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// Kind classifies why a backend call failed.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindMalformed Kind = "malformed"
	KindUpstream  Kind = "upstream"
	KindCancelled Kind = "cancelled"
)

// ErrNoBackend means neither backend is configured.
var ErrNoBackend = errors.New("no ai backend configured")

// Error is a failed adapter call.
type Error struct {
	Backend  Backend
	Provider string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	who := e.Provider
	if e.Backend != "" {
		who = fmt.Sprintf("%s/%s", e.Backend, e.Provider)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", who, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", who, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the failure kind of err, KindUpstream when unknown.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return classify(err)
}

func wrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Provider: provider, Kind: classify(err), Err: err}
}

func malformed(provider, format string, args ...any) error {
	return &Error{Provider: provider, Kind: KindMalformed, Err: fmt.Errorf(format, args...)}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return kindForStatus(oaiErr.StatusCode)
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return kindForStatus(gErr.Code)
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) && gErrPtr != nil {
		return kindForStatus(gErrPtr.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUpstream
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindUpstream
	}
}
