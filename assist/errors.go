package assist

import (
	"errors"
	"fmt"
)

// FailureKind is the user-facing failure class of a run.
type FailureKind string

const (
	InvalidRequest        FailureKind = "invalid_request"
	UpstreamLookupFailure FailureKind = "upstream_lookup_failure"
	AdapterUnavailable    FailureKind = "adapter_unavailable"
	AdapterFailure        FailureKind = "adapter_failure"
)

// Failure is returned by Coordinator.Run. Reason is safe to show a student;
// Err keeps the underlying cause for logs and errors.Is.
type Failure struct {
	Kind   FailureKind
	Stage  Stage
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("assist: %s at %s: %s", f.Kind, f.Stage, f.Reason)
	}
	return fmt.Sprintf("assist: %s at %s: %s: %v", f.Kind, f.Stage, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts the *Failure from err, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
