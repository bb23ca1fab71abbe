package llm

import (
	"errors"
	"fmt"
)

// ErrTransport marks a completion call that failed at the HTTP layer
// (connection error or non-2xx response) on every attempt.
var ErrTransport = errors.New("completion transport error")

// StatusError is a non-2xx response from the completion endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.Code, e.Body)
}

// Status classifies a completion outcome.
type Status int

const (
	// StatusOK means the model returned non-empty text.
	StatusOK Status = iota
	// StatusEmpty means the call succeeded but produced no usable text,
	// including 2xx bodies of an unexpected shape.
	StatusEmpty
	// StatusFailed means every attempt failed.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome is the result of one completion call. Failures are values, not
// errors, so batch callers can keep per-prompt results in order.
type Outcome struct {
	Status   Status
	Text     string
	Err      error
	Attempts int
}

// OK reports whether the outcome carries usable text.
func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

// String renders the outcome as plain text. Failed outcomes render as a
// readable failure message instead of model output.
func (o Outcome) String() string {
	if o.Status == StatusFailed {
		return fmt.Sprintf("API request failed after %d attempts: %v", o.Attempts, o.Err)
	}
	return o.Text
}
