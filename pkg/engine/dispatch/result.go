package dispatch

import (
	"fmt"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"
)

type ErrorCode string

const (
	CodeAuth             ErrorCode = "AUTH_ERROR"
	CodeBackend          ErrorCode = "BACKEND_ERROR"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeDependencyFailed ErrorCode = "DEPENDENCY_FAILED"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeSubgraph         ErrorCode = "SUBGRAPH_ERROR"
)

// StepError is the failure outcome of one step.
type StepError struct {
	Code     ErrorCode
	StepID   int
	Subgraph string
	Err      error
	// Errors holds what a subgraph reported when it returned no data at all.
	Errors gqlerror.List
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) %s: %s", e.StepID, e.Subgraph, e.Code, e.Message())
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Message is the text shown to clients.
func (e *StepError) Message() string {
	if len(e.Errors) > 0 {
		return e.Errors[0].Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

// StepResult is immutable once the step's completion channel is closed.
type StepResult struct {
	StepID int
	// Data is a JSON object with one entry per slot.
	Data []byte
	// Keys maps the raw JSON join keys of a join step to their slot.
	Keys map[string]string
	// Errors are subgraph errors returned next to data, with paths relative to Data.
	Errors   gqlerror.List
	Err      *StepError
	Attempts int
	Duration time.Duration
}

func (r *StepResult) Failed() bool {
	return r == nil || r.Err != nil
}

// Results holds the outcome of every step of a plan, indexed by step id.
type Results struct {
	steps []*StepResult
}

func NewResults(steps ...*StepResult) *Results {
	return &Results{steps: steps}
}

func (r *Results) Step(id int) *StepResult {
	if id < 0 || id >= len(r.steps) {
		return nil
	}
	return r.steps[id]
}

func (r *Results) Len() int {
	return len(r.steps)
}

// Payload implements plan.StepData. Failed steps have no payload.
func (r *Results) Payload(id int) ([]byte, map[string]string, bool) {
	result := r.Step(id)
	if result.Failed() {
		return nil, nil, false
	}
	return result.Data, result.Keys, true
}
