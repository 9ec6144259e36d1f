// Package generate produces InSpec verification code for a control from its
// requirement text, retrieved examples, and (on repair passes) the failing
// code plus its test failures. The generation itself is an external LLM
// capability reached through the Generator interface.
package generate

import (
	"context"
	"errors"
)

// ErrGeneration tags provider faults. The repair controller treats a
// wrapped ErrGeneration as a failed iteration without consuming a test
// executor call.
var ErrGeneration = errors.New("generation failed")

// Request carries everything a generator needs for one candidate.
// FailingCode and Failures are empty on the initial pass.
type Request struct {
	ControlID   string
	Description string
	Examples    []Example
	FailingCode string
	Failures    []FailureContext
	// PriorAttempts lists code the loop already rejected, oldest first,
	// so the generator can avoid proposing a duplicate fix.
	PriorAttempts []string
}

// Example is retrieval context: a previously validated description/code pair.
type Example struct {
	Description string
	Code        string
}

// FailureContext is one failing assertion, in executor-reported order.
type FailureContext struct {
	ControlID string
	Message   string
	CodeDesc  string
}

// Generator produces candidate verification code. Implementations must be
// stateless per call: same inputs may be retried by a fresh session without
// residue. A nil error implies a non-empty candidate.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}
