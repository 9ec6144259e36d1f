// Package executor runs candidate verification code against a target and
// reports structured pass/fail results. Ordinary assertion failures are
// data, not errors; ErrExecution is reserved for environment faults.
package executor

import (
	"context"
	"errors"

	"stigforge/internal/types"
)

// ErrExecution tags environment faults: target unreachable, tool missing,
// timeout. The repair controller maps a wrapped ErrExecution to a
// StatusError result with a single diagnostic message.
var ErrExecution = errors.New("execution failed")

// Executor runs a control's code against a target. Implementations must
// not return an error for ordinary test failures; those are reported via
// the TestResult. Any transient retry (network flakiness and the like) is
// the implementation's own business and invisible to callers.
type Executor interface {
	Execute(ctx context.Context, code string, target types.Target) (types.TestResult, error)
}
