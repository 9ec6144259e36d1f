// Package repair drives one control from an initial generated candidate to
// a terminal passed/failed state via a bounded test-analyze-regenerate
// state machine.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stigforge/internal/executor"
	"stigforge/internal/generate"
	"stigforge/internal/logging"
	"stigforge/internal/types"
)

// State is the repair session state.
type State string

const (
	StateRunning State = "running"
	StatePassed  State = "passed"
	StateFailed  State = "failed"
	// StateCancelled marks a session stopped by external cancellation
	// between iterations; its iteration count is fixed where it stood.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s != StateRunning }

// Attempt is one (code, result) pair from the session history.
type Attempt struct {
	Code   string
	Result types.TestResult
}

// Transition records one state-machine step for diagnostics.
type Transition struct {
	From      State
	To        State
	Iteration int
	Timestamp time.Time
	Note      string
}

// Config bounds the controller.
type Config struct {
	// MaxIterations is the test-attempt budget; must be positive.
	MaxIterations int
}

// Outcome is the terminal report of one session: the state reached, the
// iteration count actually consumed, the final code, and the full history,
// so a human can resume where the automated loop stopped.
type Outcome struct {
	ControlID   string
	State       State
	Code        string
	Iterations  int
	History     []Attempt
	LastResult  *types.TestResult
	Transitions []Transition
}

// Controller orchestrates test, failure analysis, and regeneration. It is
// safe for concurrent use; each Run owns an independent session. The
// controller never mutates the example store.
type Controller struct {
	generator generate.Generator
	executor  executor.Executor
	cfg       Config
}

// New creates a repair controller. A non-positive MaxIterations falls back
// to 3.
func New(g generate.Generator, e executor.Executor, cfg Config) *Controller {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 3
	}
	return &Controller{generator: g, executor: e, cfg: cfg}
}

// session is the mutable state for one control's retry loop. Exclusively
// owned by a single Run invocation.
type session struct {
	mu          sync.Mutex
	state       State
	iteration   int
	history     []Attempt
	transitions []Transition
}

func (s *session) transition(to State, note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, Transition{
		From:      s.state,
		To:        to,
		Iteration: s.iteration,
		Timestamp: time.Now(),
		Note:      note,
	})
	s.state = to
}

// Run drives the control's code to a terminal state within the iteration
// budget. The control's Code field must hold the initial candidate.
// All steps within the session are strictly sequential: a test completes
// before regeneration is requested, and regeneration completes before the
// next test. Cancellation is honored between iterations only.
func (c *Controller) Run(ctx context.Context, control types.Control, target types.Target) (*Outcome, error) {
	if control.Code == "" {
		return nil, fmt.Errorf("control %s has no initial code", control.ID)
	}

	log := logging.Get(logging.CategoryRepair)
	logging.Repair("starting repair session for %s (budget %d)", control.ID, c.cfg.MaxIterations)

	sess := &session{state: StateRunning}
	code := control.Code

	// Set when the generator faulted: the next iteration is consumed as an
	// error result without calling the executor.
	var generatorFault *types.TestResult

	for {
		// Cancellation point between iterations.
		if err := ctx.Err(); err != nil {
			sess.transition(StateCancelled, "context cancelled")
			logging.Repair("session for %s cancelled at iteration %d", control.ID, sess.iteration)
			return c.outcome(control.ID, sess, code), nil
		}

		var result types.TestResult
		if generatorFault != nil {
			result = *generatorFault
			generatorFault = nil
		} else {
			result = c.test(ctx, code, target)
		}

		if result.Passed() {
			sess.transition(StatePassed, "all assertions held")
			logging.Repair("session for %s passed at iteration %d", control.ID, sess.iteration)
			return c.outcome(control.ID, sess, code), nil
		}

		// Failing attempt: record it and consume budget. ERROR results are
		// retained distinctly in history so a post-mortem can tell "the fix
		// was wrong" from "the test rig broke".
		sess.mu.Lock()
		sess.history = append(sess.history, Attempt{Code: code, Result: result})
		sess.iteration++
		iteration := sess.iteration
		sess.mu.Unlock()

		log.Debug("%s attempt %d/%d: %s (%d failures)",
			control.ID, iteration, c.cfg.MaxIterations, result.Overall, len(result.Failures))

		if iteration >= c.cfg.MaxIterations {
			sess.transition(StateFailed, "iteration budget exhausted")
			logging.Repair("session for %s failed after %d iterations", control.ID, iteration)
			return c.outcome(control.ID, sess, code), nil
		}

		// Regenerate. Failures go to the generator in executor-reported
		// order, no reordering or deduplication.
		newCode, err := c.regenerate(ctx, control, code, result, sess)
		if err != nil {
			if !errors.Is(err, generate.ErrGeneration) {
				sess.transition(StateFailed, "unrecoverable generator error")
				return c.outcome(control.ID, sess, code), err
			}
			log.Warn("%s generator fault at iteration %d: %v", control.ID, iteration, err)
			generatorFault = &types.TestResult{
				Overall:    types.StatusError,
				Diagnostic: fmt.Sprintf("generator fault: %v", err),
			}
			continue
		}
		code = newCode
	}
}

// test invokes the executor and maps environment faults to an ERROR result
// with a single diagnostic message.
func (c *Controller) test(ctx context.Context, code string, target types.Target) types.TestResult {
	result, err := c.executor.Execute(ctx, code, target)
	if err != nil {
		return types.TestResult{
			Overall:    types.StatusError,
			Diagnostic: err.Error(),
		}
	}
	return result
}

// regenerate asks the generator for a corrected candidate, carrying the
// current failures and all previously rejected attempts.
func (c *Controller) regenerate(ctx context.Context, control types.Control, code string, result types.TestResult, sess *session) (string, error) {
	failures := make([]generate.FailureContext, 0, len(result.Failures))
	for _, f := range result.Failures {
		failures = append(failures, generate.FailureContext{
			ControlID: f.ControlID,
			Message:   f.Message,
			CodeDesc:  f.CodeDesc,
		})
	}

	sess.mu.Lock()
	prior := make([]string, 0, len(sess.history))
	for _, a := range sess.history {
		prior = append(prior, a.Code)
	}
	sess.mu.Unlock()

	return c.generator.Generate(ctx, generate.Request{
		ControlID:     control.ID,
		Description:   control.Description,
		FailingCode:   code,
		Failures:      failures,
		PriorAttempts: prior,
	})
}

func (c *Controller) outcome(controlID string, sess *session, code string) *Outcome {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	out := &Outcome{
		ControlID:   controlID,
		State:       sess.state,
		Code:        code,
		Iterations:  sess.iteration,
		History:     append([]Attempt(nil), sess.history...),
		Transitions: append([]Transition(nil), sess.transitions...),
	}
	if n := len(sess.history); n > 0 {
		last := sess.history[n-1].Result
		out.LastResult = &last
	}
	return out
}
