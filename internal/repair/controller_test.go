package repair

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/goleak"

	"stigforge/internal/generate"
	"stigforge/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedExecutor returns canned results in order; past the script it
// keeps returning the last entry. err entries simulate environment faults.
type scriptedExecutor struct {
	results []types.TestResult
	errs    []error
	calls   int
}

func (e *scriptedExecutor) Execute(ctx context.Context, code string, target types.Target) (types.TestResult, error) {
	i := e.calls
	e.calls++
	if i >= len(e.results) {
		i = len(e.results) - 1
	}
	if i < len(e.errs) && e.errs[i] != nil {
		return types.TestResult{}, e.errs[i]
	}
	return e.results[i], nil
}

type scriptedGenerator struct {
	calls int
	err   error
	fn    func(req generate.Request) (string, error)
}

func (g *scriptedGenerator) Generate(ctx context.Context, req generate.Request) (string, error) {
	g.calls++
	if g.fn != nil {
		return g.fn(req)
	}
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("attempt-%d", g.calls), nil
}

func failedResult(msg string) types.TestResult {
	return types.TestResult{
		Overall: types.StatusFailed,
		Failures: []types.Failure{
			{ControlID: "C1", Message: msg, CodeDesc: "File /etc/x mode should be '0644'"},
		},
	}
}

func passedResult() types.TestResult {
	return types.TestResult{Overall: types.StatusPassed}
}

var testControl = types.Control{ID: "C1", Description: "a requirement", Code: "initial-code"}

// Scenario A: FAILED on attempts 1 and 2, PASSED on attempt 3.
func TestRun_PassesOnThirdAttempt(t *testing.T) {
	exec := &scriptedExecutor{results: []types.TestResult{
		failedResult("first"), failedResult("second"), passedResult(),
	}}
	gen := &scriptedGenerator{}
	ctrl := New(gen, exec, Config{MaxIterations: 3})

	out, err := ctrl.Run(context.Background(), testControl, types.Target{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StatePassed {
		t.Errorf("Expected PASSED, got %s", out.State)
	}
	if out.Iterations != 2 {
		t.Errorf("Expected iteration 2 (0-based), got %d", out.Iterations)
	}
	if len(out.History) != 2 {
		t.Errorf("Expected 2 history entries, got %d", len(out.History))
	}
	if exec.calls != 3 {
		t.Errorf("Expected exactly 3 test invocations, got %d", exec.calls)
	}
	if gen.calls != 2 {
		t.Errorf("Expected 2 regenerations, got %d", gen.calls)
	}
	if out.Code != "attempt-2" {
		t.Errorf("Final code should be the passing candidate, got %q", out.Code)
	}
}

// Scenario B: FAILED on all attempts; no fourth test or generation call.
func TestRun_BudgetExhaustion(t *testing.T) {
	exec := &scriptedExecutor{results: []types.TestResult{failedResult("always")}}
	gen := &scriptedGenerator{}
	ctrl := New(gen, exec, Config{MaxIterations: 3})

	out, err := ctrl.Run(context.Background(), testControl, types.Target{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateFailed {
		t.Errorf("Expected FAILED, got %s", out.State)
	}
	if len(out.History) != 3 {
		t.Errorf("Expected 3 history entries, got %d", len(out.History))
	}
	if exec.calls != 3 {
		t.Errorf("Expected exactly 3 test invocations, got %d", exec.calls)
	}
	if gen.calls != 2 {
		t.Errorf("No generation after the final failing test: expected 2 calls, got %d", gen.calls)
	}
	if out.LastResult == nil || out.LastResult.Overall != types.StatusFailed {
		t.Errorf("Terminal diagnostic must be the last TestResult, got %+v", out.LastResult)
	}
}

func TestRun_PassesImmediately(t *testing.T) {
	exec := &scriptedExecutor{results: []types.TestResult{passedResult()}}
	gen := &scriptedGenerator{}
	ctrl := New(gen, exec, Config{MaxIterations: 3})

	out, err := ctrl.Run(context.Background(), testControl, types.Target{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State != StatePassed || out.Iterations != 0 || len(out.History) != 0 {
		t.Errorf("Expected immediate pass with no history, got state=%s iterations=%d history=%d",
			out.State, out.Iterations, len(out.History))
	}
	if gen.calls != 0 {
		t.Errorf("No regeneration expected on immediate pass, got %d calls", gen.calls)
	}
	if out.Code != "initial-code" {
		t.Errorf("Final code should be the initial candidate, got %q", out.Code)
	}
}

// Environment faults continue the loop like failures but stay
// distinguishable in history.
func TestRun_ExecutionErrorRetainedDistinctly(t *testing.T) {
	exec := &scriptedExecutor{
		results: []types.TestResult{{}, passedResult()},
		errs:    []error{fmt.Errorf("execution failed: target unreachable")},
	}
	gen := &scriptedGenerator{}
	ctrl := New(gen, exec, Config{MaxIterations: 3})

	out, err := ctrl.Run(context.Background(), testControl, types.Target{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StatePassed {
		t.Fatalf("Expected PASSED after recovery, got %s", out.State)
	}
	if len(out.History) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(out.History))
	}
	entry := out.History[0].Result
	if entry.Overall != types.StatusError {
		t.Errorf("Environment fault must be retained as ERROR, got %s", entry.Overall)
	}
	if entry.Diagnostic == "" {
		t.Error("ERROR result must carry a diagnostic message")
	}
	if len(entry.Failures) != 0 {
		t.Errorf("ERROR result must have an empty failures list, got %d", len(entry.Failures))
	}
}

// A generator fault consumes an iteration as a failed attempt without
// calling the executor.
func TestRun_GeneratorFaultCountsAgainstBudget(t *testing.T) {
	exec := &scriptedExecutor{results: []types.TestResult{failedResult("x")}}
	gen := &scriptedGenerator{err: fmt.Errorf("%w: provider 500", generate.ErrGeneration)}
	ctrl := New(gen, exec, Config{MaxIterations: 3})

	out, err := ctrl.Run(context.Background(), testControl, types.Target{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateFailed {
		t.Errorf("Expected FAILED, got %s", out.State)
	}
	if len(out.History) != 3 {
		t.Errorf("Expected 3 history entries (budget consumed), got %d", len(out.History))
	}
	// Only the first attempt reaches the executor: each generator fault
	// consumes the following iteration without a test call, and the same
	// failing code is never re-executed.
	if exec.calls != 1 {
		t.Errorf("Generator faults must not consume executor calls, got %d", exec.calls)
	}
}

func TestRun_HistoryCarriedToGenerator(t *testing.T) {
	var sawPrior []int
	gen := &scriptedGenerator{}
	gen.fn = func(req generate.Request) (string, error) {
		sawPrior = append(sawPrior, len(req.PriorAttempts))
		if len(req.Failures) == 0 {
			return "", fmt.Errorf("expected ordered failures in request")
		}
		return fmt.Sprintf("attempt-%d", len(sawPrior)), nil
	}
	exec := &scriptedExecutor{results: []types.TestResult{failedResult("a"), failedResult("b"), passedResult()}}
	ctrl := New(gen, exec, Config{MaxIterations: 3})

	out, err := ctrl.Run(context.Background(), testControl, types.Target{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.State != StatePassed {
		t.Fatalf("Expected PASSED, got %s", out.State)
	}
	if len(sawPrior) != 2 || sawPrior[0] != 1 || sawPrior[1] != 2 {
		t.Errorf("Generator must receive growing prior-attempt history, got %v", sawPrior)
	}
}

func TestRun_CancellationBetweenIterations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gen := &scriptedGenerator{}
	gen.fn = func(req generate.Request) (string, error) {
		// Cancel while the session is between test iterations.
		cancel()
		return "regenerated", nil
	}
	exec := &scriptedExecutor{results: []types.TestResult{failedResult("x")}}
	ctrl := New(gen, exec, Config{MaxIterations: 5})

	out, err := ctrl.Run(ctx, testControl, types.Target{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateCancelled {
		t.Errorf("Expected CANCELLED, got %s", out.State)
	}
	if out.Iterations != 1 {
		t.Errorf("Iteration count must be fixed where cancellation hit, got %d", out.Iterations)
	}
	if exec.calls != 1 {
		t.Errorf("No further test calls after cancellation, got %d", exec.calls)
	}
}

// Determinism: identical deterministic adapters yield identical terminal
// state and iteration count.
func TestRun_Idempotent(t *testing.T) {
	run := func() *Outcome {
		exec := &scriptedExecutor{results: []types.TestResult{
			failedResult("first"), failedResult("second"), passedResult(),
		}}
		gen := &scriptedGenerator{}
		ctrl := New(gen, exec, Config{MaxIterations: 3})
		out, err := ctrl.Run(context.Background(), testControl, types.Target{})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return out
	}

	first := run()
	second := run()
	if first.State != second.State || first.Iterations != second.Iterations {
		t.Errorf("Runs diverged: %s/%d vs %s/%d",
			first.State, first.Iterations, second.State, second.Iterations)
	}
	if len(first.History) != len(second.History) {
		t.Errorf("History lengths diverged: %d vs %d", len(first.History), len(second.History))
	}
}

func TestRun_RejectsEmptyInitialCode(t *testing.T) {
	ctrl := New(&scriptedGenerator{}, &scriptedExecutor{results: []types.TestResult{passedResult()}}, Config{})
	_, err := ctrl.Run(context.Background(), types.Control{ID: "C1", Description: "d"}, types.Target{})
	if err == nil {
		t.Fatal("Expected an error for a control without initial code")
	}
}

func TestRun_TransitionsRecorded(t *testing.T) {
	exec := &scriptedExecutor{results: []types.TestResult{failedResult("x"), passedResult()}}
	ctrl := New(&scriptedGenerator{}, exec, Config{MaxIterations: 3})

	out, err := ctrl.Run(context.Background(), testControl, types.Target{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.Transitions) == 0 {
		t.Fatal("Expected recorded transitions")
	}
	last := out.Transitions[len(out.Transitions)-1]
	if last.To != StatePassed {
		t.Errorf("Last transition must land in the terminal state, got %s", last.To)
	}
	if !last.To.Terminal() {
		t.Error("PASSED must be terminal")
	}
}
