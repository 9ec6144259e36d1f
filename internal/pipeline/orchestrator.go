// Package pipeline sequences the request lifecycle: retrieve similar
// validated examples, generate an initial candidate, drive it through the
// repair controller, and emit artifacts for controls that pass.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"stigforge/internal/generate"
	"stigforge/internal/logging"
	"stigforge/internal/memory"
	"stigforge/internal/repair"
	"stigforge/internal/types"
)

// Orchestrator owns no durable state beyond one request; concurrent
// requests for different controls run independent sessions.
type Orchestrator struct {
	Store       *memory.Store
	Generator   generate.Generator
	Repairer    *repair.Controller
	Locator     BaselineLocator
	Provisioner TargetProvisioner
	Packager    Packager

	// QueryK is the number of examples retrieved per control.
	QueryK int
	// Reingest stores repaired code back into memory on PASSED. Default
	// off: re-ingestion is caller-decided, not automatic.
	Reingest bool
	// Concurrency caps simultaneous control sessions in RunBaseline.
	Concurrency int
}

// Result is the per-control report surfaced to the caller.
type Result struct {
	SessionID string
	Control   types.Control
	Outcome   *repair.Outcome
	// ExamplesUsed is how many retrieved examples seeded generation.
	ExamplesUsed int
	// Degraded is set when retrieval was unavailable and generation
	// proceeded without examples.
	Degraded bool
	Duration time.Duration
}

// Seed ingests every located reference baseline for the product into the
// example store. A product with no baselines is a zero-count success.
func (o *Orchestrator) Seed(ctx context.Context, product string) (int, error) {
	if o.Store == nil || o.Locator == nil {
		return 0, nil
	}

	dirs, err := o.Locator.Locate(ctx, product)
	if err != nil {
		return 0, fmt.Errorf("locate baselines for %q: %w", product, err)
	}

	total := 0
	for _, dir := range dirs {
		added, err := o.Store.Ingest(ctx, dir)
		if err != nil {
			if errors.Is(err, memory.ErrStoreUnavailable) {
				logging.Get(logging.CategoryPipeline).Warn("store unavailable, skipping seeding")
				return total, nil
			}
			return total, err
		}
		total += added
	}
	logging.Pipeline("seeded %d examples for %q from %d baselines", total, product, len(dirs))
	return total, nil
}

// RunControl executes the full lifecycle for one control: retrieval,
// initial generation, repair, and artifact emission on PASSED.
func (o *Orchestrator) RunControl(ctx context.Context, product string, control types.Control) (*Result, error) {
	if control.Description == "" {
		return nil, fmt.Errorf("control %s has no description", control.ID)
	}

	start := time.Now()
	res := &Result{SessionID: uuid.NewString(), Control: control}
	log := logging.Get(logging.CategoryPipeline)
	logging.Pipeline("session %s: control %s for %q", res.SessionID, control.ID, product)

	target, err := o.Provisioner.Provision(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("provision target for %q: %w", product, err)
	}

	// Retrieval. Store unavailability degrades to zero examples; it never
	// aborts the pipeline.
	examples := o.retrieve(ctx, control.Description, res)

	code, err := o.Generator.Generate(ctx, generate.Request{
		ControlID:   control.ID,
		Description: control.Description,
		Examples:    examples,
	})
	if err != nil {
		return nil, fmt.Errorf("initial generation for %s: %w", control.ID, err)
	}
	control.Code = code

	outcome, err := o.Repairer.Run(ctx, control, target)
	if err != nil {
		return nil, err
	}
	res.Outcome = outcome
	res.Control.Code = outcome.Code
	res.Duration = time.Since(start)

	if outcome.State == repair.StatePassed {
		o.emit(ctx, product, res, log)
	} else {
		logging.Pipeline("session %s: %s terminal state %s after %d iterations",
			res.SessionID, control.ID, outcome.State, outcome.Iterations)
	}
	return res, nil
}

// retrieve queries the store, downgrading every store fault to "no
// examples available".
func (o *Orchestrator) retrieve(ctx context.Context, description string, res *Result) []generate.Example {
	if o.Store == nil {
		res.Degraded = true
		return nil
	}

	k := o.QueryK
	if k < 1 {
		k = 4
	}
	found, err := o.Store.Query(ctx, description, k)
	if err != nil {
		res.Degraded = true
		logging.Get(logging.CategoryPipeline).Warn("retrieval degraded, generating without examples: %v", err)
		return nil
	}

	res.ExamplesUsed = len(found)
	examples := make([]generate.Example, 0, len(found))
	for _, ex := range found {
		examples = append(examples, generate.Example{
			Description: ex.Description,
			Code:        ex.Code,
		})
	}
	return examples
}

// emit hands a passed control to the packager and, when configured,
// re-ingests it into the store to close the learning loop.
func (o *Orchestrator) emit(ctx context.Context, product string, res *Result, log *logging.Logger) {
	logging.Pipeline("session %s: %s passed at iteration %d",
		res.SessionID, res.Control.ID, res.Outcome.Iterations)

	if o.Packager != nil {
		if err := o.Packager.Add(res.Control); err != nil {
			log.Warn("packaging %s failed: %v", res.Control.ID, err)
		}
	}

	if o.Reingest && o.Store != nil {
		source := "repaired:" + NormalizeProduct(product)
		if err := o.Store.IngestExample(ctx, source, res.Control); err != nil {
			// Learning-loop failures are never fatal to the request.
			log.Warn("re-ingestion of %s failed: %v", res.Control.ID, err)
		}
	}
}

// RunBaseline fans independent control sessions out across a bounded
// worker pool. Per-control terminal failures are reported in results, not
// as errors; only infrastructure faults abort the run.
func (o *Orchestrator) RunBaseline(ctx context.Context, product string, controls []types.Control) ([]*Result, error) {
	limit := o.Concurrency
	if limit < 1 {
		limit = 4
	}

	results := make([]*Result, len(controls))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, control := range controls {
		g.Go(func() error {
			res, err := o.RunControl(gctx, product, control)
			if err != nil {
				return fmt.Errorf("control %s: %w", control.ID, err)
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
