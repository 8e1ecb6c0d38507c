// Package provisioner defines the generic stage-composition contract
// used by the kernel lifecycle pipeline: a single Provisioner
// interface composed into an ordered Pipeline whose teardown runs in
// reverse order on any stage failure.
package provisioner

import (
	"context"
	"fmt"
)

// ProvisionError wraps a stage-local setup failure with the stage name
// that produced it.
type ProvisionError struct {
	Stage string
	Cause error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.Cause)
}

func (e *ProvisionError) Unwrap() error { return e.Cause }

// Provisioner is a named, idempotent setup/teardown pair operating over
// an arbitrary per-stage spec and result type, type-erased behind
// `any` so a Pipeline can hold a heterogeneous ordered list.
type Provisioner interface {
	// Name is the stable identifier used in logs and metrics.
	Name() string
	// Setup creates resources and returns enough data (possibly nil) to
	// undo them later. Implementations MUST be safe to retry unless the
	// stage documents an exception.
	Setup(ctx context.Context, spec any) (result any, err error)
	// Teardown releases resources acquired in Setup. Must tolerate a
	// nil result (Setup never ran, or ran partially) and must be safe
	// to call twice.
	Teardown(ctx context.Context, result any) error
}

// Func adapts a pair of plain functions into a Provisioner, the way
// most lifecycle stages are defined (pkg/lifecycle).
type Func struct {
	StageName    string
	SetupFunc    func(ctx context.Context, spec any) (any, error)
	TeardownFunc func(ctx context.Context, result any) error
}

func (f *Func) Name() string { return f.StageName }

func (f *Func) Setup(ctx context.Context, spec any) (any, error) {
	return f.SetupFunc(ctx, spec)
}

func (f *Func) Teardown(ctx context.Context, result any) error {
	if f.TeardownFunc == nil {
		return nil
	}
	return f.TeardownFunc(ctx, result)
}

// completedStage records that a stage's Setup ran and with what result,
// so a failure partway through the pipeline can unwind exactly the
// stages that actually ran, in reverse order.
type completedStage struct {
	stage  Provisioner
	result any
}

// Pipeline is a composite Provisioner whose Setup runs substages in
// strict order and whose Teardown runs them in reverse. If substage N
// fails, substages N-1...1 are torn down in reverse order before the
// error propagates.
type Pipeline struct {
	PipelineName string
	Stages       []Provisioner
}

func (p *Pipeline) Name() string { return p.PipelineName }

// Setup runs every stage in order. spec is passed to every stage
// unchanged — stages that need earlier results read them out of the
// shared mutable spec value (callers typically pass a pointer to a
// struct each stage mutates in place), matching how ProvisionStage's
// "wait-for-result future" lets later stages depend on earlier data
// without re-executing them.
func (p *Pipeline) Setup(ctx context.Context, spec any) (any, error) {
	completed := make([]completedStage, 0, len(p.Stages))
	for _, stage := range p.Stages {
		result, err := stage.Setup(ctx, spec)
		if err != nil {
			teardownErr := teardownReverse(ctx, completed)
			wrapped := &ProvisionError{Stage: stage.Name(), Cause: err}
			if teardownErr != nil {
				return nil, fmt.Errorf("%w (teardown also failed: %v)", wrapped, teardownErr)
			}
			return nil, wrapped
		}
		completed = append(completed, completedStage{stage: stage, result: result})
	}
	return completed, nil
}

// Teardown unwinds every completed stage in reverse order. result must
// be the []completedStage produced by Setup, or nil if Setup never ran.
func (p *Pipeline) Teardown(ctx context.Context, result any) error {
	completed, _ := result.([]completedStage)
	return teardownReverse(ctx, completed)
}

func teardownReverse(ctx context.Context, completed []completedStage) error {
	var firstErr error
	for i := len(completed) - 1; i >= 0; i-- {
		cs := completed[i]
		if err := cs.stage.Teardown(ctx, cs.result); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("teardown of stage %q: %w", cs.stage.Name(), err)
		}
	}
	return firstErr
}

// TeardownCount reports how many stages would be torn down for a given
// Setup result — used by tests verifying teardown count equals setup
// count.
func TeardownCount(result any) int {
	completed, _ := result.([]completedStage)
	return len(completed)
}
