// Package workflow provides a durable step executor.
//
// A Run groups the named steps of one workflow invocation. Each step's result
// is checkpointed through a CheckpointStore as soon as it completes, so a
// re-run with the same run ID returns the recorded results instead of
// repeating completed steps. This reproduces the resume-from-last-step
// semantics of managed step-function runners.
package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
)

// CheckpointStore persists completed step results keyed by (runID, step).
type CheckpointStore interface {
	GetStepResult(ctx context.Context, runID, step string) (result []byte, ok bool, err error)
	SaveStepResult(ctx context.Context, runID, step string, result []byte) error
}

// Run is one workflow invocation. A nil checkpoint store degrades to plain
// sequential execution with no resumability.
type Run struct {
	id    string
	store CheckpointStore
}

// NewRun creates a run with the given ID. IDs must be unique per logical
// invocation; reusing an ID resumes the earlier invocation.
func NewRun(id string, store CheckpointStore) *Run {
	return &Run{id: id, store: store}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Step executes a named step at most once per run. When a checkpoint exists
// for the step, its recorded result is returned and fn is not called.
// A failed fn is not checkpointed, so the step runs again on the next
// attempt. Checkpoint write failures degrade to non-durable execution: the
// step's result is still returned, with a warning logged.
func Step[T any](ctx context.Context, r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	if r.store != nil {
		recorded, ok, err := r.store.GetStepResult(ctx, r.id, name)
		if err != nil {
			slog.Warn("failed to read step checkpoint", "run_id", r.id, "step", name, "error", err)
		} else if ok {
			if err := json.Unmarshal(recorded, &result); err != nil {
				return result, fmt.Errorf("decode checkpoint for step %q: %w", name, err)
			}
			return result, nil
		}
	}

	result, err := fn(ctx)
	if err != nil {
		return result, fmt.Errorf("step %q: %w", name, err)
	}

	if r.store != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			slog.Warn("failed to encode step result", "run_id", r.id, "step", name, "error", err)
			return result, nil
		}
		if err := r.store.SaveStepResult(ctx, r.id, name, encoded); err != nil {
			slog.Warn("failed to save step checkpoint", "run_id", r.id, "step", name, "error", err)
		}
	}

	return result, nil
}
