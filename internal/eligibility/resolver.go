// Package eligibility computes which unresolved task processings may be
// dispatched next. The computation is pure and read-only, so callers can
// invoke it as often as they like.
package eligibility

import (
	"context"
	"fmt"

	"github.com/petrijr/conveyor/pkg/api"
)

// WorkflowLookup resolves a workflow declaration by ID.
type WorkflowLookup func(ctx context.Context, workflowID string) (*api.Workflow, error)

// Resolve returns, across all enriched runs, the unresolved task
// processings that are declared by the owning workflow and whose task has
// not already resolved in the run's history:
//
//	eligible = related ∩ declared \ processed
//
// A history snapshot only counts as processed once it carries a lifecycle
// timestamp; the unresolved seed entry written at run initialisation does
// not block its own dispatch. The result is de-duplicated by record
// identity. No ordering is imposed; ties are left to the caller.
func Resolve(ctx context.Context, runs []api.RunWithRelatedTasks, lookup WorkflowLookup) ([]api.TaskProcessing, error) {
	var eligible []api.TaskProcessing
	seen := make(map[string]struct{})

	for _, run := range runs {
		wf, err := lookup(ctx, run.Log.WorkflowID)
		if err != nil {
			return nil, fmt.Errorf("resolve run %s: %w", run.Log.ID, err)
		}

		processed := run.Log.ResolvedTaskIDs()
		for _, tp := range run.RelatedTasks {
			if !tp.Unresolved() {
				continue
			}
			if !wf.DeclaresTask(tp.TaskID) {
				continue
			}
			if _, done := processed[tp.TaskID]; done {
				continue
			}
			if _, dup := seen[tp.ID]; dup {
				continue
			}
			seen[tp.ID] = struct{}{}
			eligible = append(eligible, tp)
		}
	}
	return eligible, nil
}
