package mutation

import (
	"context"
	"fmt"

	"github.com/lyzr/pevr/common/metrics"
)

// ApplyBatch applies diffs in order. The lock is taken per item, not for the whole batch.
// With stopOnError, the first failure rolls back everything this batch applied
// (reverse order) and later items are never attempted; Succeeded is reduced by
// the number of items rolled back.
func (e *Engine) ApplyBatch(ctx context.Context, diffs []*FileDiff, dryRun, stopOnError bool) *ApplyResult {
	res := &ApplyResult{Total: len(diffs)}
	applied := make([]*FileDiff, 0, len(diffs))

	for i, d := range diffs {
		err := ctx.Err()
		if err == nil {
			err = e.Apply(d, dryRun)
		}

		if err == nil {
			res.Succeeded++
			if !dryRun {
				applied = append(applied, d)
				metrics.DiffsApplied.WithLabelValues(string(d.Operation), "applied").Inc()
			}
			continue
		}

		res.Failed++
		if d != nil {
			metrics.DiffsApplied.WithLabelValues(string(d.Operation), "failed").Inc()
		}
		res.Errors = append(res.Errors, ItemError{Index: i, FilePath: filePathOf(d), Message: err.Error()})
		e.logger.Error("diff apply failed", "index", i, "file_path", filePathOf(d), "error", err)

		if stopOnError {
			if len(applied) > 0 {
				e.logger.Warn("stopping batch and rolling back applied diffs", "count", len(applied))
				rb := e.RollbackBatch(applied)
				res.RolledBack = rb.Succeeded
				res.Succeeded -= rb.Succeeded
			}
			break
		}
	}

	e.logger.Info("batch apply finished",
		"total", res.Total,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"rolled_back", res.RolledBack,
		"dry_run", dryRun)

	return res
}

// RollbackBatch reverses diffs in strict reverse order. A failure on one item
// does not stop attempts on the others.
func (e *Engine) RollbackBatch(diffs []*FileDiff) *RollbackResult {
	res := &RollbackResult{Total: len(diffs)}

	for i := len(diffs) - 1; i >= 0; i-- {
		d := diffs[i]
		if err := e.Rollback(d); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ItemError{Index: i, FilePath: filePathOf(d), Message: err.Error()})
			e.logger.Error("diff rollback failed", "index", i, "file_path", filePathOf(d), "error", err)
			continue
		}
		res.Succeeded++
	}

	metrics.Rollbacks.WithLabelValues(metrics.Outcome(res.Success())).Inc()
	e.logger.Info("batch rollback finished",
		"total", res.Total,
		"succeeded", res.Succeeded,
		"failed", res.Failed)

	return res
}

func filePathOf(d *FileDiff) string {
	if d == nil {
		return ""
	}
	return d.FilePath
}

// String renders a one-line summary for logs and CLI output
func (r *ApplyResult) String() string {
	return fmt.Sprintf("%d/%d applied, %d failed, %d rolled back", r.Succeeded, r.Total, r.Failed, r.RolledBack)
}
