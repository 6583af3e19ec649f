package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/pkg/logger"
)

const (
	defaultBatchSize = 100
	maxBulkErrors    = 100
	// bulkEMAWeight is the smoothing factor for the per-item duration
	// estimate feeding estimated_completion.
	bulkEMAWeight = 0.3
)

// RunBulk executes a bulk mutation: iterate a tracker query in batches and
// apply the field mutation to every hit. Per-item failures are recorded and
// do not stop the batch.
func (e *Engine) RunBulk(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	jql, _ := config["jql"].(string)
	fields, _ := config["fields"].(map[string]any)
	if jql == "" || len(fields) == 0 {
		return nil, fmt.Errorf("bulk operation needs jql and a non-empty fields map")
	}
	batchSize := intConfig(config, "batch_size", defaultBatchSize)
	maxIssues := intConfig(config, "max_issues", 0)

	probe, err := e.tracker.Search(ctx, jql, 0, 0)
	if err != nil {
		return nil, err
	}
	total := probe.Total
	if maxIssues > 0 && total > maxIssues {
		total = maxIssues
	}

	progress := &BulkOperationProgress{
		ID:        core.MustNewID(),
		JQL:       jql,
		Status:    core.StatusRunning,
		StartedAt: e.now(),
		Total:     total,
	}
	if ec != nil {
		// Link the progress to the owning rule when run from a pipeline.
		if ruleID, ok := ec.Custom["rule_id"].(string); ok {
			progress.RuleID = core.ID(ruleID)
		}
	}
	e.mu.Lock()
	e.bulkOps[progress.ID] = progress
	e.mu.Unlock()

	log := logger.FromContext(ctx)
	tally := bulkTally{id: progress.ID, total: total}
	var emaPerItem float64
	startAt := 0
	for tally.processed < total {
		if err := ctx.Err(); err != nil {
			e.finishBulk(progress.ID, core.StatusCancelled, tally)
			return tally.data(), fmt.Errorf("bulk operation cancelled after %d of %d issues",
				tally.processed, total)
		}
		size := batchSize
		if remaining := total - tally.processed; size > remaining {
			size = remaining
		}
		page, err := e.tracker.Search(ctx, jql, startAt, size)
		if err != nil {
			e.finishBulk(progress.ID, core.StatusFailed, tally)
			return tally.data(), err
		}
		if len(page.Issues) == 0 {
			break
		}
		batchStart := e.now()
		for _, issue := range page.Issues {
			if updateErr := e.tracker.UpdateIssue(ctx, issue.Key, fields); updateErr != nil {
				tally.failed++
				tally.errs = append(tally.errs, BulkError{
					ItemKey: issue.Key,
					Error:   updateErr.Error(),
					TS:      e.now(),
				})
				if len(tally.errs) > maxBulkErrors {
					tally.errs = tally.errs[len(tally.errs)-maxBulkErrors:]
				}
			} else {
				tally.succeeded++
			}
			tally.processed++
		}
		startAt += len(page.Issues)

		perItem := float64(e.now().Sub(batchStart)) / float64(len(page.Issues))
		if emaPerItem == 0 {
			emaPerItem = perItem
		} else {
			emaPerItem = bulkEMAWeight*perItem + (1-bulkEMAWeight)*emaPerItem
		}
		eta := e.now().Add(time.Duration(emaPerItem * float64(total-tally.processed)))
		e.publishBulk(progress.ID, tally, &eta)
	}

	status := core.StatusCompleted
	if tally.failed > 0 {
		status = core.StatusFailed
	}
	e.finishBulk(progress.ID, status, tally)
	log.Info("bulk operation finished",
		"operation_id", progress.ID, "status", status,
		"processed", tally.processed, "succeeded", tally.succeeded, "failed", tally.failed)
	if status == core.StatusFailed {
		return tally.data(), fmt.Errorf("bulk operation finished with %d failed of %d issues",
			tally.failed, tally.processed)
	}
	return tally.data(), nil
}

// bulkTally is the worker-local view of a bulk run, flushed into the shared
// BulkOperationProgress after each batch.
type bulkTally struct {
	id        core.ID
	total     int
	processed int
	succeeded int
	failed    int
	errs      []BulkError
}

func (t bulkTally) data() map[string]any {
	return map[string]any{
		"operation_id": string(t.id),
		"total":        t.total,
		"processed":    t.processed,
		"succeeded":    t.succeeded,
		"failed":       t.failed,
	}
}

func (e *Engine) publishBulk(id core.ID, tally bulkTally, eta *time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	progress, ok := e.bulkOps[id]
	if !ok {
		return
	}
	progress.Processed = tally.processed
	progress.Succeeded = tally.succeeded
	progress.Failed = tally.failed
	progress.Errors = append([]BulkError(nil), tally.errs...)
	progress.EstimatedCompletion = eta
}

func (e *Engine) finishBulk(id core.ID, status core.StatusType, tally bulkTally) {
	e.publishBulk(id, tally, nil)
	e.mu.Lock()
	defer e.mu.Unlock()
	if progress, ok := e.bulkOps[id]; ok {
		progress.Status = status
	}
}

func intConfig(config map[string]any, key string, fallback int) int {
	switch typed := config[key].(type) {
	case int:
		if typed > 0 {
			return typed
		}
	case int64:
		if typed > 0 {
			return int(typed)
		}
	case float64:
		if typed > 0 {
			return int(typed)
		}
	}
	return fallback
}
