package automation

import (
	"time"

	"github.com/mohae/deepcopy"

	"github.com/issueflow/issueflow/engine/action"
	"github.com/issueflow/issueflow/engine/core"
)

// Execution is one run of a rule, kept in history until the retention sweep.
type Execution struct {
	ID          core.ID                `json:"id"`
	RuleID      core.ID                `json:"rule_id"`
	TriggeredAt time.Time              `json:"triggered_at"`
	TriggeredBy string                 `json:"triggered_by"`
	Status      core.StatusType        `json:"status"`
	Context     *core.ExecutionContext `json:"context,omitempty"`
	Results     []*action.Result       `json:"results,omitempty"`
	Error       string                 `json:"error,omitempty"`
	DurationMS  int64                  `json:"duration_ms"`
}

func (e *Execution) clone() *Execution {
	if e == nil {
		return nil
	}
	return deepcopy.Copy(e).(*Execution)
}

// Metrics aggregates execution outcomes per rule.
type Metrics struct {
	RuleID         core.ID        `json:"rule_id"`
	ExecutionCount int64          `json:"execution_count"`
	FailureCount   int64          `json:"failure_count"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	SuccessRate    float64        `json:"success_rate"`
	FailureReasons map[string]int `json:"failure_reasons,omitempty"`
	LastExecutedAt *time.Time     `json:"last_executed_at,omitempty"`
}

func (m *Metrics) clone() *Metrics {
	if m == nil {
		return nil
	}
	return deepcopy.Copy(m).(*Metrics)
}

// BulkError records one failed item in a bulk run.
type BulkError struct {
	ItemKey string    `json:"item_key"`
	Error   string    `json:"error"`
	TS      time.Time `json:"ts"`
}

// BulkOperationProgress tracks one bulk mutation across its batches.
type BulkOperationProgress struct {
	ID                  core.ID         `json:"id"`
	RuleID              core.ID         `json:"rule_id,omitempty"`
	JQL                 string          `json:"jql"`
	Status              core.StatusType `json:"status"`
	StartedAt           time.Time       `json:"started_at"`
	Total               int             `json:"total"`
	Processed           int             `json:"processed"`
	Succeeded           int             `json:"succeeded"`
	Failed              int             `json:"failed"`
	Errors              []BulkError     `json:"errors,omitempty"`
	EstimatedCompletion *time.Time      `json:"estimated_completion,omitempty"`
}

func (p *BulkOperationProgress) clone() *BulkOperationProgress {
	if p == nil {
		return nil
	}
	return deepcopy.Copy(p).(*BulkOperationProgress)
}

// RuleFilter narrows GetRules.
type RuleFilter struct {
	EnabledOnly bool
	ProjectKey  string
}

// ExecutionFilter narrows GetExecutions. A zero Limit means no cap.
type ExecutionFilter struct {
	RuleID core.ID
	Status core.StatusType
	Limit  int
}
