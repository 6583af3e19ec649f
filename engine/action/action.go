package action

import (
	"context"
	"fmt"
	"time"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
	"github.com/issueflow/issueflow/pkg/logger"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of one action within an execution.
type Result struct {
	ActionType rule.ActionType `json:"action_type"`
	Status     Status          `json:"status"`
	Message    string          `json:"message,omitempty"`
	Data       map[string]any  `json:"data,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// Adapter performs one action type. Adapters return their output data; the
// executor owns status, timing, and failure wrapping.
type Adapter interface {
	Type() rule.ActionType
	Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error)
}

// Registry is the fixed adapter table populated at startup.
type Registry struct {
	adapters map[rule.ActionType]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	table := make(map[rule.ActionType]Adapter, len(adapters))
	for _, a := range adapters {
		table[a.Type()] = a
	}
	return &Registry{adapters: table}
}

func (r *Registry) Get(t rule.ActionType) (Adapter, bool) {
	a, ok := r.adapters[t]
	return a, ok
}

// requiredConfigKeys mirrors rule validation so an action that slipped past
// validation still fails cleanly instead of sending a broken request.
var requiredConfigKeys = map[rule.ActionType][]string{
	rule.ActionCreateIssue:       {"project_key", "issue_type", "summary"},
	rule.ActionAddComment:        {"body"},
	rule.ActionWebhookCall:       {"url"},
	rule.ActionBulkOperation:     {"jql", "fields"},
	rule.ActionLinkIssues:        {"target_issue_key", "link_type"},
	rule.ActionUpdateCustomField: {"field_id", "value"},
	rule.ActionUpdateIssue:       {"fields"},
	rule.ActionCreateSubtask:     {"summary"},
	rule.ActionSendNotification:  {"recipients"},
}

// Executor dispatches one action to its adapter and produces the Result.
type Executor struct {
	registry *Registry
	now      func() time.Time
}

func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry, now: time.Now}
}

// Execute never returns an error: every failure mode lands in the Result so
// the pipeline's continue_on_error policy can act on it.
func (e *Executor) Execute(ctx context.Context, a rule.Action, ec *core.ExecutionContext) (result *Result) {
	start := e.now()
	result = &Result{ActionType: a.Type}
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Error("action adapter panicked", "type", a.Type, "panic", r)
			result.Status = StatusFailed
			result.Message = fmt.Sprintf("action panicked: %v", r)
		}
		result.DurationMS = e.now().Sub(start).Milliseconds()
	}()

	adapter, ok := e.registry.Get(a.Type)
	if !ok {
		result.Status = StatusFailed
		result.Message = fmt.Sprintf("unsupported action type %q", a.Type)
		return result
	}
	if missing := missingConfigKey(a); missing != "" {
		result.Status = StatusFailed
		result.Message = missing + " required"
		return result
	}
	data, err := adapter.Execute(ctx, a.Config, ec)
	result.Data = data
	if err != nil {
		result.Status = StatusFailed
		result.Message = err.Error()
		return result
	}
	result.Status = StatusSuccess
	return result
}

func missingConfigKey(a rule.Action) string {
	for _, key := range requiredConfigKeys[a.Type] {
		if isEmpty(a.Config[key]) {
			return key
		}
	}
	if a.Type == rule.ActionTransitionIssue {
		if isEmpty(a.Config["transition_id"]) && isEmpty(a.Config["transition_name"]) {
			return "transition_id or transition_name"
		}
	}
	return ""
}

func isEmpty(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case map[string]any:
		return len(typed) == 0
	case []any:
		return len(typed) == 0
	case []string:
		return len(typed) == 0
	default:
		return false
	}
}
