package rule

import (
	"time"

	"github.com/mohae/deepcopy"

	"github.com/issueflow/issueflow/engine/core"
)

// Trigger is one firing source of a rule. Config is a tagged record whose
// required sub-fields depend on Type; see DecodeTriggerConfig.
type Trigger struct {
	Type   TriggerType    `json:"type"             yaml:"type"             mapstructure:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty" mapstructure:"config,omitempty"`
}

// Condition gates execution. The first condition's combinator is ignored;
// later conditions fold left-to-right with their declared combinator.
type Condition struct {
	Type       ConditionType  `json:"type"                 yaml:"type"                 mapstructure:"type"`
	Config     map[string]any `json:"config,omitempty"     yaml:"config,omitempty"     mapstructure:"config,omitempty"`
	Combinator Combinator     `json:"combinator,omitempty" yaml:"combinator,omitempty" mapstructure:"combinator,omitempty"`
}

// Action is one side-effecting step. Actions execute in ascending Order.
type Action struct {
	Type            ActionType     `json:"type"                        yaml:"type"                        mapstructure:"type"`
	Config          map[string]any `json:"config,omitempty"            yaml:"config,omitempty"            mapstructure:"config,omitempty"`
	Order           int            `json:"order"                       yaml:"order"                       mapstructure:"order"`
	ContinueOnError bool           `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty" mapstructure:"continue_on_error,omitempty"`
}

// Rule is a complete automation definition.
type Rule struct {
	ID           core.ID     `json:"id"                      yaml:"id"`
	Name         string      `json:"name"                    yaml:"name"`
	Description  string      `json:"description,omitempty"   yaml:"description,omitempty"`
	Enabled      bool        `json:"enabled"                 yaml:"enabled"`
	ProjectScope []string    `json:"project_scope,omitempty" yaml:"project_scope,omitempty"`
	Triggers     []Trigger   `json:"triggers"                yaml:"triggers"`
	Conditions   []Condition `json:"conditions,omitempty"    yaml:"conditions,omitempty"`
	Actions      []Action    `json:"actions"                 yaml:"actions"`

	CreatedAt      time.Time  `json:"created_at"              yaml:"-"`
	UpdatedAt      time.Time  `json:"updated_at"              yaml:"-"`
	CreatedBy      string     `json:"created_by,omitempty"    yaml:"created_by,omitempty"`
	ExecutionCount int64      `json:"execution_count"         yaml:"-"`
	FailureCount   int64      `json:"failure_count"           yaml:"-"`
	LastExecuted   *time.Time `json:"last_executed,omitempty" yaml:"-"`
}

// Clone returns a deep copy so callers can hold a snapshot while the engine
// keeps mutating its registry copy.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	return deepcopy.Copy(r).(*Rule)
}

// InScope reports whether the rule applies to the given project key. An
// empty scope means global.
func (r *Rule) InScope(projectKey string) bool {
	if len(r.ProjectScope) == 0 {
		return true
	}
	for _, key := range r.ProjectScope {
		if key == projectKey {
			return true
		}
	}
	return false
}

// SortedActions returns the actions in ascending execution order without
// mutating the rule.
func (r *Rule) SortedActions() []Action {
	out := make([]Action, len(r.Actions))
	copy(out, r.Actions)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Order > out[j].Order; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// SuccessRate returns the percentage of non-failed executions.
func (r *Rule) SuccessRate() float64 {
	if r.ExecutionCount == 0 {
		return 0
	}
	return float64(r.ExecutionCount-r.FailureCount) / float64(r.ExecutionCount) * 100
}
