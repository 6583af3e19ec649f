package rule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/issueflow/issueflow/engine/core"
)

// Standard 5-field cron expressions plus @-descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks structural wellformedness of a rule spec. It returns a
// categorized validation error with one entry per offending field path.
func Validate(r *Rule) error {
	var fields []core.FieldError
	if strings.TrimSpace(r.Name) == "" {
		fields = append(fields, core.FieldError{Path: "name", Code: "required", Message: "name is required"})
	}
	if len(r.Triggers) == 0 {
		fields = append(fields, core.FieldError{Path: "triggers", Code: "min", Message: "at least one trigger is required"})
	}
	for i, t := range r.Triggers {
		fields = append(fields, validateTrigger(i, t)...)
	}
	for i, c := range r.Conditions {
		fields = append(fields, validateCondition(i, c)...)
	}
	if len(r.Actions) == 0 {
		fields = append(fields, core.FieldError{Path: "actions", Code: "min", Message: "at least one action is required"})
	}
	for i, a := range r.Actions {
		fields = append(fields, validateAction(i, a)...)
	}
	if len(fields) > 0 {
		return core.NewValidationError(fields...)
	}
	return nil
}

func validateTrigger(idx int, t Trigger) []core.FieldError {
	path := fmt.Sprintf("triggers[%d]", idx)
	if !t.Type.IsValid() {
		return []core.FieldError{{
			Path: path + ".type", Code: "invalid_enum",
			Message: fmt.Sprintf("unknown trigger type %q", t.Type),
		}}
	}
	cfg, err := DecodeTriggerConfig(t)
	if err != nil {
		return []core.FieldError{{
			Path: path + ".config", Code: "malformed", Message: err.Error(),
		}}
	}
	var fields []core.FieldError
	switch typed := cfg.(type) {
	case *ScheduledTriggerConfig:
		if typed.Cron == "" {
			fields = append(fields, core.FieldError{
				Path: path + ".config.cron", Code: "required",
				Message: "cron expression is required for scheduled triggers",
			})
		} else if _, err := cronParser.Parse(typed.Cron); err != nil {
			fields = append(fields, core.FieldError{
				Path: path + ".config.cron", Code: "invalid_cron",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
		if typed.Timezone != "" {
			if _, err := time.LoadLocation(typed.Timezone); err != nil {
				fields = append(fields, core.FieldError{
					Path: path + ".config.timezone", Code: "invalid_timezone",
					Message: fmt.Sprintf("unknown timezone %q", typed.Timezone),
				})
			}
		}
	case *WebhookTriggerConfig:
		if typed.InletID == "" {
			fields = append(fields, core.FieldError{
				Path: path + ".config.inlet_id", Code: "required",
				Message: "inlet id is required for webhook triggers",
			})
		}
	case *EventTriggerConfig:
		if t.Type == TriggerFieldChanged && typed.FieldID == "" {
			fields = append(fields, core.FieldError{
				Path: path + ".config.field_id", Code: "required",
				Message: "field id is required for field-changed triggers",
			})
		}
	}
	return fields
}

func validateCondition(idx int, c Condition) []core.FieldError {
	path := fmt.Sprintf("conditions[%d]", idx)
	if !c.Type.IsValid() {
		return []core.FieldError{{
			Path: path + ".type", Code: "invalid_enum",
			Message: fmt.Sprintf("unknown condition type %q", c.Type),
		}}
	}
	// Host-code evaluation is denied outright; see the condition evaluator.
	if c.Type == ConditionCustomScript {
		return []core.FieldError{{
			Path: path + ".type", Code: "condition_type_unsupported",
			Message: "CUSTOM_SCRIPT conditions are not supported",
		}}
	}
	var fields []core.FieldError
	if idx > 0 && !c.Combinator.IsValid() {
		fields = append(fields, core.FieldError{
			Path: path + ".combinator", Code: "invalid_enum",
			Message: fmt.Sprintf("combinator must be AND or OR, got %q", c.Combinator),
		})
	}
	cfg, err := DecodeConditionConfig(c)
	if err != nil {
		return append(fields, core.FieldError{
			Path: path + ".config", Code: "malformed", Message: err.Error(),
		})
	}
	switch typed := cfg.(type) {
	case *TrackerQueryConditionConfig:
		if typed.Query == "" {
			fields = append(fields, core.FieldError{
				Path: path + ".config.query", Code: "required", Message: "query is required",
			})
		}
	case *FieldValueConditionConfig:
		if typed.Field == "" {
			fields = append(fields, core.FieldError{
				Path: path + ".config.field", Code: "required", Message: "field is required",
			})
		}
		if !typed.Comparator.IsValid() {
			fields = append(fields, core.FieldError{
				Path: path + ".config.comparator", Code: "invalid_enum",
				Message: fmt.Sprintf("unknown comparator %q", typed.Comparator),
			})
		}
	case *UserInGroupConditionConfig:
		if typed.Group == "" {
			fields = append(fields, core.FieldError{
				Path: path + ".config.group", Code: "required", Message: "group is required",
			})
		}
	case *ProjectCategoryConditionConfig:
		if typed.CategoryID == "" {
			fields = append(fields, core.FieldError{
				Path: path + ".config.category_id", Code: "required", Message: "category id is required",
			})
		}
	case *IssueAgeConditionConfig:
		if typed.Days <= 0 {
			fields = append(fields, core.FieldError{
				Path: path + ".config.days", Code: "min", Message: "days must be positive",
			})
		}
	case *SmartValueConditionConfig:
		if typed.Expression == "" {
			fields = append(fields, core.FieldError{
				Path: path + ".config.expression", Code: "required", Message: "expression is required",
			})
		}
	}
	return fields
}

// Statically required config keys per action type. Keys resolvable from the
// execution context (issue_key and friends) are checked at execution time by
// the action executor instead.
var requiredActionKeys = map[ActionType][]string{
	ActionCreateIssue:       {"project_key", "issue_type", "summary"},
	ActionAddComment:        {"body"},
	ActionWebhookCall:       {"url"},
	ActionBulkOperation:     {"jql", "fields"},
	ActionLinkIssues:        {"target_issue_key", "link_type"},
	ActionUpdateCustomField: {"field_id", "value"},
	ActionUpdateIssue:       {"fields"},
	ActionCreateSubtask:     {"summary"},
	ActionSendNotification:  {"recipients"},
}

func validateAction(idx int, a Action) []core.FieldError {
	path := fmt.Sprintf("actions[%d]", idx)
	if !a.Type.IsValid() {
		return []core.FieldError{{
			Path: path + ".type", Code: "invalid_enum",
			Message: fmt.Sprintf("unknown action type %q", a.Type),
		}}
	}
	var fields []core.FieldError
	for _, key := range requiredActionKeys[a.Type] {
		if isEmptyConfigValue(a.Config[key]) {
			fields = append(fields, core.FieldError{
				Path: fmt.Sprintf("%s.config.%s", path, key), Code: "required",
				Message: fmt.Sprintf("%s is required for %s actions", key, a.Type),
			})
		}
	}
	if a.Type == ActionTransitionIssue {
		if isEmptyConfigValue(a.Config["transition_id"]) && isEmptyConfigValue(a.Config["transition_name"]) {
			fields = append(fields, core.FieldError{
				Path: path + ".config", Code: "required",
				Message: "transition_id or transition_name is required for transition-issue actions",
			})
		}
	}
	return fields
}

func isEmptyConfigValue(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	case []any:
		return len(typed) == 0
	case []string:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	default:
		return false
	}
}
