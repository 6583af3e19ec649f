package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
	"github.com/issueflow/issueflow/engine/smartvalue"
	"github.com/issueflow/issueflow/pkg/logger"
)

// Tracker is the subset of the tracker client the evaluator consults.
type Tracker interface {
	CountQuery(ctx context.Context, jql string) (int, error)
	UserInGroup(ctx context.Context, userID, group string) (bool, error)
	ProjectCategoryID(ctx context.Context, projectKey string) (string, error)
}

// createdLayouts are the timestamp formats trackers emit for issue creation.
var createdLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339,
	"2006-01-02",
}

// Evaluator decides whether a rule's conditions hold for an execution
// context. Conditions fold left to right using their combinators; there is no
// precedence, ordering is the author's grouping tool.
type Evaluator struct {
	tracker  Tracker
	resolver *smartvalue.Resolver
	now      func() time.Time
}

func NewEvaluator(tracker Tracker, resolver *smartvalue.Resolver) *Evaluator {
	return &Evaluator{
		tracker:  tracker,
		resolver: resolver,
		now:      time.Now,
	}
}

// Matches evaluates all conditions. Any evaluation error means the rule is
// not matched; the error is logged, never surfaced as an execution failure.
func (e *Evaluator) Matches(ctx context.Context, conditions []rule.Condition, ec *core.ExecutionContext) bool {
	if len(conditions) == 0 {
		return true
	}
	log := logger.FromContext(ctx)
	acc, err := e.evaluate(ctx, conditions[0], ec)
	if err != nil {
		log.Warn("condition evaluation failed, rule skipped", "type", conditions[0].Type, "error", err)
		return false
	}
	for i := 1; i < len(conditions); i++ {
		value, evalErr := e.evaluate(ctx, conditions[i], ec)
		if evalErr != nil {
			log.Warn("condition evaluation failed, rule skipped",
				"type", conditions[i].Type, "index", i, "error", evalErr)
			return false
		}
		if conditions[i].Combinator == rule.CombinatorOr {
			acc = acc || value
		} else {
			acc = acc && value
		}
	}
	return acc
}

func (e *Evaluator) evaluate(ctx context.Context, c rule.Condition, ec *core.ExecutionContext) (bool, error) {
	// Validation rejects CUSTOM_SCRIPT at rule creation; an evaluator seeing
	// one anyway must not run host code.
	if c.Type == rule.ConditionCustomScript {
		return false, nil
	}
	decoded, err := rule.DecodeConditionConfig(c)
	if err != nil {
		return false, err
	}
	switch cfg := decoded.(type) {
	case *rule.TrackerQueryConditionConfig:
		query := e.resolver.ResolveString(ctx, cfg.Query, ec)
		count, err := e.tracker.CountQuery(ctx, query)
		if err != nil {
			return false, err
		}
		return count > 0, nil
	case *rule.FieldValueConditionConfig:
		return evaluateFieldValue(cfg, ec)
	case *rule.UserInGroupConditionConfig:
		if ec == nil || ec.UserID == "" {
			return false, fmt.Errorf("user_in_group condition requires a user in context")
		}
		return e.tracker.UserInGroup(ctx, ec.UserID, cfg.Group)
	case *rule.ProjectCategoryConditionConfig:
		if ec == nil || ec.ProjectKey == "" {
			return false, fmt.Errorf("project_category condition requires a project in context")
		}
		categoryID, err := e.tracker.ProjectCategoryID(ctx, ec.ProjectKey)
		if err != nil {
			return false, err
		}
		return categoryID == cfg.CategoryID, nil
	case *rule.IssueAgeConditionConfig:
		return e.evaluateIssueAge(cfg, ec)
	case *rule.SmartValueConditionConfig:
		resolved := e.resolver.ResolveString(ctx, cfg.Expression, ec)
		return truthy(resolved), nil
	default:
		return false, fmt.Errorf("unsupported condition type %q", c.Type)
	}
}

func evaluateFieldValue(cfg *rule.FieldValueConditionConfig, ec *core.ExecutionContext) (bool, error) {
	if ec == nil || len(ec.IssuePayload) == 0 {
		return false, fmt.Errorf("field_value condition requires an issue payload in context")
	}
	actual, found := lookupField(ec.IssuePayload, cfg.Field)
	if !found {
		if cfg.Comparator == rule.ComparatorNe {
			return true, nil
		}
		return false, nil
	}
	return compare(cfg.Comparator, actual, cfg.Value)
}

// lookupField reads a dotted field path from the issue payload, trying both
// the raw path and the conventional fields.<path> prefix.
func lookupField(payload map[string]any, field string) (gjson.Result, bool) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return gjson.Result{}, false
	}
	if result := gjson.GetBytes(encoded, field); result.Exists() {
		return result, true
	}
	if result := gjson.GetBytes(encoded, "fields."+field); result.Exists() {
		return result, true
	}
	return gjson.Result{}, false
}

func compare(comparator rule.Comparator, actual gjson.Result, expected any) (bool, error) {
	switch comparator {
	case rule.ComparatorEq:
		return equal(actual, expected), nil
	case rule.ComparatorNe:
		return !equal(actual, expected), nil
	case rule.ComparatorContains:
		return contains(actual, expected), nil
	case rule.ComparatorGt, rule.ComparatorLt:
		actualNum, expectedNum, err := numbers(actual, expected)
		if err != nil {
			return false, err
		}
		if comparator == rule.ComparatorGt {
			return actualNum > expectedNum, nil
		}
		return actualNum < expectedNum, nil
	default:
		return false, fmt.Errorf("unknown comparator %q", comparator)
	}
}

func equal(actual gjson.Result, expected any) bool {
	if expected == nil {
		return actual.Type == gjson.Null
	}
	switch typed := expected.(type) {
	case string:
		return actual.String() == typed
	case bool:
		return actual.IsBool() && actual.Bool() == typed
	default:
		actualNum, expectedNum, err := numbers(actual, expected)
		if err != nil {
			return actual.String() == fmt.Sprintf("%v", expected)
		}
		return actualNum == expectedNum
	}
}

func contains(actual gjson.Result, expected any) bool {
	needle := fmt.Sprintf("%v", expected)
	if actual.IsArray() {
		for _, item := range actual.Array() {
			if item.String() == needle {
				return true
			}
		}
		return false
	}
	return strings.Contains(actual.String(), needle)
}

func numbers(actual gjson.Result, expected any) (float64, float64, error) {
	var actualNum float64
	if actual.Type == gjson.Number {
		actualNum = actual.Float()
	} else {
		parsed, err := strconv.ParseFloat(actual.String(), 64)
		if err != nil {
			return 0, 0, fmt.Errorf("field value %q is not numeric", actual.String())
		}
		actualNum = parsed
	}
	expectedNum, err := toFloat(expected)
	if err != nil {
		return 0, 0, err
	}
	return actualNum, expectedNum, nil
}

func toFloat(v any) (float64, error) {
	switch typed := v.(type) {
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case float64:
		return typed, nil
	case string:
		parsed, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return 0, fmt.Errorf("comparison value %q is not numeric", typed)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("comparison value %v is not numeric", v)
	}
}

func (e *Evaluator) evaluateIssueAge(cfg *rule.IssueAgeConditionConfig, ec *core.ExecutionContext) (bool, error) {
	if ec == nil || len(ec.IssuePayload) == 0 {
		return false, fmt.Errorf("issue_age condition requires an issue payload in context")
	}
	created, found := lookupField(ec.IssuePayload, "created")
	if !found {
		return false, fmt.Errorf("issue payload has no created timestamp")
	}
	createdAt, err := parseCreated(created.String())
	if err != nil {
		return false, err
	}
	age := e.now().Sub(createdAt)
	return age >= time.Duration(cfg.Days)*24*time.Hour, nil
}

func parseCreated(value string) (time.Time, error) {
	for _, layout := range createdLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created timestamp %q", value)
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "false", "0":
		return false
	default:
		return true
	}
}
