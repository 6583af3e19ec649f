package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
	"github.com/issueflow/issueflow/engine/tracker"
	"github.com/issueflow/issueflow/pkg/logger"
)

// Tracker is the slice of the tracker client the adapters depend on.
type Tracker interface {
	GetIssue(ctx context.Context, key string) (*tracker.Issue, error)
	UpdateIssue(ctx context.Context, key string, fields map[string]any) error
	CreateIssue(ctx context.Context, fields map[string]any) (*tracker.CreatedIssue, error)
	GetTransitions(ctx context.Context, key string) ([]tracker.Transition, error)
	ApplyTransition(ctx context.Context, key, transitionID string) error
	AddComment(ctx context.Context, key, body string, internal bool) error
	AssignIssue(ctx context.Context, key string, accountID *string) error
	LinkIssues(ctx context.Context, inwardKey, outwardKey, linkType string) error
	SendNotification(ctx context.Context, issueKey, subject, body string, recipients []string) error
}

// BulkRunner executes a bulk mutation. Implemented by the automation engine;
// the indirection keeps this package free of an import cycle.
type BulkRunner interface {
	RunBulk(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error)
}

// FieldValidator checks a field value against the project's schema before a
// write. Satisfied by tracker.FieldCache.
type FieldValidator interface {
	Validate(ctx context.Context, nameOrID string, value any, projectKey string) error
}

const defaultWebhookTimeout = 30 * time.Second

// RegistryConfig tunes the default adapter set. Zero values fall back to the
// defaults; a nil Fields skips schema validation.
type RegistryConfig struct {
	WebhookTimeout time.Duration
	Fields         FieldValidator
}

// DefaultRegistry wires every supported action type.
func DefaultRegistry(trk Tracker, bulk BulkRunner, cfg RegistryConfig) *Registry {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	httpClient := resty.New().SetTimeout(timeout)
	return NewRegistry(
		&updateIssueAdapter{tracker: trk, fields: cfg.Fields},
		&transitionIssueAdapter{tracker: trk},
		&createIssueAdapter{tracker: trk},
		&addCommentAdapter{tracker: trk},
		&assignIssueAdapter{tracker: trk},
		&sendNotificationAdapter{tracker: trk},
		&webhookCallAdapter{http: httpClient},
		&bulkOperationAdapter{runner: bulk},
		&createSubtaskAdapter{tracker: trk},
		&linkIssuesAdapter{tracker: trk},
		&updateCustomFieldAdapter{tracker: trk, fields: cfg.Fields},
	)
}

func contextIssueKey(config map[string]any, ec *core.ExecutionContext) (string, error) {
	if key, _ := config["issue_key"].(string); key != "" {
		return key, nil
	}
	if ec != nil && ec.IssueKey != "" {
		return ec.IssueKey, nil
	}
	return "", fmt.Errorf("no issue key in action config or execution context")
}

func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

// projectForIssue resolves the project a mutation targets, falling back to
// the issue key prefix when the context carries no explicit project.
func projectForIssue(ec *core.ExecutionContext, issueKey string) string {
	if ec != nil && ec.ProjectKey != "" {
		return ec.ProjectKey
	}
	if prefix, _, ok := strings.Cut(issueKey, "-"); ok {
		return prefix
	}
	return ""
}

// validateFieldValues checks a mutation against the project's field schemas.
// Only a definite validation violation blocks the write; unknown fields and
// schema fetch failures are logged and let through.
func validateFieldValues(ctx context.Context, v FieldValidator, project string, fields map[string]any) error {
	if v == nil || project == "" {
		return nil
	}
	for name, value := range fields {
		err := v.Validate(ctx, name, value, project)
		if err == nil {
			continue
		}
		if core.CategoryOf(err) == core.CategoryValidation {
			return err
		}
		logger.FromContext(ctx).Warn("field schema check skipped",
			"field", name, "project", project, "error", err)
	}
	return nil
}

func configStrings(config map[string]any, key string) []string {
	switch typed := config[key].(type) {
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

type updateIssueAdapter struct {
	tracker Tracker
	fields  FieldValidator
}

func (a *updateIssueAdapter) Type() rule.ActionType { return rule.ActionUpdateIssue }

func (a *updateIssueAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	key, err := contextIssueKey(config, ec)
	if err != nil {
		return nil, err
	}
	fields, _ := config["fields"].(map[string]any)
	if len(fields) == 0 {
		return nil, fmt.Errorf("fields must be a non-empty map")
	}
	if err := validateFieldValues(ctx, a.fields, projectForIssue(ec, key), fields); err != nil {
		return nil, err
	}
	if err := a.tracker.UpdateIssue(ctx, key, fields); err != nil {
		return nil, err
	}
	return map[string]any{"issue_key": key, "updated_fields": len(fields)}, nil
}

type transitionIssueAdapter struct{ tracker Tracker }

func (a *transitionIssueAdapter) Type() rule.ActionType { return rule.ActionTransitionIssue }

func (a *transitionIssueAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	key, err := contextIssueKey(config, ec)
	if err != nil {
		return nil, err
	}
	transitionID := configString(config, "transition_id")
	if transitionID == "" {
		name := configString(config, "transition_name")
		transitions, err := a.tracker.GetTransitions(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, t := range transitions {
			if t.Name == name {
				transitionID = t.ID
				break
			}
		}
		if transitionID == "" {
			return nil, fmt.Errorf("no transition named %q available on %s", name, key)
		}
	}
	if err := a.tracker.ApplyTransition(ctx, key, transitionID); err != nil {
		return nil, err
	}
	return map[string]any{"issue_key": key, "transition_id": transitionID}, nil
}

type createIssueAdapter struct{ tracker Tracker }

func (a *createIssueAdapter) Type() rule.ActionType { return rule.ActionCreateIssue }

func (a *createIssueAdapter) Execute(ctx context.Context, config map[string]any, _ *core.ExecutionContext) (map[string]any, error) {
	fields := map[string]any{
		"project":   map[string]any{"key": configString(config, "project_key")},
		"issuetype": map[string]any{"name": configString(config, "issue_type")},
		"summary":   configString(config, "summary"),
	}
	if description := configString(config, "description"); description != "" {
		fields["description"] = description
	}
	if extra, ok := config["fields"].(map[string]any); ok {
		for k, v := range extra {
			fields[k] = v
		}
	}
	created, err := a.tracker.CreateIssue(ctx, fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{"issue_key": created.Key, "issue_id": created.ID}, nil
}

type addCommentAdapter struct{ tracker Tracker }

func (a *addCommentAdapter) Type() rule.ActionType { return rule.ActionAddComment }

func (a *addCommentAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	key, err := contextIssueKey(config, ec)
	if err != nil {
		return nil, err
	}
	internal := configString(config, "visibility") == "internal"
	if err := a.tracker.AddComment(ctx, key, configString(config, "body"), internal); err != nil {
		return nil, err
	}
	return map[string]any{"issue_key": key}, nil
}

type assignIssueAdapter struct{ tracker Tracker }

func (a *assignIssueAdapter) Type() rule.ActionType { return rule.ActionAssignIssue }

func (a *assignIssueAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	key, err := contextIssueKey(config, ec)
	if err != nil {
		return nil, err
	}
	assignee := configString(config, "assignee_id")
	if assignee == "" {
		assignee = configString(config, "assignee_email")
	}
	var accountID *string
	if assignee != "" {
		accountID = &assignee
	}
	if err := a.tracker.AssignIssue(ctx, key, accountID); err != nil {
		return nil, err
	}
	data := map[string]any{"issue_key": key}
	if assignee == "" {
		data["unassigned"] = true
	} else {
		data["assignee"] = assignee
	}
	return data, nil
}

type sendNotificationAdapter struct{ tracker Tracker }

func (a *sendNotificationAdapter) Type() rule.ActionType { return rule.ActionSendNotification }

func (a *sendNotificationAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	recipients := configStrings(config, "recipients")
	if len(recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	// The issue is optional context: scheduled rules notify without one.
	key := configString(config, "issue_key")
	if key == "" && ec != nil {
		key = ec.IssueKey
	}
	subject := configString(config, "subject")
	if subject == "" {
		subject = "Automation notification"
		if key != "" {
			subject = fmt.Sprintf("Automation notification for %s", key)
		}
	}
	if err := a.tracker.SendNotification(ctx, key, subject, configString(config, "body"), recipients); err != nil {
		return nil, err
	}
	data := map[string]any{"recipients": len(recipients)}
	if key != "" {
		data["issue_key"] = key
	}
	return data, nil
}

type webhookCallAdapter struct{ http *resty.Client }

func (a *webhookCallAdapter) Type() rule.ActionType { return rule.ActionWebhookCall }

func (a *webhookCallAdapter) Execute(ctx context.Context, config map[string]any, _ *core.ExecutionContext) (map[string]any, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	if overrides, ok := config["headers"].(map[string]any); ok {
		for k, v := range overrides {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	body := config["body"]
	if body == nil {
		body = map[string]any{}
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		Post(configString(config, "url"))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("webhook endpoint returned HTTP %d", resp.StatusCode())
	}
	return map[string]any{"status_code": resp.StatusCode()}, nil
}

type bulkOperationAdapter struct{ runner BulkRunner }

func (a *bulkOperationAdapter) Type() rule.ActionType { return rule.ActionBulkOperation }

func (a *bulkOperationAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	if a.runner == nil {
		return nil, fmt.Errorf("bulk operations are not available")
	}
	return a.runner.RunBulk(ctx, config, ec)
}

type createSubtaskAdapter struct{ tracker Tracker }

func (a *createSubtaskAdapter) Type() rule.ActionType { return rule.ActionCreateSubtask }

func (a *createSubtaskAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	parentKey := configString(config, "parent_issue_key")
	if parentKey == "" {
		if ec == nil || ec.IssueKey == "" {
			return nil, fmt.Errorf("no parent issue key in action config or execution context")
		}
		parentKey = ec.IssueKey
	}
	parent, err := a.tracker.GetIssue(ctx, parentKey)
	if err != nil {
		return nil, err
	}
	projectKey := tracker.ProjectKeyOf(parent)
	if projectKey == "" {
		return nil, fmt.Errorf("parent issue %s carries no project", parentKey)
	}
	issueType := configString(config, "issue_type")
	if issueType == "" {
		issueType = "Sub-task"
	}
	fields := map[string]any{
		"project":   map[string]any{"key": projectKey},
		"parent":    map[string]any{"key": parentKey},
		"issuetype": map[string]any{"name": issueType},
		"summary":   configString(config, "summary"),
	}
	if description := configString(config, "description"); description != "" {
		fields["description"] = description
	}
	created, err := a.tracker.CreateIssue(ctx, fields)
	if err != nil {
		return nil, err
	}
	return map[string]any{"issue_key": created.Key, "parent_issue_key": parentKey}, nil
}

type linkIssuesAdapter struct{ tracker Tracker }

func (a *linkIssuesAdapter) Type() rule.ActionType { return rule.ActionLinkIssues }

func (a *linkIssuesAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	sourceKey, err := contextIssueKey(config, ec)
	if err != nil {
		return nil, err
	}
	targetKey := configString(config, "target_issue_key")
	linkType := configString(config, "link_type")
	if err := a.tracker.LinkIssues(ctx, sourceKey, targetKey, linkType); err != nil {
		return nil, err
	}
	return map[string]any{"source": sourceKey, "target": targetKey, "link_type": linkType}, nil
}

type updateCustomFieldAdapter struct {
	tracker Tracker
	fields  FieldValidator
}

func (a *updateCustomFieldAdapter) Type() rule.ActionType { return rule.ActionUpdateCustomField }

func (a *updateCustomFieldAdapter) Execute(ctx context.Context, config map[string]any, ec *core.ExecutionContext) (map[string]any, error) {
	key, err := contextIssueKey(config, ec)
	if err != nil {
		return nil, err
	}
	fieldID := configString(config, "field_id")
	mutation := map[string]any{fieldID: config["value"]}
	if err := validateFieldValues(ctx, a.fields, projectForIssue(ec, key), mutation); err != nil {
		return nil, err
	}
	if err := a.tracker.UpdateIssue(ctx, key, mutation); err != nil {
		return nil, err
	}
	return map[string]any{"issue_key": key, "field_id": fieldID}, nil
}
