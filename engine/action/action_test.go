package action

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
	"github.com/issueflow/issueflow/engine/tracker"
)

type call struct {
	method string
	args   []any
}

type fakeTracker struct {
	calls       []call
	issues      map[string]*tracker.Issue
	transitions []tracker.Transition
	err         error
}

func (f *fakeTracker) record(method string, args ...any) {
	f.calls = append(f.calls, call{method: method, args: args})
}

func (f *fakeTracker) GetIssue(_ context.Context, key string) (*tracker.Issue, error) {
	f.record("GetIssue", key)
	if f.err != nil {
		return nil, f.err
	}
	issue, ok := f.issues[key]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", key)
	}
	return issue, nil
}

func (f *fakeTracker) UpdateIssue(_ context.Context, key string, fields map[string]any) error {
	f.record("UpdateIssue", key, fields)
	return f.err
}

func (f *fakeTracker) CreateIssue(_ context.Context, fields map[string]any) (*tracker.CreatedIssue, error) {
	f.record("CreateIssue", fields)
	if f.err != nil {
		return nil, f.err
	}
	return &tracker.CreatedIssue{ID: "10001", Key: "PROJ-100"}, nil
}

func (f *fakeTracker) GetTransitions(_ context.Context, key string) ([]tracker.Transition, error) {
	f.record("GetTransitions", key)
	return f.transitions, f.err
}

func (f *fakeTracker) ApplyTransition(_ context.Context, key, transitionID string) error {
	f.record("ApplyTransition", key, transitionID)
	return f.err
}

func (f *fakeTracker) AddComment(_ context.Context, key, body string, internal bool) error {
	f.record("AddComment", key, body, internal)
	return f.err
}

func (f *fakeTracker) AssignIssue(_ context.Context, key string, accountID *string) error {
	f.record("AssignIssue", key, accountID)
	return f.err
}

func (f *fakeTracker) LinkIssues(_ context.Context, inwardKey, outwardKey, linkType string) error {
	f.record("LinkIssues", inwardKey, outwardKey, linkType)
	return f.err
}

func (f *fakeTracker) SendNotification(_ context.Context, issueKey, subject, body string, recipients []string) error {
	f.record("SendNotification", issueKey, subject, body, recipients)
	return f.err
}

type panicAdapter struct{}

func (panicAdapter) Type() rule.ActionType { return rule.ActionUpdateIssue }

func (panicAdapter) Execute(context.Context, map[string]any, *core.ExecutionContext) (map[string]any, error) {
	panic("adapter exploded")
}

func newExecutor(trk *fakeTracker) *Executor {
	return NewExecutor(DefaultRegistry(trk, nil, RegistryConfig{}))
}

func ec() *core.ExecutionContext {
	return &core.ExecutionContext{IssueKey: "PROJ-1", ProjectKey: "PROJ", UserID: "u-1"}
}

func TestExecutor(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fail with a field-required message on missing config", func(t *testing.T) {
		e := newExecutor(&fakeTracker{})
		result := e.Execute(ctx, rule.Action{Type: rule.ActionAddComment}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, "body required", result.Message)
	})
	t.Run("Should fail on an unsupported action type", func(t *testing.T) {
		e := newExecutor(&fakeTracker{})
		result := e.Execute(ctx, rule.Action{Type: rule.ActionType("no-such")}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Message, "unsupported action type")
	})
	t.Run("Should wrap adapter errors into a failed result", func(t *testing.T) {
		trk := &fakeTracker{err: errors.New("tracker down")}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionUpdateIssue,
			Config: map[string]any{"fields": map[string]any{"summary": "x"}},
		}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, "tracker down", result.Message)
	})
	t.Run("Should recover an adapter panic", func(t *testing.T) {
		e := NewExecutor(NewRegistry(panicAdapter{}))
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionUpdateIssue,
			Config: map[string]any{"fields": map[string]any{"summary": "x"}},
		}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Message, "adapter exploded")
	})
	t.Run("Should record duration and propagate adapter data", func(t *testing.T) {
		trk := &fakeTracker{}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionUpdateIssue,
			Config: map[string]any{"fields": map[string]any{"summary": "x"}},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, "PROJ-1", result.Data["issue_key"])
		assert.GreaterOrEqual(t, result.DurationMS, int64(0))
	})
	t.Run("Should require transition_id or transition_name", func(t *testing.T) {
		e := newExecutor(&fakeTracker{})
		result := e.Execute(ctx, rule.Action{Type: rule.ActionTransitionIssue}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, "transition_id or transition_name required", result.Message)
	})
}

func TestAdapters(t *testing.T) {
	ctx := context.Background()

	t.Run("Should resolve a transition by exact name", func(t *testing.T) {
		trk := &fakeTracker{transitions: []tracker.Transition{
			{ID: "11", Name: "To Do"}, {ID: "31", Name: "Done"},
		}}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionTransitionIssue,
			Config: map[string]any{"transition_name": "Done"},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, "31", result.Data["transition_id"])
		last := trk.calls[len(trk.calls)-1]
		assert.Equal(t, "ApplyTransition", last.method)
		assert.Equal(t, "31", last.args[1])
	})
	t.Run("Should fail when no transition matches case-sensitively", func(t *testing.T) {
		trk := &fakeTracker{transitions: []tracker.Transition{{ID: "31", Name: "Done"}}}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionTransitionIssue,
			Config: map[string]any{"transition_name": "done"},
		}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Message, `no transition named "done"`)
	})
	t.Run("Should build the create-issue field envelope", func(t *testing.T) {
		trk := &fakeTracker{}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type: rule.ActionCreateIssue,
			Config: map[string]any{
				"project_key": "OPS", "issue_type": "Task", "summary": "Rotate keys",
				"fields": map[string]any{"labels": []any{"security"}},
			},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, "PROJ-100", result.Data["issue_key"])
		fields := trk.calls[0].args[0].(map[string]any)
		assert.Equal(t, map[string]any{"key": "OPS"}, fields["project"])
		assert.Equal(t, map[string]any{"name": "Task"}, fields["issuetype"])
		assert.Equal(t, "Rotate keys", fields["summary"])
		assert.Equal(t, []any{"security"}, fields["labels"])
	})
	t.Run("Should unassign when no assignee is configured", func(t *testing.T) {
		trk := &fakeTracker{}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{Type: rule.ActionAssignIssue, Config: map[string]any{}}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, true, result.Data["unassigned"])
		assert.Nil(t, trk.calls[0].args[1])
	})
	t.Run("Should create a subtask under the context issue", func(t *testing.T) {
		trk := &fakeTracker{issues: map[string]*tracker.Issue{
			"PROJ-1": {Key: "PROJ-1", Fields: map[string]any{
				"project": map[string]any{"key": "PROJ"},
			}},
		}}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionCreateSubtask,
			Config: map[string]any{"summary": "Verify fix"},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, "PROJ-1", result.Data["parent_issue_key"])
		fields := trk.calls[1].args[0].(map[string]any)
		assert.Equal(t, map[string]any{"key": "PROJ-1"}, fields["parent"])
		assert.Equal(t, map[string]any{"name": "Sub-task"}, fields["issuetype"])
	})
	t.Run("Should link the context issue as the inward side", func(t *testing.T) {
		trk := &fakeTracker{}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionLinkIssues,
			Config: map[string]any{"target_issue_key": "PROJ-9", "link_type": "Blocks"},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, []any{"PROJ-1", "PROJ-9", "Blocks"}, trk.calls[0].args)
	})
	t.Run("Should update a single custom field", func(t *testing.T) {
		trk := &fakeTracker{}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionUpdateCustomField,
			Config: map[string]any{"field_id": "customfield_10001", "value": 8},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		fields := trk.calls[0].args[1].(map[string]any)
		assert.Equal(t, 8, fields["customfield_10001"])
	})
	t.Run("Should fail send-notification without recipients", func(t *testing.T) {
		e := newExecutor(&fakeTracker{})
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionSendNotification,
			Config: map[string]any{"recipients": []any{}},
		}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Equal(t, "recipients required", result.Message)
	})
	t.Run("Should send a notification without any issue in context", func(t *testing.T) {
		trk := &fakeTracker{}
		e := newExecutor(trk)
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionSendNotification,
			Config: map[string]any{"recipients": []any{"u-7"}, "body": "nightly sweep done"},
		}, &core.ExecutionContext{})
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, 1, result.Data["recipients"])
		assert.NotContains(t, result.Data, "issue_key")
		require.Len(t, trk.calls, 1)
		assert.Equal(t, "", trk.calls[0].args[0])
		assert.Equal(t, "Automation notification", trk.calls[0].args[1])
	})
}

type fakeFieldValidator struct {
	err     error
	checked []string
}

func (f *fakeFieldValidator) Validate(_ context.Context, nameOrID string, _ any, projectKey string) error {
	f.checked = append(f.checked, projectKey+"/"+nameOrID)
	return f.err
}

func TestFieldValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("Should block an update-issue write on a schema violation", func(t *testing.T) {
		trk := &fakeTracker{}
		fields := &fakeFieldValidator{err: core.NewError(core.CategoryValidation, "field_type_mismatch", `field "priority" expects option`)}
		e := NewExecutor(DefaultRegistry(trk, nil, RegistryConfig{Fields: fields}))
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionUpdateIssue,
			Config: map[string]any{"fields": map[string]any{"priority": 3}},
		}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Message, "expects option")
		assert.Empty(t, trk.calls)
	})
	t.Run("Should validate the custom field against the context project", func(t *testing.T) {
		trk := &fakeTracker{}
		fields := &fakeFieldValidator{}
		e := NewExecutor(DefaultRegistry(trk, nil, RegistryConfig{Fields: fields}))
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionUpdateCustomField,
			Config: map[string]any{"field_id": "customfield_10001", "value": 8},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, []string{"PROJ/customfield_10001"}, fields.checked)
		require.Len(t, trk.calls, 1)
	})
	t.Run("Should let the write through when the schema cannot be fetched", func(t *testing.T) {
		trk := &fakeTracker{}
		fields := &fakeFieldValidator{err: core.NewError(core.CategoryConnection, "tracker_unreachable", "tracker unreachable")}
		e := NewExecutor(DefaultRegistry(trk, nil, RegistryConfig{Fields: fields}))
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionUpdateIssue,
			Config: map[string]any{"fields": map[string]any{"summary": "x"}},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		require.Len(t, trk.calls, 1)
		assert.Equal(t, "UpdateIssue", trk.calls[0].method)
	})
}

func TestWebhookCallAdapter(t *testing.T) {
	ctx := context.Background()

	t.Run("Should POST JSON with header overrides", func(t *testing.T) {
		var gotContentType, gotCustom string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotContentType = r.Header.Get("Content-Type")
			gotCustom = r.Header.Get("X-Custom")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		e := newExecutor(&fakeTracker{})
		result := e.Execute(ctx, rule.Action{
			Type: rule.ActionWebhookCall,
			Config: map[string]any{
				"url":     srv.URL,
				"headers": map[string]any{"X-Custom": "yes"},
				"body":    map[string]any{"hello": "world"},
			},
		}, ec())
		require.Equal(t, StatusSuccess, result.Status)
		assert.Equal(t, http.StatusOK, result.Data["status_code"])
		assert.Equal(t, "application/json", gotContentType)
		assert.Equal(t, "yes", gotCustom)
	})
	t.Run("Should honor the configured delivery timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		e := NewExecutor(DefaultRegistry(&fakeTracker{}, nil, RegistryConfig{WebhookTimeout: 20 * time.Millisecond}))
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionWebhookCall,
			Config: map[string]any{"url": srv.URL},
		}, ec())
		assert.Equal(t, StatusFailed, result.Status)
	})
	t.Run("Should fail on a non-2xx response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()
		e := newExecutor(&fakeTracker{})
		result := e.Execute(ctx, rule.Action{
			Type:   rule.ActionWebhookCall,
			Config: map[string]any{"url": srv.URL},
		}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Message, "HTTP 502")
	})
}

func TestBulkOperationAdapter(t *testing.T) {
	t.Run("Should fail when no bulk runner is wired", func(t *testing.T) {
		e := NewExecutor(DefaultRegistry(&fakeTracker{}, nil, RegistryConfig{}))
		result := e.Execute(context.Background(), rule.Action{
			Type:   rule.ActionBulkOperation,
			Config: map[string]any{"jql": "project = PROJ", "fields": map[string]any{"labels": []any{"x"}}},
		}, ec())
		assert.Equal(t, StatusFailed, result.Status)
		assert.Contains(t, result.Message, "not available")
	})
}
