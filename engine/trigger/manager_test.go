package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
)

type fireCollector struct {
	mu    sync.Mutex
	fires []Fire
	drop  bool
}

func (c *fireCollector) handler(f Fire) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drop {
		return false
	}
	c.fires = append(c.fires, f)
	return true
}

func (c *fireCollector) snapshot() []Fire {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Fire(nil), c.fires...)
}

func eventRule(id string, triggerType rule.TriggerType, config map[string]any) *rule.Rule {
	return &rule.Rule{
		ID:      core.ID(id),
		Name:    "rule " + id,
		Enabled: true,
		Triggers: []rule.Trigger{
			{Type: triggerType, Config: config},
		},
		Actions: []rule.Action{
			{Type: rule.ActionAddComment, Config: map[string]any{"body": "hi"}},
		},
	}
}

func TestManager_EventBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fire rules whose trigger kind matches", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerIssueCreated, nil)))
		require.NoError(t, m.Bind(eventRule("r-2", rule.TriggerIssueUpdated, nil)))

		fired := m.Publish(ctx, Event{
			Kind: rule.TriggerIssueCreated, IssueKey: "PROJ-1", ProjectKey: "PROJ",
			IssuePayload: map[string]any{"fields": map[string]any{"summary": "x"}},
		})
		assert.Equal(t, 1, fired)
		fires := collector.snapshot()
		require.Len(t, fires, 1)
		assert.Equal(t, core.ID("r-1"), fires[0].RuleID)
		assert.Equal(t, SourceEvent, fires[0].Source)
		assert.Equal(t, "PROJ-1", fires[0].Context.IssueKey)
	})
	t.Run("Should apply project and issue-type filters", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerIssueCreated, map[string]any{
			"project_keys": []any{"OPS"},
			"issue_types":  []any{"Bug"},
		})))

		assert.Equal(t, 0, m.Publish(ctx, Event{Kind: rule.TriggerIssueCreated, ProjectKey: "PROJ", IssueType: "Bug"}))
		assert.Equal(t, 0, m.Publish(ctx, Event{Kind: rule.TriggerIssueCreated, ProjectKey: "OPS", IssueType: "Task"}))
		assert.Equal(t, 1, m.Publish(ctx, Event{Kind: rule.TriggerIssueCreated, ProjectKey: "OPS", IssueType: "Bug"}))
	})
	t.Run("Should apply transition status filters", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerIssueTransitioned, map[string]any{
			"from_status": "In Progress",
			"to_status":   "Done",
		})))

		assert.Equal(t, 0, m.Publish(ctx, Event{Kind: rule.TriggerIssueTransitioned, FromStatus: "To Do", ToStatus: "Done"}))
		assert.Equal(t, 1, m.Publish(ctx, Event{Kind: rule.TriggerIssueTransitioned, FromStatus: "In Progress", ToStatus: "Done"}))
	})
	t.Run("Should apply field-changed value filters", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerFieldChanged, map[string]any{
			"field_id": "priority",
			"to_value": "Highest",
		})))

		assert.Equal(t, 0, m.Publish(ctx, Event{Kind: rule.TriggerFieldChanged, FieldID: "labels", ToValue: "Highest"}))
		assert.Equal(t, 0, m.Publish(ctx, Event{Kind: rule.TriggerFieldChanged, FieldID: "priority", ToValue: "Low"}))
		assert.Equal(t, 1, m.Publish(ctx, Event{Kind: rule.TriggerFieldChanged, FieldID: "priority", ToValue: "Highest"}))
	})
	t.Run("Should count dropped fires as not fired", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{drop: true}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerIssueCreated, nil)))
		assert.Equal(t, 0, m.Publish(ctx, Event{Kind: rule.TriggerIssueCreated}))
	})
}

func TestManager_Inlets(t *testing.T) {
	ctx := context.Background()

	t.Run("Should bind inlets and fire all bound rules", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerWebhook, map[string]any{"inlet_id": "ci", "secret": "s3cret"})))
		require.NoError(t, m.Bind(eventRule("r-2", rule.TriggerWebhook, map[string]any{"inlet_id": "ci"})))

		secret, ok := m.InletSecret("ci")
		assert.True(t, ok)
		assert.Equal(t, "", secret, "last binding wins for the inlet secret")

		fired, err := m.HandleInlet(ctx, "ci", map[string]any{"event": "push"})
		require.NoError(t, err)
		assert.Equal(t, 2, fired)
		fires := collector.snapshot()
		require.Len(t, fires, 2)
		assert.Equal(t, SourceWebhook, fires[0].Source)
		assert.Equal(t, "push", fires[0].Context.WebhookPayload["event"])
	})
	t.Run("Should return not_found for an unknown inlet", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		m.SetHandler((&fireCollector{}).handler)
		_, err := m.HandleInlet(ctx, "ghost", nil)
		assert.True(t, core.IsNotFound(err))
		_, ok := m.InletSecret("ghost")
		assert.False(t, ok)
	})
}

func TestManager_Bindings(t *testing.T) {
	t.Run("Should replace registrations when rebinding", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerIssueCreated, nil)))
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerIssueUpdated, nil)))

		ctx := context.Background()
		assert.Equal(t, 0, m.Publish(ctx, Event{Kind: rule.TriggerIssueCreated}))
		assert.Equal(t, 1, m.Publish(ctx, Event{Kind: rule.TriggerIssueUpdated}))
	})
	t.Run("Should unbind idempotently", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerIssueCreated, nil)))
		m.Unbind("r-1")
		m.Unbind("r-1")
		assert.Equal(t, 0, m.Publish(context.Background(), Event{Kind: rule.TriggerIssueCreated}))
	})
	t.Run("Should reject an unknown timezone", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		err := m.Bind(eventRule("r-1", rule.TriggerScheduled, map[string]any{
			"cron": "* * * * *", "timezone": "Mars/Olympus",
		}))
		require.Error(t, err)
		assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))
	})
	t.Run("Should reject a malformed cron expression", func(t *testing.T) {
		m := NewManager(nil)
		defer m.Stop()
		err := m.Bind(eventRule("r-1", rule.TriggerScheduled, map[string]any{"cron": "not a cron"}))
		require.Error(t, err)
		assert.Equal(t, core.CategoryValidation, core.CategoryOf(err))
	})
	t.Run("Should refuse bindings after Stop", func(t *testing.T) {
		m := NewManager(nil)
		m.Stop()
		m.Stop()
		err := m.Bind(eventRule("r-1", rule.TriggerIssueCreated, nil))
		require.Error(t, err)
	})
}

func TestManager_Scheduled(t *testing.T) {
	t.Run("Should fire on the cron schedule", func(t *testing.T) {
		if testing.Short() {
			t.Skip("cron granularity is one minute")
		}
		m := NewManager(nil)
		defer m.Stop()
		collector := &fireCollector{}
		m.SetHandler(collector.handler)
		require.NoError(t, m.Bind(eventRule("r-1", rule.TriggerScheduled, map[string]any{
			"cron": "@every 1s",
		})))
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if len(collector.snapshot()) > 0 {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		fires := collector.snapshot()
		require.NotEmpty(t, fires)
		assert.Equal(t, SourceSchedule, fires[0].Source)
		assert.Equal(t, "@every 1s", fires[0].Context.TriggerPayload["cron"])
	})
}
