package trigger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
	"github.com/issueflow/issueflow/pkg/logger"
)

// Source tags carried on fires, recorded as triggered_by on executions.
const (
	SourceEvent    = "event"
	SourceSchedule = "schedule"
	SourceWebhook  = "webhook"
	SourceManual   = "manual"
)

// Fire asks the engine to run one rule with a prepared context.
type Fire struct {
	RuleID  core.ID
	Source  string
	Context *core.ExecutionContext
}

// FireHandler receives fires. Returning false means the fire was dropped,
// typically because the engine queue is full.
type FireHandler func(Fire) bool

// Event is one pushed tracker change fanned out to event-triggered rules.
type Event struct {
	Kind         rule.TriggerType
	IssueKey     string
	ProjectKey   string
	IssueType    string
	UserID       string
	IssuePayload map[string]any
	FromStatus   string
	ToStatus     string
	FieldID      string
	FromValue    any
	ToValue      any
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type eventBinding struct {
	ruleID core.ID
	kind   rule.TriggerType
	filter *rule.EventTriggerConfig
}

type inletBinding struct {
	secret  string
	ruleIDs []core.ID
}

// Manager owns the four trigger subsystems: the in-process event broker,
// cron timers, webhook inlet bindings, and manual pass-through. Fires go to
// the engine through the registered handler.
type Manager struct {
	mu      sync.RWMutex
	handler FireHandler
	events  []eventBinding
	crons   map[core.ID][]*cron.Cron
	inlets  map[string]*inletBinding
	log     logger.Logger
	stopped bool
}

func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		crons:  make(map[core.ID][]*cron.Cron),
		inlets: make(map[string]*inletBinding),
		log:    log,
	}
}

// SetHandler installs the fire sink. Must be called before any binding fires.
func (m *Manager) SetHandler(handler FireHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Bind installs all of a rule's trigger registrations. Rebinding an already
// bound rule replaces its registrations.
func (m *Manager) Bind(r *rule.Rule) error {
	m.Unbind(r.ID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return core.NewError(core.CategoryInternal, "trigger_manager_stopped", "trigger manager is shut down")
	}
	var crons []*cron.Cron
	var events []eventBinding
	inletIDs := map[string]string{}
	for _, t := range r.Triggers {
		decoded, err := rule.DecodeTriggerConfig(t)
		if err != nil {
			m.teardownCrons(crons)
			return core.WrapError(core.CategoryValidation, "malformed_trigger_config",
				fmt.Sprintf("trigger %s has a malformed config", t.Type), err)
		}
		switch cfg := decoded.(type) {
		case *rule.ScheduledTriggerConfig:
			runner, err := m.newCron(r.ID, cfg)
			if err != nil {
				m.teardownCrons(crons)
				return err
			}
			crons = append(crons, runner)
		case *rule.WebhookTriggerConfig:
			inletIDs[cfg.InletID] = cfg.Secret
		case *rule.EventTriggerConfig:
			events = append(events, eventBinding{ruleID: r.ID, kind: t.Type, filter: cfg})
		case nil:
			// MANUAL triggers need no registration.
		}
	}
	for _, runner := range crons {
		runner.Start()
	}
	m.crons[r.ID] = crons
	m.events = append(m.events, events...)
	for inletID, secret := range inletIDs {
		binding, ok := m.inlets[inletID]
		if !ok {
			binding = &inletBinding{secret: secret}
			m.inlets[inletID] = binding
		}
		binding.secret = secret
		if !slices.Contains(binding.ruleIDs, r.ID) {
			binding.ruleIDs = append(binding.ruleIDs, r.ID)
		}
	}
	return nil
}

// Unbind removes all registrations for a rule. Unbinding an unknown rule is
// a no-op.
func (m *Manager) Unbind(ruleID core.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownCrons(m.crons[ruleID])
	delete(m.crons, ruleID)
	m.events = slices.DeleteFunc(m.events, func(b eventBinding) bool {
		return b.ruleID == ruleID
	})
	for inletID, binding := range m.inlets {
		binding.ruleIDs = slices.DeleteFunc(binding.ruleIDs, func(id core.ID) bool {
			return id == ruleID
		})
		if len(binding.ruleIDs) == 0 {
			delete(m.inlets, inletID)
		}
	}
}

// Publish fans an event out to every matching event binding.
func (m *Manager) Publish(ctx context.Context, e Event) int {
	m.mu.RLock()
	handler := m.handler
	matched := make([]core.ID, 0, 4)
	for _, binding := range m.events {
		if binding.kind == e.Kind && matches(binding.filter, e) {
			matched = append(matched, binding.ruleID)
		}
	}
	m.mu.RUnlock()
	fired := 0
	for _, ruleID := range matched {
		fire := Fire{
			RuleID: ruleID,
			Source: SourceEvent,
			Context: &core.ExecutionContext{
				IssueKey:     e.IssueKey,
				ProjectKey:   e.ProjectKey,
				UserID:       e.UserID,
				IssuePayload: e.IssuePayload,
				TriggerPayload: map[string]any{
					"kind":        string(e.Kind),
					"from_status": e.FromStatus,
					"to_status":   e.ToStatus,
					"field_id":    e.FieldID,
				},
			},
		}
		if m.emit(ctx, handler, fire) {
			fired++
		}
	}
	return fired
}

// InletSecret implements the webhook router's sink lookup.
func (m *Manager) InletSecret(inletID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	binding, ok := m.inlets[inletID]
	if !ok {
		return "", false
	}
	return binding.secret, true
}

// HandleInlet fires every rule bound to the inlet with the raw payload.
func (m *Manager) HandleInlet(ctx context.Context, inletID string, payload map[string]any) (int, error) {
	m.mu.RLock()
	handler := m.handler
	binding, ok := m.inlets[inletID]
	var ruleIDs []core.ID
	if ok {
		ruleIDs = slices.Clone(binding.ruleIDs)
	}
	m.mu.RUnlock()
	if !ok {
		return 0, core.NotFoundError("inlet", core.ID(inletID))
	}
	fired := 0
	for _, ruleID := range ruleIDs {
		fire := Fire{
			RuleID:  ruleID,
			Source:  SourceWebhook,
			Context: &core.ExecutionContext{WebhookPayload: payload},
		}
		if m.emit(ctx, handler, fire) {
			fired++
		}
	}
	return fired, nil
}

// Stop halts every cron timer. Idempotent; bindings stay readable so the
// engine can still answer queries during shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for _, crons := range m.crons {
		m.teardownCrons(crons)
	}
}

func (m *Manager) newCron(ruleID core.ID, cfg *rule.ScheduledTriggerConfig) (*cron.Cron, error) {
	location := time.UTC
	if cfg.Timezone != "" {
		loaded, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, core.WrapError(core.CategoryValidation, "unknown_timezone",
				fmt.Sprintf("unknown timezone %q", cfg.Timezone), err)
		}
		location = loaded
	}
	runner := cron.New(cron.WithLocation(location), cron.WithParser(cronParser))
	schedule := cfg.Cron
	_, err := runner.AddFunc(schedule, func() {
		m.mu.RLock()
		handler := m.handler
		m.mu.RUnlock()
		fire := Fire{
			RuleID: ruleID,
			Source: SourceSchedule,
			Context: &core.ExecutionContext{
				TriggerPayload: map[string]any{"cron": schedule},
			},
		}
		m.emit(context.Background(), handler, fire)
	})
	if err != nil {
		return nil, core.WrapError(core.CategoryValidation, "invalid_cron",
			fmt.Sprintf("invalid cron expression %q", schedule), err)
	}
	return runner, nil
}

func (m *Manager) teardownCrons(crons []*cron.Cron) {
	for _, runner := range crons {
		runner.Stop()
	}
}

func (m *Manager) emit(ctx context.Context, handler FireHandler, fire Fire) bool {
	if handler == nil {
		logger.FromContext(ctx).Warn("fire dropped, no handler installed", "rule_id", fire.RuleID)
		return false
	}
	if !handler(fire) {
		m.log.Warn("fire dropped by engine", "rule_id", fire.RuleID, "source", fire.Source)
		return false
	}
	return true
}

// matches applies the event trigger sub-filters.
func matches(filter *rule.EventTriggerConfig, e Event) bool {
	if filter == nil {
		return true
	}
	if len(filter.ProjectKeys) > 0 && !slices.Contains(filter.ProjectKeys, e.ProjectKey) {
		return false
	}
	if len(filter.IssueTypes) > 0 && !slices.Contains(filter.IssueTypes, e.IssueType) {
		return false
	}
	if filter.FromStatus != "" && filter.FromStatus != e.FromStatus {
		return false
	}
	if filter.ToStatus != "" && filter.ToStatus != e.ToStatus {
		return false
	}
	if filter.FieldID != "" && filter.FieldID != e.FieldID {
		return false
	}
	if filter.FromValue != nil && fmt.Sprintf("%v", filter.FromValue) != fmt.Sprintf("%v", e.FromValue) {
		return false
	}
	if filter.ToValue != nil && fmt.Sprintf("%v", filter.ToValue) != fmt.Sprintf("%v", e.ToValue) {
		return false
	}
	return true
}
