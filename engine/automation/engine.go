package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/issueflow/issueflow/engine/action"
	"github.com/issueflow/issueflow/engine/audit"
	"github.com/issueflow/issueflow/engine/condition"
	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/permission"
	"github.com/issueflow/issueflow/engine/rule"
	"github.com/issueflow/issueflow/engine/smartvalue"
	"github.com/issueflow/issueflow/engine/tracker"
	"github.com/issueflow/issueflow/engine/trigger"
	"github.com/issueflow/issueflow/engine/webhook"
	"github.com/issueflow/issueflow/pkg/logger"
)

// Tracker is the tracker client surface the engine, its condition evaluator,
// and its action adapters consume.
type Tracker interface {
	action.Tracker
	condition.Tracker
	Search(ctx context.Context, jql string, startAt, maxResults int) (*tracker.SearchResult, error)
}

const (
	DefaultMaxConcurrent    = 10
	DefaultExecutionTimeout = 5 * time.Minute
	DefaultRetentionDays    = 30
	defaultQueueFactor      = 10
)

// Options tunes the engine. Zero values fall back to the defaults.
type Options struct {
	MaxConcurrent    int
	QueueSize        int
	ExecutionTimeout time.Duration
	RetentionDays    int
	// FailureRecipients, when set, receive a tracker notification whenever an
	// execution fails.
	FailureRecipients []string
	// WebhookTimeout bounds outbound webhook-call actions.
	WebhookTimeout time.Duration
	// Fields, when set, validates field mutations against project schemas
	// before the tracker write.
	Fields action.FieldValidator
}

func (o *Options) normalize() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.QueueSize <= 0 {
		o.QueueSize = o.MaxConcurrent * defaultQueueFactor
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = DefaultExecutionTimeout
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = DefaultRetentionDays
	}
}

// Engine owns rules, executions, metrics, and bulk progress. Fires arrive
// through the trigger manager and drain into a bounded worker pool.
type Engine struct {
	mu         sync.RWMutex
	rules      map[core.ID]*rule.Rule
	executions []*Execution
	execByID   map[core.ID]*Execution
	metrics    map[core.ID]*Metrics
	bulkOps    map[core.ID]*BulkOperationProgress
	cancels    map[core.ID]context.CancelFunc
	closed     bool

	tracker    Tracker
	executor   *action.Executor
	conditions *condition.Evaluator
	resolver   *smartvalue.Resolver
	triggers   *trigger.Manager
	gate       *permission.Gate
	auditor    *audit.Sink
	webhooks   *webhook.Dispatcher
	log        logger.Logger
	opts       Options

	fires     chan trigger.Fire
	sem       *semaphore.Weighted
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	now       func() time.Time
}

func New(
	trk Tracker,
	triggers *trigger.Manager,
	gate *permission.Gate,
	auditor *audit.Sink,
	webhooks *webhook.Dispatcher,
	log logger.Logger,
	opts Options,
) *Engine {
	opts.normalize()
	if log == nil {
		log = logger.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		rules:     make(map[core.ID]*rule.Rule),
		execByID:  make(map[core.ID]*Execution),
		metrics:   make(map[core.ID]*Metrics),
		bulkOps:   make(map[core.ID]*BulkOperationProgress),
		cancels:   make(map[core.ID]context.CancelFunc),
		tracker:   trk,
		triggers:  triggers,
		gate:      gate,
		auditor:   auditor,
		webhooks:  webhooks,
		log:       log,
		opts:      opts,
		fires:     make(chan trigger.Fire, opts.QueueSize),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		baseCtx:   baseCtx,
		cancelAll: cancel,
		now:       time.Now,
	}
	e.resolver = smartvalue.NewResolver()
	e.conditions = condition.NewEvaluator(trk, e.resolver)
	e.executor = action.NewExecutor(action.DefaultRegistry(trk, e, action.RegistryConfig{
		WebhookTimeout: opts.WebhookTimeout,
		Fields:         opts.Fields,
	}))
	if triggers != nil {
		triggers.SetHandler(e.enqueueFire)
	}
	e.wg.Add(1)
	go e.dispatch()
	return e
}

// enqueueFire accepts a fire into the bounded queue. Overflow drops the fire
// and records a blocked execution audit event.
func (e *Engine) enqueueFire(f trigger.Fire) bool {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return false
	}
	select {
	case e.fires <- f:
		return true
	default:
		e.audit(audit.Event{
			Type:      audit.EventExecution,
			Principal: principalFor(f.RuleID),
			Action:    "enqueue_fire",
			Resource:  "rule/" + string(f.RuleID),
			Outcome:   audit.OutcomeBlocked,
			Details:   map[string]any{"source": f.Source, "reason": "fire queue full"},
		})
		return false
	}
}

func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.baseCtx.Done():
			return
		case f := <-e.fires:
			if err := e.sem.Acquire(e.baseCtx, 1); err != nil {
				return
			}
			e.wg.Add(1)
			go func(fire trigger.Fire) {
				defer e.wg.Done()
				defer e.sem.Release(1)
				e.runFire(fire)
			}(f)
		}
	}
}

func (e *Engine) runFire(f trigger.Fire) {
	e.mu.RLock()
	r, ok := e.rules[f.RuleID]
	var snapshot *rule.Rule
	if ok {
		snapshot = r.Clone()
	}
	e.mu.RUnlock()
	if !ok || !snapshot.Enabled {
		e.log.Debug("fire dropped, rule missing or disabled", "rule_id", f.RuleID, "source", f.Source)
		return
	}
	if !inScopeFor(snapshot, f.Context) {
		e.log.Debug("fire dropped, project out of scope",
			"rule_id", f.RuleID, "source", f.Source, "project", scopeProject(f.Context))
		return
	}
	e.runPipeline(e.baseCtx, snapshot, f.Source, f.Context)
}

// scopeProject extracts the project a fire applies to, falling back to the
// issue key prefix when the context carries no explicit project key.
func scopeProject(ec *core.ExecutionContext) string {
	if ec == nil {
		return ""
	}
	if ec.ProjectKey != "" {
		return ec.ProjectKey
	}
	if prefix, _, ok := strings.Cut(ec.IssueKey, "-"); ok {
		return prefix
	}
	return ""
}

// inScopeFor reports whether a rule may run for the fire's project. Scoped
// rules need a matching project key; a fire with no project at all only
// reaches global rules.
func inScopeFor(r *rule.Rule, ec *core.ExecutionContext) bool {
	if len(r.ProjectScope) == 0 {
		return true
	}
	project := scopeProject(ec)
	if project == "" {
		return false
	}
	return r.InScope(project)
}

// CreateRule validates and stores a rule, binding its triggers when enabled.
func (e *Engine) CreateRule(ctx context.Context, r *rule.Rule) (*rule.Rule, error) {
	stored := r.Clone()
	if stored.ID == "" {
		stored.ID = core.MustNewID()
	}
	now := e.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.ExecutionCount = 0
	stored.FailureCount = 0
	stored.LastExecuted = nil
	if err := rule.Validate(stored); err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errShutDown()
	}
	if _, exists := e.rules[stored.ID]; exists {
		e.mu.Unlock()
		return nil, core.NewError(core.CategoryValidation, "rule_exists",
			fmt.Sprintf("rule %q already exists", stored.ID))
	}
	e.rules[stored.ID] = stored
	e.mu.Unlock()

	if stored.Enabled {
		if err := e.triggers.Bind(stored); err != nil {
			e.mu.Lock()
			delete(e.rules, stored.ID)
			e.mu.Unlock()
			return nil, err
		}
	}
	e.audit(audit.Event{
		Type: audit.EventConfigChange, Action: "create_rule",
		Resource: "rule/" + string(stored.ID), Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"name": stored.Name, "enabled": stored.Enabled},
	})
	return stored.Clone(), nil
}

// UpdateRule replaces a rule's definition. The id, creation time, and
// execution counters are immutable through this path.
func (e *Engine) UpdateRule(ctx context.Context, id core.ID, updated *rule.Rule) (*rule.Rule, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errShutDown()
	}
	existing, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return nil, core.NotFoundError("rule", id)
	}
	stored := updated.Clone()
	stored.ID = id
	stored.CreatedAt = existing.CreatedAt
	stored.CreatedBy = existing.CreatedBy
	stored.ExecutionCount = existing.ExecutionCount
	stored.FailureCount = existing.FailureCount
	stored.LastExecuted = existing.LastExecuted
	stored.UpdatedAt = e.now()
	if err := rule.Validate(stored); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.rules[id] = stored
	e.mu.Unlock()

	if stored.Enabled {
		if err := e.triggers.Bind(stored); err != nil {
			return nil, err
		}
	} else {
		e.triggers.Unbind(id)
	}
	e.audit(audit.Event{
		Type: audit.EventConfigChange, Action: "update_rule",
		Resource: "rule/" + string(id), Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"name": stored.Name, "enabled": stored.Enabled},
	})
	return stored.Clone(), nil
}

// DeleteRule tears down bindings, cancels in-flight executions, and removes
// the rule and its metrics. Execution history is retained.
func (e *Engine) DeleteRule(ctx context.Context, id core.ID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errShutDown()
	}
	if _, ok := e.rules[id]; !ok {
		e.mu.Unlock()
		return core.NotFoundError("rule", id)
	}
	delete(e.rules, id)
	delete(e.metrics, id)
	for _, exec := range e.executions {
		if exec.RuleID == id && exec.Status == core.StatusRunning {
			exec.Status = core.StatusCancelled
			if cancel, ok := e.cancels[exec.ID]; ok {
				cancel()
			}
		}
	}
	e.mu.Unlock()

	e.triggers.Unbind(id)
	e.audit(audit.Event{
		Type: audit.EventConfigChange, Action: "delete_rule",
		Resource: "rule/" + string(id), Outcome: audit.OutcomeSuccess,
		Destructive: true,
	})
	return nil
}

// ExecuteRule runs a rule synchronously, counting against the concurrency
// bound like any triggered execution.
func (e *Engine) ExecuteRule(ctx context.Context, id core.ID, ec *core.ExecutionContext) (*Execution, error) {
	e.mu.RLock()
	r, ok := e.rules[id]
	var snapshot *rule.Rule
	if ok {
		snapshot = r.Clone()
	}
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, errShutDown()
	}
	if !ok {
		return nil, core.NotFoundError("rule", id)
	}
	if !snapshot.Enabled {
		return nil, core.NewError(core.CategoryExecution, "rule_disabled",
			fmt.Sprintf("rule %q is disabled", id))
	}
	if !inScopeFor(snapshot, ec) {
		return nil, core.NewError(core.CategoryExecution, "rule_out_of_scope",
			fmt.Sprintf("rule %q is not in scope for project %q", id, scopeProject(ec)))
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, core.WrapError(core.CategoryExecution, "queue_wait_aborted",
			"gave up waiting for an execution slot", err)
	}
	defer e.sem.Release(1)
	exec := e.runPipeline(ctx, snapshot, trigger.SourceManual, ec)
	return exec.clone(), nil
}

func (e *Engine) GetRule(id core.ID) (*rule.Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	if !ok {
		return nil, core.NotFoundError("rule", id)
	}
	return r.Clone(), nil
}

// GetRules lists rules matching the filter, sorted by creation time.
func (e *Engine) GetRules(filter RuleFilter) []*rule.Rule {
	e.mu.RLock()
	out := make([]*rule.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if filter.EnabledOnly && !r.Enabled {
			continue
		}
		if filter.ProjectKey != "" && !r.InScope(filter.ProjectKey) {
			continue
		}
		out = append(out, r.Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetExecutions returns history sorted by triggered_at descending.
func (e *Engine) GetExecutions(filter ExecutionFilter) []*Execution {
	e.mu.RLock()
	out := make([]*Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		if filter.RuleID != "" && exec.RuleID != filter.RuleID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		out = append(out, exec.clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (e *Engine) GetExecution(id core.ID) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.execByID[id]
	if !ok {
		return nil, core.NotFoundError("execution", id)
	}
	return exec.clone(), nil
}

func (e *Engine) GetMetrics(ruleID core.ID) (*Metrics, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.metrics[ruleID]
	if !ok {
		return nil, core.NotFoundError("metrics", ruleID)
	}
	return m.clone(), nil
}

func (e *Engine) ListMetrics() []*Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Metrics, 0, len(e.metrics))
	for _, m := range e.metrics {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

func (e *Engine) GetBulkProgress(opID core.ID) (*BulkOperationProgress, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.bulkOps[opID]
	if !ok {
		return nil, core.NotFoundError("bulk operation", opID)
	}
	return p.clone(), nil
}

// ValidateRule runs the rule validator without persisting anything.
func (e *Engine) ValidateRule(r *rule.Rule) error {
	return rule.Validate(r)
}

// ErrorRate reports failed executions over total, for health probes.
func (e *Engine) ErrorRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var count, failures int64
	for _, m := range e.metrics {
		count += m.ExecutionCount
		failures += m.FailureCount
	}
	if count == 0 {
		return 0
	}
	return float64(failures) / float64(count)
}

// Cleanup removes executions and bulk progresses older than the retention
// window. Returns how many records were dropped.
func (e *Engine) Cleanup() int {
	cutoff := e.now().AddDate(0, 0, -e.opts.RetentionDays)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	kept := e.executions[:0]
	for _, exec := range e.executions {
		if exec.Status != core.StatusRunning && exec.TriggeredAt.Before(cutoff) {
			delete(e.execByID, exec.ID)
			removed++
			continue
		}
		kept = append(kept, exec)
	}
	e.executions = kept
	for id, p := range e.bulkOps {
		if p.Status.IsTerminal() && p.StartedAt.Before(cutoff) {
			delete(e.bulkOps, id)
			removed++
		}
	}
	return removed
}

// Shutdown stops trigger timers, cancels running executions, and drains the
// worker pool. Idempotent; mutations fail afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, exec := range e.executions {
		if exec.Status == core.StatusRunning {
			exec.Status = core.StatusCancelled
			if cancel, ok := e.cancels[exec.ID]; ok {
				cancel()
			}
		}
	}
	e.mu.Unlock()

	if e.triggers != nil {
		e.triggers.Stop()
	}
	e.cancelAll()
	if e.webhooks != nil {
		e.webhooks.Close()
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) audit(event audit.Event) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.Record(context.Background(), event); err != nil {
		e.log.Warn("audit record failed", "action", event.Action, "error", err)
	}
}

func (e *Engine) emitEvent(ctx context.Context, event string, data map[string]any) {
	if e.webhooks == nil {
		return
	}
	for _, integration := range e.webhooks.List() {
		if err := e.webhooks.Deliver(ctx, integration.ID, event, data); err != nil {
			e.log.Warn("webhook event delivery failed",
				"integration_id", integration.ID, "event", event, "error", err)
		}
	}
}

func principalFor(ruleID core.ID) string {
	return "rule:" + string(ruleID)
}

func errShutDown() error {
	return core.NewError(core.CategoryInternal, "engine_shut_down", "automation engine is shut down")
}
