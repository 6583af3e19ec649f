package automation

import (
	"context"
	"errors"
	"time"

	"github.com/issueflow/issueflow/engine/action"
	"github.com/issueflow/issueflow/engine/audit"
	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/engine/rule"
	"github.com/issueflow/issueflow/pkg/logger"
)

const (
	skipMessage    = "conditions not met"
	timeoutMessage = "execution timeout"
	eventStarted   = "execution_started"
	eventCompleted = "execution_completed"
	notifyTimeout  = 10 * time.Second
)

// runPipeline executes one rule snapshot end to end and returns the stored
// execution record.
func (e *Engine) runPipeline(ctx context.Context, r *rule.Rule, source string, ec *core.ExecutionContext) *Execution {
	if ec == nil {
		ec = &core.ExecutionContext{}
	}
	if ec.Custom == nil {
		ec.Custom = make(map[string]any)
	}
	// Also exposed as the {rule_id} smart value.
	ec.Custom["rule_id"] = string(r.ID)
	start := e.now()
	exec := &Execution{
		ID:          core.MustNewID(),
		RuleID:      r.ID,
		TriggeredAt: start,
		TriggeredBy: source,
		Status:      core.StatusRunning,
		Context:     ec,
	}
	execCtx, cancel := context.WithTimeout(ctx, e.opts.ExecutionTimeout)
	defer cancel()
	execCtx = logger.ContextWith(execCtx, e.log.With("rule_id", r.ID, "execution_id", exec.ID))

	e.mu.Lock()
	e.executions = append(e.executions, exec)
	e.execByID[exec.ID] = exec
	e.cancels[exec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, exec.ID)
		e.mu.Unlock()
	}()

	e.emitEvent(execCtx, eventStarted, map[string]any{
		"execution_id": string(exec.ID),
		"rule_id":      string(r.ID),
		"source":       source,
	})

	status, errMsg, results := e.runActions(execCtx, r, ec)

	e.mu.Lock()
	// Deletion or shutdown may have flipped the status while an action was
	// in flight; that verdict wins.
	if exec.Status == core.StatusCancelled {
		status = core.StatusCancelled
		errMsg = ""
	}
	exec.Status = status
	exec.Error = errMsg
	exec.Results = results
	exec.DurationMS = e.now().Sub(start).Milliseconds()
	e.mu.Unlock()

	e.recordOutcome(r.ID, exec)
	outcome := audit.OutcomeSuccess
	if status == core.StatusFailed {
		outcome = audit.OutcomeFailure
	}
	e.audit(audit.Event{
		Type: audit.EventExecution, Principal: principalFor(r.ID),
		Action: "execute_rule", Resource: "execution/" + string(exec.ID),
		Outcome: outcome,
		Details: map[string]any{"source": source, "status": string(status), "error": errMsg},
	})
	e.emitEvent(execCtx, eventCompleted, map[string]any{
		"execution_id": string(exec.ID),
		"rule_id":      string(r.ID),
		"status":       string(status),
		"duration_ms":  exec.DurationMS,
		"error":        errMsg,
	})
	if status == core.StatusFailed {
		// execCtx may already be past its deadline when the failure was a
		// timeout; notify on the parent with its own budget.
		notifyCtx, notifyCancel := context.WithTimeout(logger.ContextWith(ctx, logger.FromContext(execCtx)), notifyTimeout)
		e.notifyFailure(notifyCtx, r, exec)
		notifyCancel()
	}
	return exec
}

// runActions resolves smart values, gates, and iterates the action list.
func (e *Engine) runActions(ctx context.Context, r *rule.Rule, ec *core.ExecutionContext) (core.StatusType, string, []*action.Result) {
	if !e.conditions.Matches(ctx, r.Conditions, ec) {
		return core.StatusCompleted, "", []*action.Result{{
			Status:  action.StatusSkipped,
			Message: skipMessage,
		}}
	}
	actions := r.SortedActions()
	for i := range actions {
		actions[i].Config = e.resolver.Resolve(ctx, actions[i].Config, ec)
	}
	principal := principalFor(r.ID)
	var results []*action.Result
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return core.StatusFailed, timeoutMessage, results
			}
			return core.StatusCancelled, "", results
		}
		if result, rateLimited := e.gateAction(ctx, principal, a); result != nil {
			results = append(results, result)
			// A rate-limit denial aborts the current action only.
			if rateLimited || a.ContinueOnError {
				continue
			}
			return core.StatusFailed, result.Message, results
		}
		result := e.executor.Execute(ctx, a, ec)
		results = append(results, result)
		if result.Status == action.StatusFailed && !a.ContinueOnError {
			return core.StatusFailed, result.Message, results
		}
	}
	return core.StatusCompleted, "", results
}

// gateAction consults the permission gate. A nil result means proceed.
func (e *Engine) gateAction(ctx context.Context, principal string, a rule.Action) (*action.Result, bool) {
	if e.gate == nil {
		return nil, false
	}
	decision, err := e.gate.Check(ctx, principal, a.Type.String())
	if err != nil {
		return &action.Result{
			ActionType: a.Type,
			Status:     action.StatusFailed,
			Message:    "permission check failed: " + err.Error(),
		}, false
	}
	if decision.Allowed {
		if decision.RequiresConfirmation {
			e.audit(audit.Event{
				Type: audit.EventExecution, Principal: principal,
				Action: a.Type.String(), Outcome: audit.OutcomeSuccess,
				Destructive: true,
			})
		}
		return nil, false
	}
	e.audit(audit.Event{
		Type: audit.EventAuthorization, Principal: principal,
		Action: a.Type.String(), Outcome: audit.OutcomeBlocked,
		Details: map[string]any{"reason": decision.Reason},
	})
	rateLimited := decision.RetryAfter > 0
	message := "blocked: " + decision.Reason
	if rateLimited {
		message = "rate limited, retry after " + decision.RetryAfter.String()
	}
	return &action.Result{
		ActionType: a.Type,
		Status:     action.StatusFailed,
		Message:    message,
	}, rateLimited
}

// recordOutcome folds one finished execution into the rule's metrics.
func (e *Engine) recordOutcome(ruleID core.ID, exec *Execution) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.metrics[ruleID]
	if !ok {
		m = &Metrics{RuleID: ruleID, FailureReasons: make(map[string]int)}
		e.metrics[ruleID] = m
	}
	m.ExecutionCount++
	m.AvgDurationMS += (float64(exec.DurationMS) - m.AvgDurationMS) / float64(m.ExecutionCount)
	if exec.Status == core.StatusFailed {
		m.FailureCount++
		reason := exec.Error
		if reason == "" {
			reason = "unknown"
		}
		m.FailureReasons[reason]++
	}
	m.SuccessRate = float64(m.ExecutionCount-m.FailureCount) / float64(m.ExecutionCount) * 100
	m.LastExecutedAt = &now

	if r, ok := e.rules[ruleID]; ok {
		r.ExecutionCount = m.ExecutionCount
		r.FailureCount = m.FailureCount
		r.LastExecuted = &now
	}
}

// notifyFailure sends the configured recipients a tracker notification about
// a failed execution. Best effort.
func (e *Engine) notifyFailure(ctx context.Context, r *rule.Rule, exec *Execution) {
	if len(e.opts.FailureRecipients) == 0 {
		return
	}
	recipients := make([]any, len(e.opts.FailureRecipients))
	for i, recipient := range e.opts.FailureRecipients {
		recipients[i] = recipient
	}
	result := e.executor.Execute(ctx, rule.Action{
		Type: rule.ActionSendNotification,
		Config: map[string]any{
			"recipients": recipients,
			"subject":    "Automation rule failed: " + r.Name,
			"body":       "Execution " + string(exec.ID) + " failed: " + exec.Error,
		},
	}, exec.Context)
	if result.Status != action.StatusSuccess {
		logger.FromContext(ctx).Warn("failure notification not delivered", "reason", result.Message)
	}
}
