package core

import "maps"

// ExecutionContext carries the data a fire makes available to smart values,
// conditions and actions. Well-known slots are typed; everything else goes
// through Custom.
type ExecutionContext struct {
	IssueKey       string         `json:"issue_key,omitempty"`
	ProjectKey     string         `json:"project_key,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	IssuePayload   map[string]any `json:"issue_payload,omitempty"`
	WebhookPayload map[string]any `json:"webhook_payload,omitempty"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	Custom         map[string]any `json:"custom,omitempty"`
}

// Clone returns a shallow copy with its own map headers so callers can add
// custom values without mutating the source context.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return &ExecutionContext{}
	}
	out := *c
	out.IssuePayload = maps.Clone(c.IssuePayload)
	out.WebhookPayload = maps.Clone(c.WebhookPayload)
	out.TriggerPayload = maps.Clone(c.TriggerPayload)
	out.Custom = maps.Clone(c.Custom)
	return &out
}
