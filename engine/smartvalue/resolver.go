package smartvalue

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/mohae/deepcopy"
	"github.com/tidwall/gjson"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/pkg/logger"
)

// exprPattern matches one smart-value expression such as {issue.fields.summary}.
var exprPattern = regexp.MustCompile(`\{([A-Za-z0-9_][A-Za-z0-9_.\-]*)\}`)

// Resolver expands smart-value expressions in action configs against an
// execution context. Expansion is single-pass: substituted text is never
// rescanned, so values containing braces cannot trigger loops.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// lookup holds the JSON-encoded payload slots consulted in order, plus the
// scalar well-known keys.
type lookup struct {
	scalars map[string]string
	slots   [][]byte
}

func newLookup(ctx context.Context, ec *core.ExecutionContext) *lookup {
	l := &lookup{scalars: map[string]string{}}
	if ec == nil {
		return l
	}
	l.scalars["issue_key"] = ec.IssueKey
	l.scalars["project_key"] = ec.ProjectKey
	l.scalars["user_id"] = ec.UserID
	log := logger.FromContext(ctx)
	for _, slot := range []map[string]any{ec.IssuePayload, ec.WebhookPayload, ec.TriggerPayload, ec.Custom} {
		if len(slot) == 0 {
			continue
		}
		encoded, err := json.Marshal(slot)
		if err != nil {
			log.Warn("smart-value slot not serializable, skipped", "error", err)
			continue
		}
		l.slots = append(l.slots, encoded)
	}
	return l
}

// get resolves a dotted path, empty string when no slot carries it.
func (l *lookup) get(path string) string {
	if value, ok := l.scalars[path]; ok {
		return value
	}
	for _, slot := range l.slots {
		if result := gjson.GetBytes(slot, path); result.Exists() {
			return result.String()
		}
	}
	return ""
}

// Resolve returns a deep copy of config with every smart-value expression in
// every string replaced. Non-string values pass through untouched.
func (r *Resolver) Resolve(ctx context.Context, config map[string]any, ec *core.ExecutionContext) map[string]any {
	if config == nil {
		return nil
	}
	copied := deepcopy.Copy(config).(map[string]any)
	l := newLookup(ctx, ec)
	resolveMap(copied, l)
	return copied
}

// ResolveString expands expressions in a single string. Used by conditions.
func (r *Resolver) ResolveString(ctx context.Context, s string, ec *core.ExecutionContext) string {
	return expand(s, newLookup(ctx, ec))
}

func resolveMap(m map[string]any, l *lookup) {
	for k, v := range m {
		m[k] = resolveValue(v, l)
	}
}

func resolveValue(v any, l *lookup) any {
	switch typed := v.(type) {
	case string:
		return expand(typed, l)
	case map[string]any:
		resolveMap(typed, l)
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = resolveValue(item, l)
		}
		return typed
	default:
		return v
	}
}

func expand(s string, l *lookup) string {
	return exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := match[1 : len(match)-1]
		return l.get(path)
	})
}
