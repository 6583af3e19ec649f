package permission

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/issueflow/issueflow/engine/ratelimit"
)

// Substrings that classify an operation name. Deliberately coarse; explicit
// allow/deny lists override the classification.
var (
	writeMarkers = []string{
		"create", "update", "delete", "transition", "add", "remove",
		"set", "assign", "execute", "send", "upload", "move", "merge",
	}
	destructiveMarkers = []string{"delete", "remove", "merge"}
)

// Policy is the per-principal permission configuration. Nil lists mean
// "not configured".
type Policy struct {
	AllowList []string `json:"allow_list,omitempty"`
	DenyList  []string `json:"deny_list,omitempty"`
	ReadOnly  bool     `json:"read_only"`
	MaxRPM    int64    `json:"max_rpm,omitempty"`
}

// DefaultPolicy applies to principals without an explicit policy.
type DefaultPolicy struct {
	AllowAll bool  `json:"allow_all"`
	ReadOnly bool  `json:"read_only"`
	MaxRPM   int64 `json:"max_rpm,omitempty"`
}

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed              bool          `json:"allowed"`
	Reason               string        `json:"reason,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation,omitempty"`
	RetryAfter           time.Duration `json:"-"`
}

// Gate decides whether a principal may invoke a named operation.
type Gate struct {
	mu           sync.RWMutex
	limiter      *ratelimit.Limiter
	perPrincipal map[string]Policy
	def          DefaultPolicy
}

func NewGate(limiter *ratelimit.Limiter, def DefaultPolicy) *Gate {
	return &Gate{
		limiter:      limiter,
		perPrincipal: make(map[string]Policy),
		def:          def,
	}
}

// SetPolicy installs or replaces the policy for a principal. A MaxRPM > 0 is
// forwarded to the rate limiter as a per-principal override.
func (g *Gate) SetPolicy(principal string, policy Policy) {
	g.mu.Lock()
	g.perPrincipal[principal] = policy
	g.mu.Unlock()
	if g.limiter != nil {
		g.limiter.SetLimit(principal, policy.MaxRPM)
	}
}

func (g *Gate) policyFor(principal string) (Policy, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	policy, ok := g.perPrincipal[principal]
	return policy, ok
}

// Check runs the decision pipeline: rate limit, deny list, allow list or
// default allow-all, then write/destructive classification.
func (g *Gate) Check(ctx context.Context, principal, opName string) (Decision, error) {
	if g.limiter != nil {
		res, err := g.limiter.Check(ctx, principal)
		if err != nil {
			return Decision{}, fmt.Errorf("permission check failed: %w", err)
		}
		if !res.Allowed {
			return Decision{
				Allowed:    false,
				Reason:     "rate limit exceeded",
				RetryAfter: res.RetryAfter,
			}, nil
		}
	}
	policy, hasPolicy := g.policyFor(principal)
	if hasPolicy && slices.Contains(policy.DenyList, opName) {
		return Decision{Allowed: false, Reason: fmt.Sprintf("operation %q is denied", opName)}, nil
	}
	allowed := g.def.AllowAll
	if hasPolicy && slices.Contains(policy.AllowList, opName) {
		allowed = true
	}
	if !allowed {
		return Decision{Allowed: false, Reason: fmt.Sprintf("operation %q is not allowed", opName)}, nil
	}
	readOnly := g.def.ReadOnly
	if hasPolicy {
		readOnly = policy.ReadOnly
	}
	if IsWrite(opName) && readOnly {
		return Decision{Allowed: false, Reason: "write operations are disabled by read-only policy"}, nil
	}
	return Decision{Allowed: true, RequiresConfirmation: IsDestructive(opName)}, nil
}

// IsWrite reports whether the operation name classifies as a write.
func IsWrite(opName string) bool {
	return containsAny(opName, writeMarkers)
}

// IsDestructive reports whether the operation name classifies as
// destructive.
func IsDestructive(opName string) bool {
	return containsAny(opName, destructiveMarkers)
}

func containsAny(opName string, markers []string) bool {
	lower := strings.ToLower(opName)
	for _, marker := range markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
