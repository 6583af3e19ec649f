package webhook

import (
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/issueflow/issueflow/engine/core"
)

// RetryPolicy controls redelivery after a failed POST.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"         yaml:"max_retries"`
	InitialDelayMS    int     `json:"initial_delay_ms"    yaml:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"  yaml:"backoff_multiplier"`
	MaxDelayMS        int     `json:"max_delay_ms"        yaml:"max_delay_ms"`
}

// DefaultRetryPolicy retries three times starting at one second, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelayMS:    1000,
		BackoffMultiplier: 2.0,
		MaxDelayMS:        30000,
	}
}

// Delay returns the wait before retry number attempt (zero-based), capped at
// the policy maximum.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelayMS)
	for range attempt {
		delay *= p.BackoffMultiplier
	}
	if max := float64(p.MaxDelayMS); delay > max {
		delay = max
	}
	return time.Duration(delay) * time.Millisecond
}

// Integration is a registered outbound delivery target.
type Integration struct {
	ID          string            `json:"id"           yaml:"id"`
	Name        string            `json:"name"         yaml:"name"`
	URL         string            `json:"url"          yaml:"url"`
	Secret      string            `json:"secret,omitempty" yaml:"secret,omitempty"`
	Events      []string          `json:"events,omitempty" yaml:"events,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RetryPolicy RetryPolicy       `json:"retry_policy" yaml:"retry_policy"`
	Enabled     bool              `json:"enabled"      yaml:"enabled"`
}

// Subscribed reports whether the integration wants the event. An empty event
// set subscribes to everything.
func (i *Integration) Subscribed(event string) bool {
	if len(i.Events) == 0 {
		return true
	}
	return slices.Contains(i.Events, event)
}

func (i *Integration) Validate() error {
	var fields []core.FieldError
	if i.ID == "" {
		fields = append(fields, core.FieldError{Path: "id", Code: "required", Message: "integration id is required"})
	}
	if i.URL == "" {
		fields = append(fields, core.FieldError{Path: "url", Code: "required", Message: "integration url is required"})
	} else if parsed, err := url.Parse(i.URL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		fields = append(fields, core.FieldError{Path: "url", Code: "invalid_url",
			Message: fmt.Sprintf("%q is not an absolute URL", i.URL)})
	}
	if i.RetryPolicy.MaxRetries < 0 {
		fields = append(fields, core.FieldError{Path: "retry_policy.max_retries", Code: "out_of_range",
			Message: "max_retries must not be negative"})
	}
	if i.RetryPolicy.BackoffMultiplier != 0 && i.RetryPolicy.BackoffMultiplier < 1 {
		fields = append(fields, core.FieldError{Path: "retry_policy.backoff_multiplier", Code: "out_of_range",
			Message: "backoff_multiplier must be at least 1"})
	}
	if len(fields) > 0 {
		return core.NewValidationError(fields...)
	}
	return nil
}

// normalize fills zero-valued retry policy fields from the defaults.
func (i *Integration) normalize() {
	def := DefaultRetryPolicy()
	if i.RetryPolicy.InitialDelayMS <= 0 {
		i.RetryPolicy.InitialDelayMS = def.InitialDelayMS
	}
	if i.RetryPolicy.BackoffMultiplier == 0 {
		i.RetryPolicy.BackoffMultiplier = def.BackoffMultiplier
	}
	if i.RetryPolicy.MaxDelayMS <= 0 {
		i.RetryPolicy.MaxDelayMS = def.MaxDelayMS
	}
}
