package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/issueflow/issueflow/engine/core"
	"github.com/issueflow/issueflow/pkg/logger"
)

// Status is the verdict of one check or of the whole monitor.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultInterval = 30 * time.Second
)

// Result is what a probe reports back.
type Result struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Probe runs one health measurement. It must respect ctx cancellation.
type Probe func(ctx context.Context) Result

// Check is a registered probe with its schedule. A failing critical check
// makes the aggregate unhealthy; a failing or warning non-critical check
// makes it degraded.
type Check struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	Interval time.Duration
	Probe    Probe
}

type checkState struct {
	check     Check
	mu        sync.RWMutex
	result    Result
	checkedAt time.Time
}

func (s *checkState) set(result Result, at time.Time) {
	s.mu.Lock()
	s.result = result
	s.checkedAt = at
	s.mu.Unlock()
}

func (s *checkState) get() (Result, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.checkedAt
}

// Monitor runs registered checks on their own tickers and aggregates the
// latest results.
type Monitor struct {
	mu      sync.Mutex
	checks  map[string]*checkState
	log     logger.Logger
	cancel  context.CancelFunc
	baseCtx context.Context
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func NewMonitor(log logger.Logger) *Monitor {
	if log == nil {
		log = logger.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		checks:  make(map[string]*checkState),
		log:     log,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Register adds a check. Must be called before Start.
func (m *Monitor) Register(check Check) error {
	if check.Name == "" {
		return core.NewError(core.CategoryValidation, "check_name_required", "health check name is required")
	}
	if check.Probe == nil {
		return core.NewError(core.CategoryValidation, "check_probe_required",
			fmt.Sprintf("health check %q has no probe", check.Name))
	}
	if check.Timeout <= 0 {
		check.Timeout = DefaultTimeout
	}
	if check.Interval <= 0 {
		check.Interval = DefaultInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return core.NewError(core.CategoryInternal, "monitor_started",
			"health checks cannot be registered after the monitor started")
	}
	if _, exists := m.checks[check.Name]; exists {
		return core.NewError(core.CategoryValidation, "check_exists",
			fmt.Sprintf("health check %q is already registered", check.Name))
	}
	m.checks[check.Name] = &checkState{
		check:  check,
		result: Result{Status: StatusHealthy, Message: "not yet checked"},
	}
	return nil
}

// Start runs every check once and then on its interval.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	for _, state := range m.checks {
		m.wg.Add(1)
		go m.loop(state)
	}
}

func (m *Monitor) loop(state *checkState) {
	defer m.wg.Done()
	m.runCheck(state)
	ticker := time.NewTicker(state.check.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			m.runCheck(state)
		}
	}
}

func (m *Monitor) runCheck(state *checkState) {
	ctx, cancel := context.WithTimeout(m.baseCtx, state.check.Timeout)
	defer cancel()
	done := make(chan Result, 1)
	go func() {
		done <- state.check.Probe(ctx)
	}()
	var result Result
	select {
	case result = <-done:
	case <-ctx.Done():
		result = Result{Status: StatusUnhealthy, Message: "probe timed out"}
	}
	state.set(result, time.Now())
	if result.Status != StatusHealthy {
		m.log.Warn("health check not healthy",
			"check", state.check.Name, "status", result.Status, "message", result.Message)
	}
}

// RunOnce executes every registered check synchronously. Useful for CLI
// status commands and tests; the tickers are untouched.
func (m *Monitor) RunOnce() {
	m.mu.Lock()
	states := make([]*checkState, 0, len(m.checks))
	for _, state := range m.checks {
		states = append(states, state)
	}
	m.mu.Unlock()
	for _, state := range states {
		m.runCheck(state)
	}
}

// Stop halts all tickers and waits for in-flight probes. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// CheckResult is one check's latest outcome in a report.
type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Critical  bool      `json:"critical"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report aggregates the latest results: unhealthy if any critical check
// fails, degraded if any non-critical check fails or warns.
func (m *Monitor) Report() (Status, map[string]CheckResult) {
	m.mu.Lock()
	states := make(map[string]*checkState, len(m.checks))
	for name, state := range m.checks {
		states[name] = state
	}
	m.mu.Unlock()

	overall := StatusHealthy
	out := make(map[string]CheckResult, len(states))
	for name, state := range states {
		result, at := state.get()
		out[name] = CheckResult{
			Status:    result.Status,
			Message:   result.Message,
			Critical:  state.check.Critical,
			CheckedAt: at,
		}
		switch {
		case result.Status == StatusUnhealthy && state.check.Critical:
			overall = StatusUnhealthy
		case result.Status != StatusHealthy && overall != StatusUnhealthy:
			overall = StatusDegraded
		}
	}
	return overall, out
}

// HealthFunc adapts the monitor to the webhook router's health endpoint.
func (m *Monitor) HealthFunc() func(ctx context.Context) (string, map[string]any) {
	return func(_ context.Context) (string, map[string]any) {
		status, checks := m.Report()
		details := make(map[string]any, len(checks))
		for name, check := range checks {
			details[name] = map[string]any{
				"status":  string(check.Status),
				"message": check.Message,
			}
		}
		return string(status), details
	}
}
