package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/issueflow/issueflow/pkg/logger"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type EventType string

const (
	EventSecurityViolation EventType = "security_violation"
	EventAuthentication    EventType = "authentication"
	EventAuthorization     EventType = "authorization"
	EventExecution         EventType = "execution"
	EventConfigChange      EventType = "config_change"
	EventError             EventType = "error"
)

// Event is the caller-facing description of an auditable occurrence.
type Event struct {
	Type        EventType
	Principal   string
	Action      string
	Resource    string
	Outcome     Outcome
	Details     map[string]any
	RequestID   string
	Destructive bool
}

// Record is one serialized audit line.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Principal string         `json:"principal,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Sink appends structured records to daily JSONL files. Concurrent writers
// are serialized by the sink's mutex; one file handle stays open per day.
type Sink struct {
	mu      sync.Mutex
	dir     string
	enabled bool
	file    *os.File
	date    string
	now     func() time.Time
}

func NewSink(dir string, enabled bool) *Sink {
	return &Sink{dir: dir, enabled: enabled, now: time.Now}
}

// Record derives severity, sanitizes details, and appends one line. A
// disabled sink accepts and drops everything.
func (s *Sink) Record(ctx context.Context, e Event) error {
	if !s.enabled {
		return nil
	}
	rec := Record{
		Timestamp: s.now().UTC(),
		EventType: e.Type,
		Principal: e.Principal,
		Action:    e.Action,
		Resource:  e.Resource,
		Outcome:   e.Outcome,
		Severity:  DeriveSeverity(e),
		Details:   Sanitize(e.Details),
		RequestID: e.RequestID,
	}
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rotate(rec.Timestamp); err != nil {
		return err
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	logger.FromContext(ctx).Debug("audit record written",
		"event_type", rec.EventType, "outcome", rec.Outcome, "severity", rec.Severity)
	return nil
}

// rotate opens the file for the record's calendar date, closing the previous
// day's handle when the date rolls over. Caller holds the mutex.
func (s *Sink) rotate(ts time.Time) error {
	date := ts.Format("2006-01-02")
	if s.file != nil && s.date == date {
		return nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("audit-%s.jsonl", date))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	s.file = f
	s.date = date
	return nil
}

// Close releases the current file handle. The sink stays usable; the next
// record reopens the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.date = ""
	return err
}

// DeriveSeverity maps event kind and outcome to a severity level.
func DeriveSeverity(e Event) Severity {
	switch e.Type {
	case EventSecurityViolation:
		return SeverityCritical
	case EventAuthentication:
		if e.Outcome != OutcomeSuccess {
			return SeverityHigh
		}
		return SeverityLow
	case EventAuthorization:
		if e.Outcome == OutcomeBlocked {
			return SeverityHigh
		}
		return SeverityLow
	case EventConfigChange:
		return SeverityHigh
	case EventError:
		return SeverityMedium
	case EventExecution:
		if e.Destructive && e.Outcome == OutcomeSuccess {
			return SeverityHigh
		}
		if e.Outcome == OutcomeBlocked {
			return SeverityMedium
		}
		return SeverityLow
	default:
		return SeverityMedium
	}
}
