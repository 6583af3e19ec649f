package core

// StatusType is the lifecycle status of an execution or bulk operation.
type StatusType string

const (
	StatusPending   StatusType = "PENDING"
	StatusRunning   StatusType = "RUNNING"
	StatusCompleted StatusType = "COMPLETED"
	StatusFailed    StatusType = "FAILED"
	StatusCancelled StatusType = "CANCELLED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether the status can no longer change.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
