package cli

import "github.com/issueflow/issueflow/engine/core"

// Exit codes by error category, stable for scripting.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitValidation = 2
	ExitNotFound   = 3
	ExitPermission = 4
)

// ExitCode maps a command error onto a process exit code. Auth failures are
// not permission denials; they exit with the generic code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch core.CategoryOf(err) {
	case core.CategoryValidation:
		return ExitValidation
	case core.CategoryNotFound:
		return ExitNotFound
	case core.CategoryPermission:
		return ExitPermission
	default:
		return ExitError
	}
}
