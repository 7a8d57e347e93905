package harness

import (
	"fmt"

	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// GatewayError reports a failed model call. It matches both its kind
// (ports.ErrUpstream*) and the last underlying cause with errors.Is.
type GatewayError struct {
	Kind     error
	Attempts int
	Cause    error
}

func (e *GatewayError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%v after %d attempt(s)", e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%v after %d attempt(s): %v", e.Kind, e.Attempts, e.Cause)
}

func (e *GatewayError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// ToolError reports a failed tool invocation.
type ToolError struct {
	Kind         error
	Tool         string
	InvocationID string
	Cause        error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("tool %s (%s): %v", e.Tool, e.InvocationID, e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ToolError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// failInvocation marks inv failed with err and returns it.
func failInvocation(inv ports.ToolInvocation, err error) ports.ToolInvocation {
	inv.Status = ports.StatusFailed
	inv.Result = nil
	inv.Error = err.Error()
	inv.ErrorKind = ports.KindName(err)
	return inv
}
