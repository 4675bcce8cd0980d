package registry

import (
	"context"
	"errors"
	"fmt"
)

// Fault codes raised by the engine itself.
const (
	CodeHandlerError         = "HANDLER_ERROR"
	CodeHandlerNotRegistered = "HANDLER_NOT_REGISTERED"
	CodeHandlerTimeout       = "HANDLER_TIMEOUT"
	CodeHandlerPanic         = "HANDLER_PANIC"
	CodeNoMatchingEdge       = "NO_MATCHING_EDGE"
	CodeExpression           = "EXPRESSION_ERROR"
	CodeUnbalancedJoin       = "UNBALANCED_JOIN"
	CodeCallDepthExceeded    = "CALL_DEPTH_EXCEEDED"
	CodeDefinitionNotFound   = "DEFINITION_NOT_FOUND"
	CodeChildFailed          = "CHILD_FAILED"
	CodeChildCancelled       = "CHILD_CANCELLED"
	CodeMultiInstanceFailed  = "MULTI_INSTANCE_FAILED"
)

// Fault is a handler failure with a routable code. Permanent faults skip the
// retry policy.
type Fault struct {
	Code      string
	Message   string
	Permanent bool
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Code
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func NewFault(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

func PermanentFault(code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), Permanent: true}
}

// AsFault normalizes any handler error into a Fault.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Code: CodeHandlerTimeout, Message: err.Error()}
	}
	if errors.Is(err, ErrHandlerNotRegistered) {
		return &Fault{Code: CodeHandlerNotRegistered, Message: err.Error(), Permanent: true}
	}
	return &Fault{Code: CodeHandlerError, Message: err.Error()}
}
