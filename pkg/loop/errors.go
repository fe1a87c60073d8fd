package loop

import "fmt"

// Kind classifies why a loop iteration or tool call failed, so
// callers can branch with errors.Is/errors.As instead of matching
// error strings.
type Kind string

const (
	KindCancelled        Kind = "cancelled"
	KindBudgetExhausted  Kind = "budget_exhausted"
	KindPolicyBlocked    Kind = "policy_blocked"
	KindToolExecution    Kind = "tool_execution_error"
	KindProvider         Kind = "provider_error"
	KindResourceLimit    Kind = "resource_limit"
	KindQualityRejection Kind = "quality_rejection"
	KindDoomLoop         Kind = "doom_loop"
)

// Error wraps an underlying error with a Kind so callers can test for
// a category of failure without depending on message text.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("loop: %s", e.Kind)
	}
	return fmt.Sprintf("loop: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, letting
// callers write errors.Is(err, &loop.Error{Kind: loop.KindBudgetExhausted}).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
