package pipeline

import "errors"

// ErrNoContent marks a capture with no usable items; fatal, never retried.
var ErrNoContent = errors.New("no usable content extracted")

// WorkflowError records which stage failed. The collaborator error is kept
// as Cause for diagnostics and exposed through Unwrap.
type WorkflowError struct {
	Step    string
	Message string
	Cause   error
}

func (e *WorkflowError) Error() string {
	return e.Step + ": " + e.Message
}

func (e *WorkflowError) Unwrap() error { return e.Cause }

func stageError(step string, err error) *WorkflowError {
	var werr *WorkflowError
	if errors.As(err, &werr) {
		return werr
	}
	return &WorkflowError{Step: step, Message: err.Error(), Cause: err}
}
