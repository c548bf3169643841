package logging

import "fmt"

// OperationError annotates an error with the operation and batch it failed in.
type OperationError struct {
	Operation string
	BatchID   string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.BatchID != "" {
		return fmt.Sprintf("%s (batch_id=%s): %v", e.Operation, e.BatchID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with the operation and batch it belongs to.
// A nil err yields nil so call sites can wrap unconditionally.
func NewOperationError(operation, batchID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, BatchID: batchID, Err: err}
}
