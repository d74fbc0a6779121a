package chain

import "fmt"

// TransactionError reports a submission rejected by the node or reverted on
// chain. The associated pending message transitions to Failed.
type TransactionError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransactionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transaction %s reverted (tx %s)", e.Op, e.TxHash)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// ReadError reports a failed view call. Non-fatal: callers log it and retry
// on the next scheduled refresh.
type ReadError struct {
	Op  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Op, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
