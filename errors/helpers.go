package errors

// WrapOpComponent provides a convenience helper to wrap errors with consistent Op and Component propagation.
// It avoids repetition when creating structured errors throughout the codebase.
// If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	// Preserve an existing TxnError so codes and conflict keys survive wrapping.
	if txnErr, ok := err.(*TxnError); ok {
		return &TxnError{
			Op:         op,
			Component:  component,
			Err:        txnErr,
			Retryable:  txnErr.Retryable,
			Code:       txnErr.Code,
			Keys:       txnErr.Keys,
			Predicates: txnErr.Predicates,
		}
	}
	return NewWithComponent(op, component, err)
}
