package dispatch

import (
	"errors"
	"fmt"
)

// TransportError wraps a failure from the mail transport with a
// retryability classification. Temporary failures (network, timeout,
// transient provider rejection) feed the shrinking-chunk retry policy;
// permanent failures (bad credentials, TLS misconfiguration) abort the
// whole send without consuming retries.
type TransportError struct {
	Op        string // "dial", "auth", "mail", "rcpt", "data"
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("smtp %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError builds a classified transport error.
func NewTransportError(op string, temporary bool, err error) *TransportError {
	return &TransportError{Op: op, Temporary: temporary, Err: err}
}

// IsRetryable reports whether err should be consumed by the retry policy.
// Unclassified errors are treated as retryable: wrongly retrying a permanent
// failure costs a few rounds, wrongly aborting a transient one loses the send.
// Context cancellation and deadline expiry are retryable (the per-chunk
// email timeout is a transient condition).
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	return true
}
