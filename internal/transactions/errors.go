package transactions

import (
	"fmt"
	"strings"
)

// ValidationError reports a structurally invalid TransactionRequest.
// No side effect has happened when it is returned.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) == 0 {
		return "invalid transaction data"
	}
	return "invalid transaction data: " + strings.Join(e.Reasons, "; ")
}

// StatusStoreError reports that the initial status could not be recorded.
// The command was not published.
type StatusStoreError struct {
	TraceID string
	Err     error
}

func (e *StatusStoreError) Error() string {
	return fmt.Sprintf("record status for %s: %v", e.TraceID, e.Err)
}

func (e *StatusStoreError) Unwrap() error {
	return e.Err
}

// PublishError reports that the command was not accepted by the broker.
// The status entry for TraceID remains "creating".
type PublishError struct {
	TraceID string
	Channel string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s for %s: %v", e.Channel, e.TraceID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
