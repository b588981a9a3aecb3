package domain

import (
	"errors"
	"time"
)

// ErrTransactionNotFound is returned when no persisted transaction matches a trace ID.
var ErrTransactionNotFound = errors.New("transaction not found")

// CreateNewTransactionChannel is the channel every creation command is published to.
// Consumers subscribe to this exact name.
const CreateNewTransactionChannel = "CreateNewTransactionCommand"

// TransactionRequest is a client request to record a transaction.
// Date is a pointer so that an absent "date" field can be told apart from the zero timestamp.
type TransactionRequest struct {
	Description string     `json:"description"`
	Amount      float64    `json:"amount"`  // sign is not constrained; credit/debit is carried by Type
	Date        *time.Time `json:"date"`
	Type        string     `json:"type"` // e.g. "Credit", "Debit"
}

// CreateNewTransactionCommand is the instruction published for asynchronous persistence.
// Once published, the downstream consumer owns the transaction's lifecycle.
type CreateNewTransactionCommand struct {
	TraceID     string    `json:"traceId"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Date        time.Time `json:"date"`
	Type        string    `json:"type"`
}

// NewCreateNewTransactionCommand projects a validated request and its trace ID into a command.
// The request must have passed validation; a nil Date yields the zero time.
func NewCreateNewTransactionCommand(traceID string, req TransactionRequest) CreateNewTransactionCommand {
	cmd := CreateNewTransactionCommand{
		TraceID:     traceID,
		Description: req.Description,
		Amount:      req.Amount,
		Type:        req.Type,
	}
	if req.Date != nil {
		cmd.Date = *req.Date
	}
	return cmd
}

// TransactionAccepted is the body returned when a submission is accepted.
type TransactionAccepted struct {
	TraceID string `json:"TraceId"`
}

// Transaction is a persisted transaction as read back from the repository.
type Transaction struct {
	TraceID     string    `json:"traceId"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Date        time.Time `json:"date"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"createdAt"`
}
