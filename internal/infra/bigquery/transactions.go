package bigquery

import (
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/transactions-api/internal/domain"
	"github.com/shopspring/decimal"
)

// amountScale is the number of fractional digits BigQuery NUMERIC keeps.
const amountScale = 9

type TransactionRow struct {
	TraceID string `bigquery:"trace_id"` // REQUIRED

	Description string   `bigquery:"description"` // REQUIRED STRING
	Amount      *big.Rat `bigquery:"amount"`      // REQUIRED NUMERIC
	Type        string   `bigquery:"type"`        // REQUIRED STRING

	TransactionTS   time.Time  `bigquery:"transaction_ts"`   // REQUIRED TIMESTAMP
	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED DATE, partition column

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

// NewTransactionRow converts a transaction into its table representation.
func NewTransactionRow(tx domain.Transaction) *TransactionRow {
	return &TransactionRow{
		TraceID:         tx.TraceID,
		Description:     tx.Description,
		Amount:          decimal.NewFromFloat(tx.Amount).Round(amountScale).Rat(),
		Type:            tx.Type,
		TransactionTS:   tx.Date.UTC(),
		TransactionDate: civil.DateOf(tx.Date.UTC()),
		CreatedTS:       tx.CreatedAt.UTC(),
	}
}

// ToDomain converts the row back into a transaction.
func (r *TransactionRow) ToDomain() domain.Transaction {
	tx := domain.Transaction{
		TraceID:     r.TraceID,
		Description: r.Description,
		Type:        r.Type,
		Date:        r.TransactionTS,
		CreatedAt:   r.CreatedTS,
	}
	if r.Amount != nil {
		tx.Amount, _ = r.Amount.Float64()
	}
	return tx
}

// saver returns a ValueSaver whose insert ID is the trace ID, so redelivered
// commands are deduplicated by the streaming insert on a best-effort basis.
func (r *TransactionRow) saver() bigquery.ValueSaver {
	return &bigquery.StructSaver{
		Struct:   r,
		InsertID: r.TraceID,
	}
}
