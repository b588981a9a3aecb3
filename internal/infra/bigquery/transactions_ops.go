package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transactions-api/internal/domain"
	"google.golang.org/api/iterator"
)

const transactionsTable = "transactions"

// InsertTransactionWithClient inserts a single TransactionRow into <dataset>.transactions
// using the provided BigQuery client.
func InsertTransactionWithClient(ctx context.Context, client *bigquery.Client, datasetID string, row *TransactionRow) error {
	if row == nil || row.TraceID == "" {
		return fmt.Errorf("InsertTransactionWithClient: trace_id is required")
	}

	inserter := client.Dataset(datasetID).Table(transactionsTable).Inserter()
	if err := inserter.Put(ctx, row.saver()); err != nil {
		return fmt.Errorf("InsertTransactionWithClient: inserting row %s: %w", row.TraceID, err)
	}

	return nil
}

// FindTransactionByTraceIDWithClient reads the transaction recorded for traceID
// using the provided BigQuery client. It returns domain.ErrTransactionNotFound if there is none.
func FindTransactionByTraceIDWithClient(ctx context.Context, client *bigquery.Client, datasetID, traceID string) (*TransactionRow, error) {
	if traceID == "" {
		return nil, fmt.Errorf("FindTransactionByTraceIDWithClient: trace_id cannot be empty")
	}

	query := fmt.Sprintf(`
		SELECT
			trace_id,
			description,
			amount,
			type,
			transaction_ts,
			transaction_date,
			created_ts
		FROM `+"`%s.%s.%s`"+`
		WHERE trace_id = @trace_id
		ORDER BY created_ts ASC
		LIMIT 1
	`, client.Project(), datasetID, transactionsTable)

	q := client.Query(query)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "trace_id", Value: traceID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("FindTransactionByTraceIDWithClient: reading query: %w", err)
	}

	var row TransactionRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, traceID)
	}
	if err != nil {
		return nil, fmt.Errorf("FindTransactionByTraceIDWithClient: iterating: %w", err)
	}

	return &row, nil
}
