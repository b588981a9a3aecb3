package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/transactions-api/internal/app"
	"github.com/dvloznov/transactions-api/internal/archive"
	"github.com/dvloznov/transactions-api/internal/config"
	"github.com/dvloznov/transactions-api/internal/domain"
	"github.com/dvloznov/transactions-api/internal/jobs"
	"github.com/dvloznov/transactions-api/internal/logger"
	"github.com/dvloznov/transactions-api/internal/transactions"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "submit":
		runSubmit(log)
	case "status":
		runStatus(log)
	case "inspect":
		runInspect(log)
	case "deadletter":
		runDeadLetter(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Transactions CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  submit      Submit a transaction for asynchronous processing")
	fmt.Println("  status      Show the processing status of a trace ID")
	fmt.Println("  inspect     Show the persisted transaction for a trace ID")
	fmt.Println("  deadletter  Show an archived dead-lettered command")
	fmt.Println("  help        Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func loadConfig(log zerolog.Logger, path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	return cfg
}

func runSubmit(log zerolog.Logger) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	description := fs.String("description", "", "Transaction description")
	amount := fs.Float64("amount", 0, "Transaction amount (non-zero)")
	date := fs.String("date", "", "Transaction date, RFC3339 or YYYY-MM-DD (required)")
	txType := fs.String("type", "", "Transaction type, e.g. Credit or Debit")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(log, *configPath)
	if !cfg.Distributed() {
		log.Warn().Msg("Broker backend is memory - the command will not leave this process")
	}

	when, err := parseDate(*date)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -date")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Broker.PublishTimeout+10*time.Second)
	defer cancel()

	statuses, err := app.OpenStatusStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open status store")
	}
	defer statuses.Close()

	broker, err := app.OpenBroker(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open broker")
	}
	defer broker.Close()

	service := transactions.NewService(statuses, broker.Publisher, transactions.UUIDGenerator{}, log)
	traceID, err := service.CreateTransaction(ctx, domain.TransactionRequest{
		Description: *description,
		Amount:      *amount,
		Date:        when,
		Type:        *txType,
	})
	if err != nil {
		var verr *transactions.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintln(os.Stderr, verr.Error())
			fs.Usage()
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("Submission failed")
	}

	fmt.Println(traceID)
}

// parseDate returns nil for an empty value so the missing date is reported by validation.
func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func runStatus(log zerolog.Logger) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	traceID := fs.String("trace-id", "", "Trace ID returned on submission")
	fs.Parse(os.Args[2:])

	if *traceID == "" {
		log.Fatal().Msg("Error: --trace-id is required")
	}

	cfg := loadConfig(log, *configPath)
	ctx := context.Background()

	statuses, err := app.OpenStatusStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open status store")
	}
	defer statuses.Close()

	status, err := statuses.GetStatus(ctx, *traceID)
	if errors.Is(err, jobs.ErrStatusNotFound) {
		fmt.Fprintf(os.Stderr, "No status recorded for %s\n", *traceID)
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read status")
	}

	fmt.Printf("%s\t%s\n", *traceID, status)
}

func runInspect(log zerolog.Logger) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_FILE"), "Path to YAML config file")
	traceID := fs.String("trace-id", "", "Trace ID to inspect")
	fs.Parse(os.Args[2:])

	if *traceID == "" {
		log.Fatal().Msg("Error: --trace-id is required")
	}

	cfg := loadConfig(log, *configPath)
	if cfg.GCP.Project == "" {
		log.Fatal().Msg("Error: GCP_PROJECT is required to inspect persisted transactions")
	}
	ctx := context.Background()

	repo, err := app.OpenRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create repository")
	}
	defer repo.Close()

	tx, err := repo.GetTransaction(ctx, *traceID)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		fmt.Fprintf(os.Stderr, "No transaction persisted for %s\n", *traceID)
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to query transaction")
	}

	fmt.Println("=== Transaction ===")
	fmt.Printf("Trace ID:    %s\n", tx.TraceID)
	fmt.Printf("Description: %s\n", tx.Description)
	fmt.Printf("Amount:      %.2f\n", tx.Amount)
	fmt.Printf("Type:        %s\n", tx.Type)
	fmt.Printf("Date:        %s\n", tx.Date.Format(time.RFC3339))
	fmt.Printf("Persisted:   %s\n", tx.CreatedAt.Format(time.RFC3339))
}

func runDeadLetter(log zerolog.Logger) {
	fs := flag.NewFlagSet("deadletter", flag.ExitOnError)
	uri := fs.String("uri", "", "gs:// URI of the archived message")
	fs.Parse(os.Args[2:])

	if *uri == "" {
		log.Fatal().Msg("Usage: cli deadletter -uri gs://BUCKET/OBJECT")
	}

	ctx := context.Background()
	client, err := storage.NewClient(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create storage client")
	}
	defer client.Close()

	entry, err := archive.Fetch(ctx, client, *uri)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch archived message")
	}

	fmt.Println("=== Dead letter ===")
	fmt.Printf("Message ID: %s\n", entry.MessageID)
	fmt.Printf("Channel:    %s\n", entry.Channel)
	fmt.Printf("Trace ID:   %s\n", entry.TraceID)
	fmt.Printf("Attempt:    %d\n", entry.Attempt)
	fmt.Printf("Archived:   %s\n", entry.ArchivedAt.Format(time.RFC3339))
	fmt.Printf("Reason:     %s\n", entry.Reason)
	fmt.Printf("Body:       %s\n", entry.Body)
}
