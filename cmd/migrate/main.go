package main

import (
	"context"
	"flag"
	"os"

	"cloud.google.com/go/bigquery"
	infraBQ "github.com/dvloznov/transactions-api/internal/infra/bigquery"
	"github.com/dvloznov/transactions-api/internal/logger"
)

var (
	projectID = flag.String("project", os.Getenv("GCP_PROJECT"), "GCP project ID (required, or set GCP_PROJECT)")
	datasetID = flag.String("dataset", envOr("BIGQUERY_DATASET", "finance"), "BigQuery dataset ID")
	location  = flag.String("location", "EU", "Location used when the dataset has to be created")
	appliedBy = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	dir       = flag.String("migrations", "", "Directory of NNNN_name.sql files (defaults to the embedded migrations)")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()

	log := logger.New()
	ctx := context.Background()

	// Validate required flags
	if *projectID == "" {
		log.Fatal().Msg("Error: -project flag is required. Please specify your GCP project ID.")
	}

	// Create BigQuery client
	client, err := bigquery.NewClient(ctx, *projectID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()

	log.Info().Str("project", *projectID).Str("dataset", *datasetID).Msg("Connected to BigQuery")

	migrations := infraBQ.Migrations()
	if *dir != "" {
		migrations = os.DirFS(*dir)
	}

	migrator := infraBQ.NewMigrator(client, *datasetID, *location, *appliedBy, log)
	applied, err := migrator.Run(ctx, migrations)
	if err != nil {
		log.Fatal().Err(err).Int("applied", applied).Msg("Migration failed")
	}

	if applied == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", applied).Msg("Successfully applied migrations")
	}
}
