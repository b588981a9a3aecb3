package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the SQL migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Pattern to match migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// ReadMigrations reads every NNNN_name.sql file at the root of fsys, substitutes
// the {{PROJECT_ID}} and {{DATASET_ID}} placeholders and sorts them by version.
// The checksum is taken before substitution so it tracks the logical migration only.
func ReadMigrations(fsys fs.FS, projectID, datasetID string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("ReadMigrations: reading directory: %w", err)
	}

	seen := make(map[int]string)
	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}

		version, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("ReadMigrations: version %04d used by %s and %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("ReadMigrations: reading file %s: %w", entry.Name(), err)
		}

		sql := string(content)
		sql = strings.ReplaceAll(sql, "{{PROJECT_ID}}", projectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: entry.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// Pending returns the migrations whose version is not in applied, in order.
func Pending(migrations []Migration, applied []AppliedMigration) []Migration {
	done := make(map[int]bool, len(applied))
	for _, am := range applied {
		done[am.Version] = true
	}

	var pending []Migration
	for _, m := range migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

// Migrator applies migrations to a dataset and records them in schema_migrations.
type Migrator struct {
	client    *bigquery.Client
	datasetID string
	location  string
	appliedBy string
	log       zerolog.Logger
}

// NewMigrator creates a Migrator for datasetID.
func NewMigrator(client *bigquery.Client, datasetID, location, appliedBy string, log zerolog.Logger) *Migrator {
	return &Migrator{
		client:    client,
		datasetID: datasetID,
		location:  location,
		appliedBy: appliedBy,
		log:       log,
	}
}

// Run creates the dataset and schema_migrations table when missing, then applies
// every pending migration. It returns the number of migrations applied.
func (m *Migrator) Run(ctx context.Context, fsys fs.FS) (int, error) {
	if err := m.ensureDataset(ctx); err != nil {
		return 0, err
	}
	if err := m.ensureSchemaMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("Run: ensuring schema_migrations table: %w", err)
	}

	migrations, err := ReadMigrations(fsys, m.client.Project(), m.datasetID)
	if err != nil {
		return 0, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	m.log.Info().
		Int("found", len(migrations)).
		Int("applied", len(applied)).
		Msg("Loaded migrations")

	count := 0
	for _, migration := range Pending(migrations, applied) {
		log := m.log.With().Int("version", migration.Version).Str("name", migration.Name).Logger()
		log.Info().Msg("Applying migration")

		if err := m.exec(ctx, m.client.Query(migration.SQL)); err != nil {
			return count, fmt.Errorf("Run: executing %s: %w", migration.Filename, err)
		}
		if err := m.record(ctx, migration); err != nil {
			return count, fmt.Errorf("Run: recording %s: %w", migration.Filename, err)
		}

		log.Info().Msg("Migration applied")
		count++
	}

	return count, nil
}

func (m *Migrator) ensureDataset(ctx context.Context) error {
	ds := m.client.Dataset(m.datasetID)
	_, err := ds.Metadata(ctx)
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
		return fmt.Errorf("ensureDataset: reading metadata for %s: %w", m.datasetID, err)
	}

	m.log.Info().Str("dataset", m.datasetID).Str("location", m.location).Msg("Creating dataset")
	if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: m.location}); err != nil {
		return fmt.Errorf("ensureDataset: creating %s: %w", m.datasetID, err)
	}
	return nil
}

func (m *Migrator) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", m.client.Project(), m.datasetID, name)
}

// ensureSchemaMigrationsTable creates the schema_migrations table if it doesn't exist
func (m *Migrator) ensureSchemaMigrationsTable(ctx context.Context) error {
	return m.exec(ctx, m.client.Query(`
		CREATE TABLE IF NOT EXISTS `+m.table("schema_migrations")+` (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`))
}

// appliedMigrations retrieves the list of already applied migrations
func (m *Migrator) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	q := m.client.Query(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM ` + m.table("schema_migrations") + `
		ORDER BY version ASC
	`)

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("appliedMigrations: reading query: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}

		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("appliedMigrations: iterating: %w", err)
		}

		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}

	return applied, nil
}

// record stores a successfully applied migration in schema_migrations
func (m *Migrator) record(ctx context.Context, migration Migration) error {
	q := m.client.Query(`
		INSERT INTO ` + m.table("schema_migrations") + `
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "version", Value: migration.Version},
		{Name: "name", Value: migration.Name},
		{Name: "checksum", Value: migration.Checksum},
		{Name: "applied_by", Value: m.appliedBy},
	}
	return m.exec(ctx, q)
}

func (m *Migrator) exec(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}

	return nil
}
