package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/finance-warehouse/internal/config"
	infraMySQL "github.com/dvloznov/finance-warehouse/internal/infra/mysql"
	"github.com/dvloznov/finance-warehouse/internal/keymap"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

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

var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

func main() {
	var (
		configFile    = flag.String("config", "", "Path to the config file")
		envFile       = flag.String("env", ".env", "Path to an optional .env file")
		projectID     = flag.String("project", "", "GCP project ID (overrides gcp.project)")
		datasetID     = flag.String("dataset", "", "BigQuery dataset ID (overrides warehouse.dataset)")
		appliedBy     = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
		migrationsDir = flag.String("migrations", "migrations/bigquery", "Path to migrations directory")
		dryRun        = flag.Bool("dry-run", false, "List pending migrations without applying them")
	)
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *projectID == "" {
		*projectID = cfg.GCP.Project
	}
	if *datasetID == "" {
		*datasetID = cfg.Warehouse.Dataset
	}
	if *projectID == "" {
		log.Fatal().Msg("A GCP project is required: pass -project or set gcp.project")
	}

	ctx := logger.WithContext(context.Background(), log)

	dir, err := findMigrationsDir(*migrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to locate migrations")
	}
	migrations, err := readMigrations(dir, *projectID, *datasetID, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}
	log.Info().Int("count", len(migrations)).Str("dir", dir).Msg("Found migration files")

	client, err := bigquery.NewClient(ctx, *projectID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()

	log.Info().Str("project", *projectID).Str("dataset", *datasetID).Msg("Connected to BigQuery")

	m := &migrator{
		exec:      bigQueryExecutor{client: client},
		project:   *projectID,
		dataset:   *datasetID,
		appliedBy: *appliedBy,
		dryRun:    *dryRun,
		log:       log,
	}
	if err := m.run(ctx, migrations); err != nil {
		client.Close()
		log.Fatal().Err(err).Msg("Migration failed")
	}

	if cfg.Keys.Store == keymap.BackendMySQL && !*dryRun {
		if err := migrateMySQL(ctx, cfg.MySQL.DSN); err != nil {
			client.Close()
			log.Fatal().Err(err).Msg("MySQL key table migration failed")
		}
		log.Info().Msg("MySQL surrogate_keys table is up to date")
	}
}

// executor runs warehouse statements. The BigQuery implementation is
// replaced in tests.
type executor interface {
	Exec(ctx context.Context, sql string, params map[string]interface{}) error
	AppliedMigrations(ctx context.Context, table string) ([]AppliedMigration, error)
}

type migrator struct {
	exec      executor
	project   string
	dataset   string
	appliedBy string
	dryRun    bool
	log       zerolog.Logger
}

func (m *migrator) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", m.project, m.dataset, name)
}

// run applies every migration whose version is not yet recorded, in
// version order, and records each one after it succeeds.
func (m *migrator) run(ctx context.Context, migrations []Migration) error {
	if !m.dryRun {
		if err := m.ensureSchemaMigrationsTable(ctx); err != nil {
			return fmt.Errorf("ensuring schema_migrations table: %w", err)
		}
	}

	applied, err := m.exec.AppliedMigrations(ctx, m.table("schema_migrations"))
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	m.log.Info().Int("count", len(applied)).Msg("Found already applied migrations")

	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		appliedByVersion[am.Version] = am
	}

	appliedCount := 0
	for _, migration := range migrations {
		label := fmt.Sprintf("%04d_%s", migration.Version, migration.Name)

		if am, ok := appliedByVersion[migration.Version]; ok {
			if am.Checksum != "" && am.Checksum != migration.Checksum {
				m.log.Warn().Str("migration", label).Msg("Applied migration was modified after it ran; changes are not re-applied")
			}
			m.log.Debug().Str("migration", label).Msg("Already applied")
			continue
		}

		if m.dryRun {
			m.log.Info().Str("migration", label).Msg("Pending")
			continue
		}

		m.log.Info().Str("migration", label).Msg("Applying")
		if err := m.exec.Exec(ctx, migration.SQL, nil); err != nil {
			return fmt.Errorf("executing migration %s: %w", label, err)
		}
		if err := m.recordMigration(ctx, migration); err != nil {
			return fmt.Errorf("recording migration %s: %w", label, err)
		}
		m.log.Info().Str("migration", label).Msg("Applied")
		appliedCount++
	}

	switch {
	case m.dryRun:
		m.log.Info().Msg("Dry run: nothing applied")
	case appliedCount == 0:
		m.log.Info().Msg("No new migrations to apply. Dataset is up to date.")
	default:
		m.log.Info().Int("count", appliedCount).Msg("Successfully applied migrations")
	}
	return nil
}

func (m *migrator) ensureSchemaMigrationsTable(ctx context.Context) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, m.table("schema_migrations"))
	return m.exec.Exec(ctx, sql, nil)
}

func (m *migrator) recordMigration(ctx context.Context, migration Migration) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, m.table("schema_migrations"))
	return m.exec.Exec(ctx, sql, map[string]interface{}{
		"version":    migration.Version,
		"name":       migration.Name,
		"checksum":   migration.Checksum,
		"applied_by": m.appliedBy,
	})
}

// findMigrationsDir resolves dir relative to the working directory, falling
// back to the repository root when run from cmd/migrate.
func findMigrationsDir(dir string) (string, error) {
	for _, candidate := range []string{dir, filepath.Join("..", "..", dir)} {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found: %s", dir)
}

// readMigrations reads all migration files from dir, substituting the
// {{PROJECT_ID}} and {{DATASET_ID}} placeholders. The checksum is taken
// before substitution so it does not depend on the target dataset.
func readMigrations(dir, projectID, datasetID string, log zerolog.Logger) ([]Migration, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, file := range files {
		if file.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(file.Name())
		if matches == nil {
			log.Warn().Str("file", file.Name()).Msg("Skipping file with invalid format")
			continue
		}

		version, err := strconv.Atoi(matches[1])
		if err != nil {
			log.Warn().Str("file", file.Name()).Msg("Skipping file with invalid version")
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, other, file.Name())
		}
		seen[version] = file.Name()

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", file.Name(), err)
		}

		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", projectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: file.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// bigQueryExecutor runs statements as BigQuery query jobs.
type bigQueryExecutor struct {
	client *bigquery.Client
}

func (e bigQueryExecutor) Exec(ctx context.Context, sql string, params map[string]interface{}) error {
	query := e.client.Query(sql)
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		query.Parameters = append(query.Parameters, bigquery.QueryParameter{Name: name, Value: params[name]})
	}

	job, err := query.Run(ctx)
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

func (e bigQueryExecutor) AppliedMigrations(ctx context.Context, table string) ([]AppliedMigration, error) {
	query := e.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, table))
	it, err := query.Read(ctx)
	if err != nil {
		// In dry-run mode the table may not exist yet.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64
			Name      string
			AppliedAt time.Time
			Checksum  bigquery.NullString
			AppliedBy bigquery.NullString
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
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

// migrateMySQL creates the surrogate_keys table of the MySQL key store.
func migrateMySQL(ctx context.Context, dsn string) error {
	db, err := infraMySQL.Open(ctx, dsn)
	if err != nil {
		return err
	}
	repo := infraMySQL.NewKeyMapRepository(db)
	defer repo.Close()
	return repo.CreateTable(ctx)
}
