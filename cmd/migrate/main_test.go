package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilenamePattern(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  string
		name     string
	}{
		{"0001_create_dimensions.sql", true, "0001", "create_dimensions"},
		{"001_invalid.sql", false, "", ""},
		{"0001_test", false, "", ""},
		{"0001.sql", false, "", ""},
		{"invalid_0001_test.sql", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			matches := migrationPattern.FindStringSubmatch(tt.filename)
			if !tt.valid {
				assert.Nil(t, matches)
				return
			}
			require.NotNil(t, matches)
			assert.Equal(t, tt.version, matches[1])
			assert.Equal(t, tt.name, matches[2])
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestReadMigrations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0002_second.sql", "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.b` (x INT64);")
	writeFile(t, dir, "0001_first.sql", "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.a` (x INT64);")
	writeFile(t, dir, "README.md", "not a migration")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0003_dir.sql"), 0o755))

	migrations, err := readMigrations(dir, "proj", "ds", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "first", migrations[0].Name)
	assert.Equal(t, "CREATE TABLE `proj.ds.a` (x INT64);", migrations[0].SQL)
	assert.Equal(t, 2, migrations[1].Version)
	assert.Len(t, migrations[0].Checksum, 64)
}

func TestReadMigrations_ChecksumIgnoresTarget(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0001_first.sql", "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.a` (x INT64);")

	a, err := readMigrations(dir, "proj-a", "ds", zerolog.Nop())
	require.NoError(t, err)
	b, err := readMigrations(dir, "proj-b", "other", zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, a[0].Checksum, b[0].Checksum)
	assert.NotEqual(t, a[0].SQL, b[0].SQL)
}

func TestReadMigrations_DuplicateVersion(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "0001_first.sql", "SELECT 1;")
	writeFile(t, dir, "0001_again.sql", "SELECT 2;")

	_, err := readMigrations(dir, "proj", "ds", zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version 0001")
}

func TestRepositoryMigrations(t *testing.T) {
	migrations, err := readMigrations("../../migrations/bigquery", "proj", "ds", zerolog.Nop())
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	var all strings.Builder
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version, "versions are contiguous")
		assert.NotContains(t, m.SQL, "{{")
		all.WriteString(m.SQL)
	}
	for _, table := range []string{"DimDate", "DimDepartment", "DimAccount", "DimScenario",
		"FactFinancials", "FactMonthlyVariance", "load_runs", "surrogate_keys"} {
		assert.Contains(t, all.String(), "`proj.ds."+table+"`")
	}
}

type execCall struct {
	sql    string
	params map[string]interface{}
}

type mockExecutor struct {
	applied []AppliedMigration
	calls   []execCall
	failOn  string
}

func (m *mockExecutor) Exec(ctx context.Context, sql string, params map[string]interface{}) error {
	m.calls = append(m.calls, execCall{sql: sql, params: params})
	if m.failOn != "" && strings.Contains(sql, m.failOn) {
		return errors.New("boom")
	}
	return nil
}

func (m *mockExecutor) AppliedMigrations(ctx context.Context, table string) ([]AppliedMigration, error) {
	return m.applied, nil
}

func testMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "first", SQL: "CREATE first", Checksum: "c1"},
		{Version: 2, Name: "second", SQL: "CREATE second", Checksum: "c2"},
	}
}

func newTestMigrator(exec executor) *migrator {
	return &migrator{exec: exec, project: "proj", dataset: "ds", appliedBy: "test", log: zerolog.Nop()}
}

func TestMigrator_AppliesPendingInOrder(t *testing.T) {
	exec := &mockExecutor{applied: []AppliedMigration{{Version: 1, Checksum: "c1"}}}

	require.NoError(t, newTestMigrator(exec).run(context.Background(), testMigrations()))

	require.Len(t, exec.calls, 3)
	assert.Contains(t, exec.calls[0].sql, "CREATE TABLE IF NOT EXISTS `proj.ds.schema_migrations`")
	assert.Equal(t, "CREATE second", exec.calls[1].sql)
	assert.Contains(t, exec.calls[2].sql, "INSERT INTO `proj.ds.schema_migrations`")
	assert.Equal(t, 2, exec.calls[2].params["version"])
	assert.Equal(t, "c2", exec.calls[2].params["checksum"])
	assert.Equal(t, "test", exec.calls[2].params["applied_by"])
}

func TestMigrator_DryRunExecutesNothing(t *testing.T) {
	exec := &mockExecutor{}
	m := newTestMigrator(exec)
	m.dryRun = true

	require.NoError(t, m.run(context.Background(), testMigrations()))
	assert.Empty(t, exec.calls)
}

func TestMigrator_StopsOnFailure(t *testing.T) {
	exec := &mockExecutor{failOn: "CREATE first"}

	err := newTestMigrator(exec).run(context.Background(), testMigrations())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_first")

	// schema_migrations DDL and the failed migration; nothing recorded.
	assert.Len(t, exec.calls, 2)
}
