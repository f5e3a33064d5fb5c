// Package mysql stores the surrogate key map in MySQL.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// registers the "mysql" driver
	_ "github.com/go-sql-driver/mysql"

	"github.com/dvloznov/finance-warehouse/internal/domain"
	"github.com/dvloznov/finance-warehouse/internal/keymap"
)

const surrogateKeysTable = "surrogate_keys"

// KeyMapRepository implements keymap.Store on a MySQL table.
type KeyMapRepository struct {
	db *sql.DB
}

// Open connects to MySQL with dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: ping: %w", err)
	}
	return db, nil
}

// NewKeyMapRepository creates a repository over db.
func NewKeyMapRepository(db *sql.DB) *KeyMapRepository {
	return &KeyMapRepository{db: db}
}

// Close closes the underlying connection pool.
func (r *KeyMapRepository) Close() error {
	return r.db.Close()
}

// CreateTable creates the surrogate_keys table if it does not exist.
func (r *KeyMapRepository) CreateTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ` + surrogateKeysTable + ` (
		dimension     VARCHAR(32)  NOT NULL,
		natural_key   VARCHAR(255) NOT NULL,
		surrogate_key BIGINT       NOT NULL,
		created_ts    TIMESTAMP    NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (dimension, natural_key),
		UNIQUE KEY uq_dimension_surrogate (dimension, surrogate_key)
	)
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("CreateTable: %w", err)
	}
	return nil
}

// Load reads every persisted mapping.
func (r *KeyMapRepository) Load(ctx context.Context) (map[domain.Dimension]map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT dimension, natural_key, surrogate_key
	FROM `+surrogateKeysTable)
	if err != nil {
		return nil, fmt.Errorf("Load: querying: %w", err)
	}
	defer rows.Close()

	keys := make(map[domain.Dimension]map[string]int64)
	for rows.Next() {
		var (
			dim, nk string
			key     int64
		)
		if err := rows.Scan(&dim, &nk, &key); err != nil {
			return nil, fmt.Errorf("Load: scanning: %w", err)
		}
		d := domain.Dimension(dim)
		if keys[d] == nil {
			keys[d] = make(map[string]int64)
		}
		keys[d][nk] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Load: iterating: %w", err)
	}
	return keys, nil
}

// Save inserts mappings in one transaction. A mapping already stored is
// ignored; one that clashes with a stored natural or surrogate key fails the
// whole batch.
func (r *KeyMapRepository) Save(ctx context.Context, mappings []domain.KeyMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Save: begin: %w", err)
	}
	defer tx.Rollback()

	query, args := insertMappingsQuery(mappings)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("Save: inserting: %w", err)
	}

	var matched int
	check, checkArgs := matchedQuery(mappings)
	if err := tx.QueryRowContext(ctx, check, checkArgs...).Scan(&matched); err != nil {
		return fmt.Errorf("Save: verifying: %w", err)
	}
	if matched != len(mappings) {
		return fmt.Errorf("Save: %w: %d of %d mappings", keymap.ErrConflict, len(mappings)-matched, len(mappings))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Save: commit: %w", err)
	}
	return nil
}

// insertMappingsQuery builds a multi-row INSERT IGNORE for mappings.
func insertMappingsQuery(mappings []domain.KeyMapping) (string, []interface{}) {
	placeholders := make([]string, 0, len(mappings))
	args := make([]interface{}, 0, len(mappings)*3)
	for _, m := range mappings {
		placeholders = append(placeholders, "(?, ?, ?)")
		args = append(args, string(m.Dimension), m.NaturalKey, m.SurrogateKey)
	}
	query := "INSERT IGNORE INTO " + surrogateKeysTable +
		" (dimension, natural_key, surrogate_key) VALUES " + strings.Join(placeholders, ", ")
	return query, args
}

// matchedQuery counts stored rows equal to one of mappings.
func matchedQuery(mappings []domain.KeyMapping) (string, []interface{}) {
	conds := make([]string, 0, len(mappings))
	args := make([]interface{}, 0, len(mappings)*3)
	for _, m := range mappings {
		conds = append(conds, "(dimension = ? AND natural_key = ? AND surrogate_key = ?)")
		args = append(args, string(m.Dimension), m.NaturalKey, m.SurrogateKey)
	}
	query := "SELECT COUNT(*) FROM " + surrogateKeysTable + " WHERE " + strings.Join(conds, " OR ")
	return query, args
}
