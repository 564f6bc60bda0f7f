// Package storage persists exported profiles in a local DuckDB database.
//
// The engine is append-only and single-writer: DuckDB tolerates only one
// concurrent writer, so CreateTable and AppendTable must never be called
// from more than one goroutine at a time. The export engine enforces this
// structurally by funneling every write through one writer goroutine.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mixstream/engage-export/pkg/transform"
)

// Errors returned by the engine.
var (
	// ErrTableExists is returned by CreateTable when the table is present.
	ErrTableExists = errors.New("table already exists")

	// ErrTableNotFound is returned by AppendTable when the table is absent.
	ErrTableNotFound = errors.New("table not found")
)

// DefaultBatchSize is the number of rows per INSERT/COMMIT cycle.
const DefaultBatchSize = 1000

// registrySchema tracks every exported table and its provenance.
const registrySchema = `
	CREATE TABLE IF NOT EXISTS _export_tables (
		name VARCHAR PRIMARY KEY,
		kind VARCHAR NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		filter_where VARCHAR,
		row_count BIGINT NOT NULL
	)
`

// TableMetadata describes the provenance of one exported table.
type TableMetadata struct {
	// Kind is the export kind ("profiles").
	Kind string

	// FetchedAt is when the export ran.
	FetchedAt time.Time

	// FilterWhere is the filter expression active during the export, if any.
	FilterWhere string
}

// Engine is the local DuckDB storage engine.
type Engine struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the DuckDB database at path. Use ":memory:" or
// the empty string for an in-memory database.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry table: %w", err)
	}

	logger := log.With().Str("component", "storage").Logger()
	logger.Debug().Str("path", path).Msg("Opened DuckDB database")

	return &Engine{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// TableExists reports whether a profile table is registered under name.
func (e *Engine) TableExists(name string) (bool, error) {
	var count int
	err := e.db.QueryRow(
		`SELECT COUNT(*) FROM _export_tables WHERE name = ?`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query registry: %w", err)
	}
	return count > 0, nil
}

// CreateTable creates a fresh profile table and inserts records into it.
// Returns ErrTableExists if a table of that name is already registered.
// batchSize controls commit granularity; <= 0 uses DefaultBatchSize.
func (e *Engine) CreateTable(name string, records []transform.Record, meta TableMetadata, batchSize int) (int, error) {
	exists, err := e.TableExists(name)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("%w: %s", ErrTableExists, name)
	}

	createSQL := fmt.Sprintf(`
		CREATE TABLE %q (
			distinct_id VARCHAR NOT NULL,
			properties JSON
		)
	`, name)
	if _, err := e.db.Exec(createSQL); err != nil {
		return 0, fmt.Errorf("create table %s: %w", name, err)
	}

	registerSQL := `
		INSERT INTO _export_tables (name, kind, fetched_at, filter_where, row_count)
		VALUES (?, ?, ?, ?, 0)
	`
	if _, err := e.db.Exec(registerSQL, name, meta.Kind, meta.FetchedAt, meta.FilterWhere); err != nil {
		return 0, fmt.Errorf("register table %s: %w", name, err)
	}

	rows, err := e.insertRecords(name, records, batchSize)
	if err != nil {
		return rows, err
	}

	e.logger.Debug().
		Str("table", name).
		Int("rows", rows).
		Msg("Created table")

	return rows, nil
}

// AppendTable inserts records into an existing profile table.
// Returns ErrTableNotFound if no table of that name is registered.
func (e *Engine) AppendTable(name string, records []transform.Record, meta TableMetadata, batchSize int) (int, error) {
	exists, err := e.TableExists(name)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	rows, err := e.insertRecords(name, records, batchSize)
	if err != nil {
		return rows, err
	}

	e.logger.Debug().
		Str("table", name).
		Int("rows", rows).
		Msg("Appended to table")

	return rows, nil
}

// insertRecords writes records in batchSize chunks, one transaction per
// chunk, and bumps the registry row count once at the end.
func (e *Engine) insertRecords(name string, records []transform.Record, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	written := 0
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}

		if err := e.writeBatch(name, records[start:end]); err != nil {
			return written, err
		}
		written += end - start
	}

	if written > 0 {
		updateSQL := `UPDATE _export_tables SET row_count = row_count + ? WHERE name = ?`
		if _, err := e.db.Exec(updateSQL, written, name); err != nil {
			return written, fmt.Errorf("update registry count: %w", err)
		}
	}

	return written, nil
}

// writeBatch inserts one chunk inside a single transaction.
func (e *Engine) writeBatch(name string, batch []transform.Record) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %q (distinct_id, properties) VALUES (?, ?)`, name))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, record := range batch {
		props, err := json.Marshal(record.Properties)
		if err != nil {
			return fmt.Errorf("encode properties for %s: %w", record.DistinctID, err)
		}

		if _, err := stmt.Exec(record.DistinctID, string(props)); err != nil {
			return fmt.Errorf("insert %s: %w", record.DistinctID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	return nil
}

// TableInfo is one row of the export registry.
type TableInfo struct {
	Name        string
	Kind        string
	FetchedAt   time.Time
	FilterWhere string
	RowCount    int64
}

// ListTables returns the registry of exported tables, oldest first.
func (e *Engine) ListTables() ([]TableInfo, error) {
	rows, err := e.db.Query(`
		SELECT name, kind, fetched_at, COALESCE(filter_where, ''), row_count
		FROM _export_tables ORDER BY fetched_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		var info TableInfo
		if err := rows.Scan(&info.Name, &info.Kind, &info.FetchedAt, &info.FilterWhere, &info.RowCount); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		tables = append(tables, info)
	}

	return tables, rows.Err()
}

// DropTable removes an exported table and its registry entry.
func (e *Engine) DropTable(name string) error {
	exists, err := e.TableExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	if _, err := e.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, name)); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	if _, err := e.db.Exec(`DELETE FROM _export_tables WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deregister table %s: %w", name, err)
	}

	return nil
}
