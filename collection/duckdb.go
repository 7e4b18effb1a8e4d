package collection

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBMaterializer mirrors a collection's applied ChangeEvents into an
// embedded DuckDB table, giving ad-hoc SQL access to materialized state
// that the in-memory Collection only exposes via Get/Snapshot.
//
// The table has two columns: key VARCHAR PRIMARY KEY, value JSON. Deletes
// remove the row; insert/update/upsert replace it.
type DuckDBMaterializer struct {
	db    *sql.DB
	table string
}

// NewDuckDBMaterializer opens (or creates) path as a DuckDB database and
// ensures table exists with the materializer's fixed two-column schema.
// Pass ":memory:" for an ephemeral in-process database.
func NewDuckDBMaterializer(path, table string) (*DuckDBMaterializer, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("collection: open duckdb: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key VARCHAR PRIMARY KEY, value JSON)`, quoteIdent(table))
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("collection: create table %s: %w", table, err)
	}

	return &DuckDBMaterializer{db: db, table: table}, nil
}

// DB returns the underlying *sql.DB for ad-hoc queries.
func (m *DuckDBMaterializer) DB() *sql.DB { return m.db }

// Close releases the DuckDB connection.
func (m *DuckDBMaterializer) Close() error { return m.db.Close() }

// Apply mirrors one already-materialized ChangeEvent into the DuckDB
// table. Intended to be called alongside Collection.Apply for the same
// event (e.g. from a Manager wrapper), not in place of it — this is a
// Store-agnostic consumer of the ChangeEvent stream, not a replacement
// for the in-memory Collection.
func (m *DuckDBMaterializer) Apply(event ChangeEvent[json.RawMessage]) error {
	switch event.Headers.Operation {
	case OpInsert, OpUpdate, OpUpsert:
		if event.Value == nil {
			return ErrEmptyKey
		}
		key := event.Key
		if key == "" {
			return ErrEmptyKey
		}
		query := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, quoteIdent(m.table))
		_, err := m.db.Exec(query, key, string(*event.Value))
		return err

	case OpDelete:
		if event.Key == "" {
			return ErrEmptyKey
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, quoteIdent(m.table))
		_, err := m.db.Exec(query, event.Key)
		return err

	case OpTruncate:
		query := fmt.Sprintf(`DELETE FROM %s`, quoteIdent(m.table))
		_, err := m.db.Exec(query)
		return err
	}

	return nil
}

func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
