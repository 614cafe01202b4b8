// Package migrate implements additive schema migration (create missing
// tables, add missing columns, never drop or rename) plus a "repair"
// operation for recovering a table whose vec0 shadow table has drifted
// out of sync with its main table.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mnesis/mnesis/internal/store"
)

const repairBatchSize = 1000

// Migrator applies additive schema changes to an existing database.
type Migrator struct {
	store *store.Store
	log   *slog.Logger
	now   func() string
}

// New constructs a Migrator.
func New(st *store.Store, log *slog.Logger, nowStamp func() string) *Migrator {
	if log == nil {
		log = slog.Default()
	}
	if nowStamp == nil {
		nowStamp = func() string { return "migration" }
	}
	return &Migrator{store: st, log: log, now: nowStamp}
}

// EnsureSchema creates any table in store.Schemas() not already present in
// the database and adds any column present in the schema definition but
// missing from an existing table. It never drops or renames a column.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	db := m.store.DB()
	for _, sc := range store.Schemas() {
		exists, err := tableExists(ctx, db, sc.Name)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := m.store.OpenTable(ctx, sc); err != nil {
				return fmt.Errorf("migrate: create table %s: %w", sc.Name, err)
			}
			m.log.Info("migrate: created table", "table", sc.Name)
			continue
		}
		existingCols, err := columnsOf(ctx, db, sc.Name)
		if err != nil {
			return err
		}
		for _, c := range sc.Columns {
			if existingCols[c.Name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", sc.Name, c.Name, c.Type)
			if c.Default != "" {
				stmt += " DEFAULT " + c.Default
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: add column %s.%s: %w", sc.Name, c.Name, err)
			}
			m.log.Info("migrate: added column", "table", sc.Name, "column", c.Name)
		}
	}
	return nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var got string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?", name).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// columnsOf returns the set of column names SQLite's PRAGMA table_info
// reports for name.
func columnsOf(ctx context.Context, db *sql.DB, name string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull int
		var dfltValue any
		var pk int
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[colName] = true
	}
	return cols, rows.Err()
}

// RepairTable rebuilds a table's vec0 shadow index from scratch: it renames
// the vec0 table to a backup suffixed with the Migrator's stamp ("migration"
// unless New was given a stamp function), recreates the vec0 virtual table,
// reads every row of the main table at once, and reinserts each row's
// embedding in batches of 1000. Used when a vec0 shadow table has
// drifted from its main table (e.g. after an interrupted write left the two
// out of sync).
func (m *Migrator) RepairTable(ctx context.Context, tableName string) error {
	var schema *store.TableSchema
	for _, sc := range store.Schemas() {
		if sc.Name == tableName {
			s := sc
			schema = &s
			break
		}
	}
	if schema == nil {
		return fmt.Errorf("migrate: unknown table %q", tableName)
	}
	if schema.Vector == nil {
		return fmt.Errorf("migrate: table %q has no vector column to repair", tableName)
	}
	tbl, err := m.store.Table(tableName)
	if err != nil {
		return err
	}

	backupName := fmt.Sprintf("%s_vec0_backup_%s", tableName, m.now())
	db := m.store.DB()
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"ALTER TABLE %s_vec0 RENAME TO %s", tableName, backupName)); err != nil {
		m.log.Warn("migrate: backup rename failed, continuing without backup", "table", tableName, "error", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s_vec0", tableName)); err != nil {
		return fmt.Errorf("migrate: drop vec0 table: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		"CREATE VIRTUAL TABLE %s_vec0 USING vec0(embedding float[%d])", tableName, schema.Vector.Dim)); err != nil {
		return fmt.Errorf("migrate: recreate vec0 table: %w", err)
	}

	rows, err := tbl.Search(nil).ToList(ctx)
	if err != nil {
		return fmt.Errorf("migrate: read rows: %w", err)
	}
	var total int
	for start := 0; start < len(rows); start += repairBatchSize {
		end := start + repairBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		for _, r := range rows[start:end] {
			id, _ := r["id"].(string)
			vec, ok := r[schema.Vector.Column].([]float32)
			if !ok || id == "" {
				continue
			}
			if err := tbl.Update(ctx, id, store.Row{schema.Vector.Column: vec}); err != nil {
				m.log.Warn("migrate: reinsert row failed", "table", tableName, "id", id, "error", err)
				continue
			}
			total++
		}
	}
	m.log.Info("migrate: table repaired", "table", tableName, "rows_reinserted", total)
	return nil
}
