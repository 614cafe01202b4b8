// Package store implements the embedded, vector-capable table engine that
// every other component reads and writes through. Rows are untyped maps,
// mirroring a LanceDB-style table (search(vector).where("...").limit(n)):
// callers build and destructure map[string]any rather than per-entity
// structs, and the Store itself stays agnostic of what any given table
// means.
//
// Storage is SQLite via the pure-Go, CGo-free driver
// github.com/ncruces/go-sqlite3, with github.com/asg017/sqlite-vec-go-bindings
// providing the vec0 virtual table used for approximate nearest-neighbor
// search on embedding columns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Row is one record. JSON-valued columns (tags, embedding, memory_ids, ...)
// are stored as their decoded Go value (e.g. []any, []float32) and
// marshaled to TEXT at the SQL boundary.
type Row map[string]any

// ErrNotFound is returned by Get/Update/Delete when no row matches the id.
var ErrNotFound = fmt.Errorf("store: row not found")

// Store owns the database connection and the table registry. A single
// *sql.DB is shared by every Table; SQLite's own locking serializes writers,
// but callers needing true single-writer ordering should route through
// internal/writequeue rather than relying on Store to queue for them.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	tables map[string]*Table
}

// Open creates (or reuses) the SQLite database at path and registers every
// table in Schemas(). It does not run the migrator (internal/migrate owns
// ALTER TABLE for pre-existing databases); Open's CREATE TABLE IF NOT EXISTS
// statements are sufficient for a fresh database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-file SQLite: avoid concurrent-writer busy errors
	s := &Store{db: db, tables: make(map[string]*Table)}
	if err := s.createAll(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying connection for components (internal/migrate)
// that need raw SQL access the Table/Query abstraction doesn't cover.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) createAll(ctx context.Context) error {
	for _, sc := range Schemas() {
		t := &Table{store: s, schema: sc}
		if err := t.ensureSchema(ctx); err != nil {
			return fmt.Errorf("store: create table %s: %w", sc.Name, err)
		}
		s.tables[sc.Name] = t
	}
	return nil
}

// Table returns a table registered by Open or OpenTable; any other name is
// an error (it does not open tables lazily).
func (s *Store) Table(name string) (*Table, error) {
	s.mu.RLock()
	t, ok := s.tables[name]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}
	return nil, fmt.Errorf("store: unknown table %q", name)
}

// OpenTable registers and creates sc if not already present, returning the
// Table handle. Used by internal/migrate when introducing a new table to an
// existing database.
func (s *Store) OpenTable(ctx context.Context, sc TableSchema) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[sc.Name]; ok {
		return t, nil
	}
	t := &Table{store: s, schema: sc}
	if err := t.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store: open table %s: %w", sc.Name, err)
	}
	s.tables[sc.Name] = t
	return t, nil
}

// Table is a handle to one logical table plus its optional vec0 shadow
// table. Methods match the shape of LanceDB's API: Add, Update, Delete,
// Count, and a fluent Search/Where/Limit query builder.
type Table struct {
	store  *Store
	schema TableSchema
}

func (t *Table) vecTableName() string { return t.schema.Name + "_vec0" }

func (t *Table) ensureSchema(ctx context.Context) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", t.schema.Name)
	b.WriteString("  rowid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	for i, c := range t.schema.Columns {
		fmt.Fprintf(&b, "  %s %s", c.Name, c.Type)
		if c.Default != "" {
			fmt.Fprintf(&b, " DEFAULT %s", c.Default)
		}
		if i < len(t.schema.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	if _, err := t.store.db.ExecContext(ctx, b.String()); err != nil {
		return err
	}
	if _, err := t.store.db.ExecContext(ctx,
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_id ON %s(id)", t.schema.Name, t.schema.Name)); err != nil {
		return err
	}
	if t.schema.Vector != nil {
		stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d])",
			t.vecTableName(), t.schema.Vector.Dim)
		if _, err := t.store.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func columnNames(cols []ColumnDef) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// encodeValue prepares a Go value for storage: slices/maps become JSON text,
// []float32 (the embedding column) becomes a JSON array of numbers so it can
// also be fed to sqlite-vec's vec_f32() text form.
func encodeValue(v any) (any, error) {
	switch vv := v.(type) {
	case nil, string, int, int64, float64, bool:
		return vv, nil
	case float32:
		return float64(vv), nil
	case []float32:
		b, err := json.Marshal(vv)
		return string(b), err
	default:
		b, err := json.Marshal(vv)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

// Add inserts row, ignoring keys not present in the table's column list.
// Only the columns present in row are written; Add itself makes no
// legacy-schema retry.
func (t *Table) Add(ctx context.Context, row Row) error {
	cols := columnNames(t.schema.Columns)
	var names []string
	var placeholders []string
	var args []any
	for _, c := range cols {
		v, ok := row[c]
		if !ok {
			continue
		}
		enc, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("store: encode %s.%s: %w", t.schema.Name, c, err)
		}
		names = append(names, c)
		placeholders = append(placeholders, "?")
		args = append(args, enc)
	}
	if len(names) == 0 {
		return fmt.Errorf("store: add %s: empty row", t.schema.Name)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.schema.Name, strings.Join(names, ", "), strings.Join(placeholders, ", "))
	res, err := t.store.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("store: add %s: %w", t.schema.Name, err)
	}
	if t.schema.Vector != nil {
		if vec, ok := row[t.schema.Vector.Column]; ok {
			rowid, _ := res.LastInsertId()
			if err := t.upsertVec(ctx, rowid, vec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) upsertVec(ctx context.Context, rowid int64, vec any) error {
	js, err := vectorJSON(vec)
	if err != nil {
		return fmt.Errorf("store: vector encode: %w", err)
	}
	_, err = t.store.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", t.vecTableName()), rowid)
	if err != nil {
		return err
	}
	_, err = t.store.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (rowid, embedding) VALUES (?, vec_f32(?))", t.vecTableName()),
		rowid, js)
	return err
}

func vectorJSON(vec any) (string, error) {
	switch v := vec.(type) {
	case []float32:
		b, err := json.Marshal(v)
		return string(b), err
	case []float64:
		b, err := json.Marshal(v)
		return string(b), err
	case string:
		return v, nil
	default:
		return "", fmt.Errorf("unsupported vector type %T", vec)
	}
}

// Update applies partial sets to the row whose id column equals id. Only
// keys present in sets are modified. Returns ErrNotFound if no row matches.
func (t *Table) Update(ctx context.Context, id string, sets Row) error {
	if len(sets) == 0 {
		return nil
	}
	cols := columnNames(t.schema.Columns)
	allowed := make(map[string]bool, len(cols))
	for _, c := range cols {
		allowed[c] = true
	}
	var assigns []string
	var args []any
	for k, v := range sets {
		if !allowed[k] {
			continue
		}
		enc, err := encodeValue(v)
		if err != nil {
			return fmt.Errorf("store: encode %s.%s: %w", t.schema.Name, k, err)
		}
		assigns = append(assigns, k+" = ?")
		args = append(args, enc)
	}
	if len(assigns) == 0 {
		return nil
	}
	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", t.schema.Name, strings.Join(assigns, ", "))
	res, err := t.store.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", t.schema.Name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	if t.schema.Vector != nil {
		if vec, ok := sets[t.schema.Vector.Column]; ok {
			rowid, err := t.rowidForID(ctx, id)
			if err == nil {
				_ = t.upsertVec(ctx, rowid, vec)
			}
		}
	}
	return nil
}

func (t *Table) rowidForID(ctx context.Context, id string) (int64, error) {
	var rowid int64
	err := t.store.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT rowid FROM %s WHERE id = ?", t.schema.Name), id).Scan(&rowid)
	return rowid, err
}

// Delete removes the row by predicate, e.g. `id = 'abc'`. Predicate is
// validated the same way Query predicates are (ValidatePredicate).
func (t *Table) Delete(ctx context.Context, predicate string) error {
	if predicate == "" {
		return fmt.Errorf("store: delete %s: empty predicate refused", t.schema.Name)
	}
	if err := ValidatePredicate(predicate); err != nil {
		return fmt.Errorf("store: delete %s: %w", t.schema.Name, err)
	}
	_, err := t.store.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", t.schema.Name, predicate))
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", t.schema.Name, err)
	}
	return nil
}

// Count returns the number of rows matching predicate ("" matches all).
func (t *Table) Count(ctx context.Context, predicate string) (int, error) {
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", t.schema.Name)
	if predicate != "" {
		if err := ValidatePredicate(predicate); err != nil {
			return 0, fmt.Errorf("store: count %s: %w", t.schema.Name, err)
		}
		stmt += " WHERE " + predicate
	}
	var n int
	err := t.store.db.QueryRowContext(ctx, stmt).Scan(&n)
	return n, err
}

// Get fetches a single row by id, or ErrNotFound.
func (t *Table) Get(ctx context.Context, id string) (Row, error) {
	rows, err := t.Search(nil).Where(fmt.Sprintf("id = '%s'", escapeLiteral(id))).Limit(1).ToList(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Search starts a fluent query. vector may be nil for a plain scan; when
// non-nil, results are ANN-ranked via the table's vec0 shadow and each row
// carries a "_distance" float64 key, matching LanceDB's `row["_distance"]`
// convention.
func (t *Table) Search(vector []float32) *Query {
	return &Query{table: t, vector: vector, limit: -1}
}

// Query is the fluent builder returned by Table.Search, mirroring the
// chain `.search(vector).where(pred).limit(n).to_list()`.
type Query struct {
	table     *Table
	vector    []float32
	predicate string
	limit     int
}

// Where sets a raw SQL boolean expression evaluated against the table's
// columns, e.g. `status = 'active' AND level = 'semantic'`. Predicates are
// validated against ValidatePredicate before execution; an unescaped quote
// or a statement terminator is refused rather than passed to SQLite.
func (q *Query) Where(predicate string) *Query {
	q.predicate = predicate
	return q
}

// Limit bounds the result count. A negative or zero limit means unbounded
// for a plain scan; a vector search then returns at most 1000 rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// ToList executes the query and decodes each row into a Row, restoring
// JSON-valued columns (tags, embedding, etc.) to their Go shape.
func (q *Query) ToList(ctx context.Context) ([]Row, error) {
	if q.predicate != "" {
		if err := ValidatePredicate(q.predicate); err != nil {
			return nil, fmt.Errorf("store: query %s: %w", q.table.schema.Name, err)
		}
	}
	if q.vector != nil {
		return q.searchVector(ctx)
	}
	return q.scan(ctx)
}

func (q *Query) scan(ctx context.Context) ([]Row, error) {
	t := q.table
	cols := columnNames(t.schema.Columns)
	stmt := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), t.schema.Name)
	if q.predicate != "" {
		stmt += " WHERE " + q.predicate
	}
	if q.limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.limit)
	}
	rows, err := t.store.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", t.schema.Name, err)
	}
	defer rows.Close()
	return decodeRows(rows, t.schema.Columns)
}

func (q *Query) searchVector(ctx context.Context) ([]Row, error) {
	t := q.table
	if t.schema.Vector == nil {
		return nil, fmt.Errorf("store: table %s has no vector column", t.schema.Name)
	}
	js, err := vectorJSON(q.vector)
	if err != nil {
		return nil, err
	}
	limit := q.limit
	if limit <= 0 {
		limit = 1000
	}
	overfetch := limit
	if q.predicate != "" {
		overfetch = limit * 8 // post-filtered below since vec0 can't join arbitrary predicates inline
		if overfetch > 2000 {
			overfetch = 2000
		}
	}
	vecStmt := fmt.Sprintf(
		"SELECT rowid, distance FROM %s WHERE embedding MATCH vec_f32(?) AND k = ? ORDER BY distance",
		t.vecTableName())
	vrows, err := t.store.db.QueryContext(ctx, vecStmt, js, overfetch)
	if err != nil {
		return nil, fmt.Errorf("store: vector search %s: %w", t.schema.Name, err)
	}
	type hit struct {
		rowid    int64
		distance float64
	}
	var hits []hit
	for vrows.Next() {
		var h hit
		if err := vrows.Scan(&h.rowid, &h.distance); err != nil {
			vrows.Close()
			return nil, err
		}
		hits = append(hits, h)
	}
	vrows.Close()

	cols := columnNames(t.schema.Columns)
	colList := strings.Join(cols, ", ")
	var out []Row
	for _, h := range hits {
		stmt := fmt.Sprintf("SELECT %s FROM %s WHERE rowid = ?", colList, t.schema.Name)
		if q.predicate != "" {
			stmt += " AND " + q.predicate
		}
		row, err := t.store.db.QueryContext(ctx, stmt, h.rowid)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeRows(row, t.schema.Columns)
		row.Close()
		if err != nil {
			return nil, err
		}
		if len(decoded) == 0 {
			continue
		}
		r := decoded[0]
		r["_distance"] = h.distance
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i]["_distance"].(float64) < out[j]["_distance"].(float64)
	})
	return out, nil
}

func decodeRows(rows *sql.Rows, cols []ColumnDef) ([]Row, error) {
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			r[c.Name] = decodeValue(c, vals[i])
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// jsonColumns are the TEXT columns across all schemas that hold a
// JSON-encoded composite value rather than plain text.
var jsonColumns = map[string]bool{
	"embedding": true, "tags": true, "memory_ids": true,
	"conversation_ids": true, "source_message_ids": true, "methods": true,
	"payload": true, "result": true,
	"memory_ids_read": true, "memory_ids_written": true, "memory_ids_feedback": true,
}

func decodeValue(c ColumnDef, v any) any {
	if v == nil {
		return nil
	}
	if c.Name == "embedding" {
		if s, ok := v.(string); ok && s != "" {
			var f []float32
			if err := json.Unmarshal([]byte(s), &f); err == nil {
				return f
			}
		}
		return v
	}
	if jsonColumns[c.Name] {
		if s, ok := v.(string); ok && s != "" {
			var any any
			if err := json.Unmarshal([]byte(s), &any); err == nil {
				return any
			}
		}
	}
	return v
}
