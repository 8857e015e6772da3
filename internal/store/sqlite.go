package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// SQLite is a Conn backed by a SQLite database file.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path. ":memory:" opens a
// private in-memory database limited to one connection.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}
	dsn := path
	memory := path == ":memory:"
	if !memory {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	logger.Info("SQLite connected", zap.String("path", path))
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Driver() string { return "sqlite" }

func (s *SQLite) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ListTables returns user tables ordered by name.
func (s *SQLite) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Columns returns the declared columns of table in ordinal order.
func (s *SQLite) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+s.QuoteIdent(table)+")")
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, dataType   string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, Column{Name: name, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}
	return cols, nil
}

// readOnlyConn pins a pooled connection with query_only switched on, so any
// statement that tries to write fails inside SQLite itself.
func (s *SQLite) readOnlyConn(ctx context.Context) (*sql.Conn, func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("enable query_only: %w", err)
	}
	release := func() {
		// The caller's context may already be done; the reset must still run.
		if _, err := conn.ExecContext(context.Background(), "PRAGMA query_only = OFF"); err != nil {
			s.logger.Warn("failed to reset query_only", zap.Error(err))
		}
		conn.Close()
	}
	return conn, release, nil
}

// Query runs query on a query_only connection.
func (s *SQLite) Query(ctx context.Context, query string, limit int) (*ResultSet, error) {
	conn, release, err := s.readOnlyConn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		if limit > 0 && len(rs.Rows) >= limit {
			rs.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Explain compiles query with EXPLAIN, which resolves tables and columns
// without executing the statement.
func (s *SQLite) Explain(ctx context.Context, query string) error {
	conn, release, err := s.readOnlyConn(ctx)
	if err != nil {
		return err
	}
	defer release()

	rows, err := conn.QueryContext(ctx, "EXPLAIN "+query)
	if err != nil {
		return err
	}
	return rows.Close()
}

// ReplaceTable drops t.Name if present and recreates it with t's rows in a
// single transaction.
func (s *SQLite) ReplaceTable(ctx context.Context, t *Table) error {
	if err := validateTable(t); err != nil {
		return err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = OFF"); err != nil {
		return fmt.Errorf("disable query_only: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", t.Name, err)
	}
	defer tx.Rollback()

	name := s.QuoteIdent(t.Name)
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("drop %s: %w", t.Name, err)
	}

	defs := make([]string, len(t.Fields))
	marks := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		defs[i] = s.QuoteIdent(f.Name) + " " + sqliteType(f.Kind)
		marks[i] = "?"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create %s: %w", t.Name, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", name, strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("prepare insert %s: %w", t.Name, err)
	}
	defer stmt.Close()
	args := make([]any, len(t.Fields))
	for i, row := range t.Rows {
		for j, v := range row {
			args[j] = sqliteValue(v)
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert %s row %d: %w", t.Name, i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace %s: %w", t.Name, err)
	}
	s.logger.Info("table replaced", zap.String("table", t.Name), zap.Int("rows", len(t.Rows)))
	return nil
}

// DropTable removes name if it exists.
func (s *SQLite) DropTable(ctx context.Context, name string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = OFF"); err != nil {
		return fmt.Errorf("disable query_only: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.QuoteIdent(name)); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func sqliteType(k Kind) string {
	switch k {
	case KindInteger, KindBoolean:
		return "INTEGER"
	case KindFloat:
		return "REAL"
	case KindDate:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func sqliteValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	default:
		return v
	}
}
