package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres is a Conn backed by a PostgreSQL connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// OpenPostgres creates a pgx connection pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

func (p *Postgres) Driver() string { return "postgres" }

func (p *Postgres) QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// ListTables returns base tables of the current schema ordered by name.
func (p *Postgres) ListTables(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// Columns returns the declared columns of table in ordinal order.
func (p *Postgres) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := p.db.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}
	return cols, nil
}

// Query runs query inside a READ ONLY transaction that is always rolled back.
func (p *Postgres) Query(ctx context.Context, query string, limit int) (*ResultSet, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only: %w", err)
	}
	defer tx.Rollback(context.Background())

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	rs := &ResultSet{Columns: make([]string, len(fields))}
	for i, f := range fields {
		rs.Columns[i] = f.Name
	}
	for rows.Next() {
		if limit > 0 && len(rs.Rows) >= limit {
			rs.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]string, len(values))
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

// Explain prepares query as an unnamed statement. The server parses and
// resolves it without running it.
func (p *Postgres) Explain(ctx context.Context, query string) error {
	conn, err := p.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	_, err = conn.Conn().PgConn().Prepare(ctx, "", query, nil)
	return err
}

// ReplaceTable drops and recreates t.Name, loading rows with COPY.
func (p *Postgres) ReplaceTable(ctx context.Context, t *Table) error {
	if err := validateTable(t); err != nil {
		return err
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", t.Name, err)
	}
	defer tx.Rollback(context.Background())

	name := p.QuoteIdent(t.Name)
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return fmt.Errorf("drop %s: %w", t.Name, err)
	}

	defs := make([]string, len(t.Fields))
	cols := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		defs[i] = p.QuoteIdent(f.Name) + " " + postgresType(f.Kind)
		cols[i] = f.Name
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create %s: %w", t.Name, err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{t.Name}, cols, pgx.CopyFromRows(t.Rows)); err != nil {
		return fmt.Errorf("copy into %s: %w", t.Name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace %s: %w", t.Name, err)
	}
	p.logger.Info("table replaced", zap.String("table", t.Name), zap.Int("rows", len(t.Rows)))
	return nil
}

// DropTable removes name if it exists.
func (p *Postgres) DropTable(ctx context.Context, name string) error {
	if _, err := p.db.Exec(ctx, "DROP TABLE IF EXISTS "+p.QuoteIdent(name)); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	p.db.Close()
	return nil
}

func postgresType(k Kind) string {
	switch k {
	case KindInteger:
		return "BIGINT"
	case KindFloat:
		return "DOUBLE PRECISION"
	case KindBoolean:
		return "BOOLEAN"
	case KindDate:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
