package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

// ErrTableNotFound is returned when a table does not exist in the database.
var ErrTableNotFound = errors.New("table not found")

// Kind is the logical type of an ingested column. Backends map it to their
// own column types.
type Kind string

const (
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindBoolean Kind = "boolean"
	KindDate    Kind = "date"
	KindText    Kind = "text"
)

// Column describes a column as declared in the database.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Field is a column of a table about to be persisted.
type Field struct {
	Name string
	Kind Kind
}

// Table is a materialised dataset. Row values are nil, int64, float64, bool,
// time.Time or string.
type Table struct {
	Name   string
	Fields []Field
	Rows   [][]any
}

// ResultSet is a bounded query result with every value rendered as text.
type ResultSet struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}

// Conn is a connection to the persisted tables. Query and Explain never
// modify data; ReplaceTable and DropTable are reserved for ingestion.
type Conn interface {
	Driver() string
	QuoteIdent(name string) string
	ListTables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]Column, error)
	// Query runs a statement inside a read-only scope and returns at most
	// limit rows.
	Query(ctx context.Context, query string, limit int) (*ResultSet, error)
	// Explain compiles a statement without running it.
	Explain(ctx context.Context, query string) error
	ReplaceTable(ctx context.Context, t *Table) error
	DropTable(ctx context.Context, name string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // sqlite | postgres
	Path   string // sqlite database file
	DSN    string // postgres connection string
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Conn, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path, logger)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// formatValue renders a scanned value the way a SQL console would print it.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	case pgtype.Numeric:
		return formatNumeric(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return fmt.Sprint(x)
		}
		if _, nested := dv.(driver.Valuer); nested {
			return fmt.Sprint(dv)
		}
		return formatValue(dv)
	default:
		return fmt.Sprint(x)
	}
}

// formatNumeric prints a numeric in decimal notation without trailing
// fractional zeros, so AVG over integers reads 75.5 rather than
// 75.5000000000000000.
func formatNumeric(n pgtype.Numeric) string {
	dv, err := n.Value()
	if err != nil {
		return "NaN"
	}
	s, ok := dv.(string)
	if !ok {
		return "NULL"
	}
	if strings.Contains(s, ".") {
		s = strings.TrimSuffix(strings.TrimRight(s, "0"), ".")
	}
	return s
}

func validateTable(t *Table) error {
	if t == nil || t.Name == "" {
		return errors.New("table name is required")
	}
	if len(t.Fields) == 0 {
		return fmt.Errorf("table %s has no columns", t.Name)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Fields) {
			return fmt.Errorf("table %s row %d: got %d values, want %d", t.Name, i+1, len(row), len(t.Fields))
		}
	}
	return nil
}
