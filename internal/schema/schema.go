package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gogvych/tabular-analyst/internal/store"
)

var (
	ErrTableMissing      = errors.New("table missing")
	ErrConnectionFailure = errors.New("connection failure")
	ErrNoTables          = errors.New("no tables to describe")
)

// ErrorKind classifies snapshot failures.
type ErrorKind int

const (
	TableMissing ErrorKind = iota
	ConnectionFailure
)

// Error reports which table a snapshot failed on.
type Error struct {
	Kind  ErrorKind
	Table string
	Err   error
}

func (e *Error) Error() string {
	what := "connection failure"
	if e.Kind == TableMissing {
		what = "table missing"
	}
	if e.Err == nil {
		return fmt.Sprintf("schema: %s: %s", what, e.Table)
	}
	return fmt.Sprintf("schema: %s: %s: %v", what, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTableMissing:
		return e.Kind == TableMissing
	case ErrConnectionFailure:
		return e.Kind == ConnectionFailure
	}
	return false
}

const (
	defaultSampleRows = 3
	maxSampleValueLen = 100
)

// Options bounds what a snapshot reads.
type Options struct {
	SampleRows int // rows sampled per table, default 3
}

// TableDescription is the structure of one table frozen at snapshot time.
type TableDescription struct {
	Name       string         `json:"name"`
	Columns    []store.Column `json:"columns"`
	SampleRows [][]string     `json:"sample_rows"`
}

// Snapshot is an immutable description of a set of tables.
type Snapshot struct {
	Tables []TableDescription `json:"tables"`
}

// Build describes tables in the given order. It only issues read queries.
func Build(ctx context.Context, conn store.Conn, tables []string, opts Options) (*Snapshot, error) {
	if len(tables) == 0 {
		return nil, ErrNoTables
	}
	if opts.SampleRows <= 0 {
		opts.SampleRows = defaultSampleRows
	}

	snap := &Snapshot{}
	for _, name := range tables {
		cols, err := conn.Columns(ctx, name)
		if err != nil {
			kind := ConnectionFailure
			if errors.Is(err, store.ErrTableNotFound) {
				kind = TableMissing
			}
			return nil, &Error{Kind: kind, Table: name, Err: err}
		}

		query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", conn.QuoteIdent(name), opts.SampleRows)
		rs, err := conn.Query(ctx, query, opts.SampleRows)
		if err != nil {
			return nil, &Error{Kind: ConnectionFailure, Table: name, Err: err}
		}
		snap.Tables = append(snap.Tables, TableDescription{
			Name:       name,
			Columns:    cols,
			SampleRows: rs.Rows,
		})
	}
	return snap, nil
}

// BuildAll describes every table the connection lists.
func BuildAll(ctx context.Context, conn store.Conn, opts Options) (*Snapshot, error) {
	tables, err := conn.ListTables(ctx)
	if err != nil {
		return nil, &Error{Kind: ConnectionFailure, Err: err}
	}
	return Build(ctx, conn, tables, opts)
}

// TableNames returns table names in snapshot order.
func (s *Snapshot) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// Table looks name up exactly, then case-insensitively.
func (s *Snapshot) Table(name string) (TableDescription, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	for _, t := range s.Tables {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return TableDescription{}, false
}

// Describe renders every table, separated by blank lines.
func (s *Snapshot) Describe() string {
	parts := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		parts[i] = t.Describe()
	}
	return strings.Join(parts, "\n\n")
}

// Describe renders t as a CREATE TABLE statement followed by its sample rows
// in a comment block.
func (t TableDescription) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", quoteIdent(t.Name))
	for i, c := range t.Columns {
		fmt.Fprintf(&b, "\t%s %s", quoteIdent(c.Name), strings.ToUpper(c.Type))
		if i < len(t.Columns)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(")\n\n/*\n")
	fmt.Fprintf(&b, "%d rows from %s table:\n", len(t.SampleRows), t.Name)

	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	b.WriteString(strings.Join(names, "\t"))
	b.WriteByte('\n')
	for _, row := range t.SampleRows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = truncate(v, maxSampleValueLen)
		}
		b.WriteString(strings.Join(cells, "\t"))
		b.WriteByte('\n')
	}
	b.WriteString("*/")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
