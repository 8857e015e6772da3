package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gogvych/tabular-analyst/internal/schema"
	"github.com/gogvych/tabular-analyst/internal/store"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrUnknownTable     = errors.New("unknown table")
	ErrExecutionFailure = errors.New("query execution failed")
	ErrWriteNotAllowed  = errors.New("write statements are not allowed")
	ErrEmptyQuery       = errors.New("empty query")
	ErrInvalidQuery     = errors.New("invalid query")
)

// ExecutionError carries a database error. Its message is the database's
// own message so the reasoner can correct the query.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailure }

// Kind enumerates the fixed set of tools.
type Kind int

const (
	ListTables Kind = iota
	DescribeSchema
	ValidateQuery
	ExecuteQuery
)

// Spec is what the reasoner sees of a tool.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        Kind   `json:"-"`
}

var catalog = []Spec{
	{
		Name:        "list_tables",
		Description: "Input is an empty string, output is a comma-separated list of tables in the database.",
		Kind:        ListTables,
	},
	{
		Name: "describe_schema",
		Description: "Input is a comma-separated list of tables, output is the schema and sample rows for those tables. " +
			"Be sure that the tables actually exist by calling list_tables first! Example Input: table1, table2",
		Kind: DescribeSchema,
	},
	{
		Name: "validate_query",
		Description: "Input is a SQL query. Checks that the query is read-only, references only existing tables " +
			"and compiles, without running it. Use this tool to double check a query before executing it.",
		Kind: ValidateQuery,
	},
	{
		Name: "execute_query",
		Description: "Input is a detailed and correct read-only SQL query, output is a result from the database. " +
			"If the query is not correct, an error message will be returned. If an error is returned, rewrite " +
			"the query, check it, and try again. If you get an unknown column error, use describe_schema " +
			"to look up the correct column names.",
		Kind: ExecuteQuery,
	},
}

var byName = func() map[string]Spec {
	m := make(map[string]Spec, len(catalog))
	for _, s := range catalog {
		m[s.Name] = s
	}
	return m
}()

const (
	defaultMaxRows        = 50
	defaultMaxOutputBytes = 8000
)

// Options bounds tool output.
type Options struct {
	MaxRows        int // rows rendered by execute_query, default 50
	MaxOutputBytes int // observation size cap, default 8000
}

// Set is the tool set bound to one connection and one snapshot. It must be
// rebuilt when the snapshot changes.
type Set struct {
	conn store.Conn
	snap *schema.Snapshot
	opts Options
}

// NewSet binds the tools to conn and snap.
func NewSet(conn store.Conn, snap *schema.Snapshot, opts Options) *Set {
	if opts.MaxRows <= 0 {
		opts.MaxRows = defaultMaxRows
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &Set{conn: conn, snap: snap, opts: opts}
}

// Specs returns the tool catalog in a stable order.
func (s *Set) Specs() []Spec {
	out := make([]Spec, len(catalog))
	copy(out, catalog)
	return out
}

// Names returns the tool names in catalog order.
func (s *Set) Names() []string {
	names := make([]string, len(catalog))
	for i, spec := range catalog {
		names[i] = spec.Name
	}
	return names
}

// Lookup resolves a tool by name.
func (s *Set) Lookup(name string) (Spec, bool) {
	spec, ok := byName[strings.TrimSpace(name)]
	return spec, ok
}

// Snapshot returns the snapshot the set is bound to.
func (s *Set) Snapshot() *schema.Snapshot { return s.snap }

// Invoke runs the named tool with a raw argument string.
func (s *Set) Invoke(ctx context.Context, name, input string) (string, error) {
	spec, ok := s.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	input = cleanInput(input)

	var (
		out string
		err error
	)
	switch spec.Kind {
	case ListTables:
		out = s.listTables()
	case DescribeSchema:
		out, err = s.describeSchema(input)
	case ValidateQuery:
		out = s.validateQuery(ctx, input)
	case ExecuteQuery:
		out, err = s.executeQuery(ctx, input)
	}
	if err != nil {
		return "", err
	}
	return s.cap(out), nil
}

func (s *Set) listTables() string {
	return strings.Join(s.snap.TableNames(), ", ")
}

func (s *Set) describeSchema(input string) (string, error) {
	var parts []string
	for _, name := range strings.Split(input, ",") {
		name = strings.Trim(strings.TrimSpace(name), "\"`'[]")
		if name == "" {
			continue
		}
		td, ok := s.snap.Table(name)
		if !ok {
			return "", s.unknownTable(name)
		}
		parts = append(parts, td.Describe())
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no table name given; available tables: %s", ErrUnknownTable, s.listTables())
	}
	return strings.Join(parts, "\n\n"), nil
}

// check parses query as a single read-only statement over known tables.
func (s *Set) check(query string) (*statement, error) {
	stmt, err := parseReadOnly(query)
	if err != nil {
		return nil, err
	}
	for _, ref := range stmt.tableRefs() {
		if _, ok := s.snap.Table(ref); !ok {
			return nil, s.unknownTable(ref)
		}
	}
	return stmt, nil
}

func (s *Set) validateQuery(ctx context.Context, query string) string {
	stmt, err := s.check(query)
	if err != nil {
		return "The query is invalid: " + err.Error()
	}
	if err := s.conn.Explain(ctx, stmt.text); err != nil {
		return "The query is invalid: " + err.Error()
	}
	return "The query is valid:\n" + stmt.text
}

func (s *Set) executeQuery(ctx context.Context, query string) (string, error) {
	stmt, err := s.check(query)
	if err != nil {
		return "", err
	}
	rs, err := s.conn.Query(ctx, stmt.text, s.opts.MaxRows)
	if err != nil {
		return "", &ExecutionError{Err: err}
	}
	return render(rs, s.opts.MaxRows), nil
}

func (s *Set) unknownTable(name string) error {
	return fmt.Errorf("%w: %s; available tables: %s", ErrUnknownTable, name, s.listTables())
}

func (s *Set) cap(out string) string {
	if len(out) <= s.opts.MaxOutputBytes {
		return out
	}
	n := s.opts.MaxOutputBytes
	for n > 0 && !utf8.RuneStart(out[n]) {
		n--
	}
	return out[:n] + "\n... (output truncated)"
}

// render formats a result set. A single value is rendered bare.
func render(rs *store.ResultSet, maxRows int) string {
	if len(rs.Rows) == 0 {
		return "The query returned no rows."
	}
	if len(rs.Columns) == 1 && len(rs.Rows) == 1 && !rs.Truncated {
		return rs.Rows[0][0]
	}
	var b strings.Builder
	b.WriteString(strings.Join(rs.Columns, " | "))
	for _, row := range rs.Rows {
		b.WriteByte('\n')
		b.WriteString(strings.Join(row, " | "))
	}
	if rs.Truncated {
		fmt.Fprintf(&b, "\n(showing the first %d rows; more rows were omitted)", maxRows)
	}
	return b.String()
}

// cleanInput strips wrappers models often put around tool input: code
// fences, surrounding quotes and a trailing "Observation" marker.
func cleanInput(input string) string {
	input = strings.TrimSpace(input)
	if i := strings.Index(input, "\nObservation"); i >= 0 {
		input = input[:i]
	}
	if strings.HasPrefix(input, "```") {
		input = strings.TrimPrefix(input, "```")
		input = strings.TrimPrefix(input, "sql")
		input = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(input), "```"))
	}
	for len(input) >= 2 {
		first, last := input[0], input[len(input)-1]
		if first == last && (first == '"' || first == '\'' || first == '`') {
			input = strings.TrimSpace(input[1 : len(input)-1])
			continue
		}
		break
	}
	return input
}
