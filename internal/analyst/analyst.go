// Package analyst owns the current reasoning session and replaces it when
// the table set changes.
package analyst

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gogvych/tabular-analyst/internal/agent"
	"github.com/gogvych/tabular-analyst/internal/ingest"
	"github.com/gogvych/tabular-analyst/internal/schema"
	"github.com/gogvych/tabular-analyst/internal/store"
	"github.com/gogvych/tabular-analyst/internal/tools"
	"go.uber.org/zap"
)

// ErrUnavailable is returned while no session exists, either because the
// database holds no tables yet or the last rebuild failed.
var ErrUnavailable = errors.New("agent not initialized; upload a data file first")

// Options configures the service.
type Options struct {
	TableName string // destination table for uploads
	Loop      agent.LoopConfig
	Schema    schema.Options
	Tools     tools.Options
	Ingest    ingest.Options
}

// LoadResult describes a completed upload.
type LoadResult struct {
	Table   string   `json:"table"`
	Rows    int      `json:"rows"`
	Columns int      `json:"columns"`
	Tables  []string `json:"tables"`
}

// Analyst answers questions through the current session.
type Analyst struct {
	conn     store.Conn
	reasoner agent.Reasoner
	opts     Options
	logger   *zap.Logger

	session atomic.Pointer[agent.Session]

	loadMu sync.Mutex // serializes uploads
	loaded map[string]bool
}

// New creates the service. Call Init to build a session over existing tables.
func New(conn store.Conn, reasoner agent.Reasoner, opts Options, logger *zap.Logger) *Analyst {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyst{
		conn:     conn,
		reasoner: reasoner,
		opts:     opts,
		logger:   logger,
		loaded:   make(map[string]bool),
	}
}

// Init builds a session over the tables already in the database. An empty
// database is not an error; the service stays unavailable until a Load.
func (a *Analyst) Init(ctx context.Context) error {
	a.loadMu.Lock()
	defer a.loadMu.Unlock()

	err := a.rebuild(ctx)
	if errors.Is(err, schema.ErrNoTables) {
		a.logger.Warn("no usable tables found; waiting for an upload")
		return nil
	}
	return err
}

// Ready reports whether a session is available.
func (a *Analyst) Ready() bool { return a.session.Load() != nil }

// Session returns the current session or nil.
func (a *Analyst) Session() *agent.Session { return a.session.Load() }

// Tables describes the tables of the current session.
func (a *Analyst) Tables() ([]schema.TableDescription, error) {
	sess := a.session.Load()
	if sess == nil {
		return nil, ErrUnavailable
	}
	return sess.Snapshot().Tables, nil
}

// Ask answers a question with the session current at call time. A
// concurrent Load does not affect an Ask already in flight.
func (a *Analyst) Ask(ctx context.Context, question string) (*agent.Result, error) {
	sess := a.session.Load()
	if sess == nil {
		return nil, ErrUnavailable
	}
	return sess.Ask(ctx, question), nil
}

// Load parses an uploaded file into the configured table and swaps in a
// session built over the new table set.
func (a *Analyst) Load(ctx context.Context, filename string, r io.Reader) (*LoadResult, error) {
	return a.LoadAs(ctx, a.opts.TableName, filename, r)
}

// LoadAs is Load with an explicit destination table. Tables written by
// earlier loads under other names are dropped.
func (a *Analyst) LoadAs(ctx context.Context, table, filename string, r io.Reader) (*LoadResult, error) {
	if table == "" {
		return nil, errors.New("destination table name is required")
	}
	frame, err := ingest.Parse(filename, r, a.opts.Ingest)
	if err != nil {
		return nil, err
	}

	a.loadMu.Lock()
	defer a.loadMu.Unlock()

	if err := a.conn.ReplaceTable(ctx, frame.Table(table)); err != nil {
		return nil, fmt.Errorf("save table %s: %w", table, err)
	}
	for name := range a.loaded {
		if name == table {
			continue
		}
		if err := a.conn.DropTable(ctx, name); err != nil {
			return nil, fmt.Errorf("drop table %s: %w", name, err)
		}
		delete(a.loaded, name)
	}
	a.loaded[table] = true

	a.logger.Info("data loaded",
		zap.String("file", filename),
		zap.String("table", table),
		zap.Int("rows", len(frame.Rows)),
		zap.Int("columns", len(frame.Fields)))

	if err := a.rebuild(ctx); err != nil {
		return nil, err
	}
	return &LoadResult{
		Table:   table,
		Rows:    len(frame.Rows),
		Columns: len(frame.Fields),
		Tables:  a.session.Load().Snapshot().TableNames(),
	}, nil
}

// rebuild snapshots every table and swaps in a new session. On failure the
// session is cleared so no Ask runs against a stale schema.
func (a *Analyst) rebuild(ctx context.Context) error {
	sess, err := a.newSession(ctx)
	if err != nil {
		a.session.Store(nil)
		return err
	}
	a.session.Store(sess)
	a.logger.Info("session ready", zap.Strings("tables", sess.Snapshot().TableNames()))
	return nil
}

func (a *Analyst) newSession(ctx context.Context) (*agent.Session, error) {
	snap, err := schema.BuildAll(ctx, a.conn, a.opts.Schema)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}
	set := tools.NewSet(a.conn, snap, a.opts.Tools)
	return agent.NewSession(snap, set, a.reasoner, a.opts.Loop, a.logger)
}
