package analyst

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gogvych/tabular-analyst/internal/agent"
	"github.com/gogvych/tabular-analyst/internal/ingest"
	"github.com/gogvych/tabular-analyst/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// listThenAnswer calls list_tables once and answers with its observation.
var listThenAnswer = agent.ReasonerFunc(func(ctx context.Context, prompt string, stop []string) (string, error) {
	const marker = "Action Input: \nObservation: "
	if i := strings.LastIndex(prompt, marker); i >= 0 {
		obs := strings.TrimSuffix(prompt[i+len(marker):], "\nThought:")
		return "Thought: I now know the final answer\nFinal Answer: " + obs, nil
	}
	return "Thought: list them\nAction: list_tables\nAction Input: ", nil
})

func newTestAnalyst(t *testing.T) (*Analyst, *store.SQLite) {
	t.Helper()
	conn, err := store.OpenSQLite(filepath.Join(t.TempDir(), "analyst.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	a := New(conn, listThenAnswer, Options{TableName: "Zara_Sales_Analysis", Loop: agent.DefaultLoopConfig()}, zap.NewNop())
	return a, conn
}

func TestAskBeforeLoad(t *testing.T) {
	a, _ := newTestAnalyst(t)
	require.NoError(t, a.Init(context.Background()))
	assert.False(t, a.Ready())

	_, err := a.Ask(context.Background(), "total?")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = a.Tables()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLoadBuildsSession(t *testing.T) {
	a, _ := newTestAnalyst(t)
	ctx := context.Background()

	res, err := a.Load(ctx, "sales.csv", strings.NewReader("region,amount\neast,60\nwest,40\n"))
	require.NoError(t, err)
	assert.Equal(t, "Zara_Sales_Analysis", res.Table)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 2, res.Columns)
	assert.Equal(t, []string{"Zara_Sales_Analysis"}, res.Tables)
	require.True(t, a.Ready())

	tables, err := a.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "amount", tables[0].Columns[1].Name)

	out, err := a.Ask(ctx, "which tables are there?")
	require.NoError(t, err)
	assert.Equal(t, agent.TerminatedFinalAnswer, out.TerminatedBy)
	assert.Equal(t, "Zara_Sales_Analysis", out.Answer)
}

func TestLoadReplacesTableSet(t *testing.T) {
	a, conn := newTestAnalyst(t)
	ctx := context.Background()

	_, err := a.LoadAs(ctx, "Old", "old.csv", strings.NewReader("x\n1\n"))
	require.NoError(t, err)
	old := a.Session()

	_, err = a.LoadAs(ctx, "New", "new.csv", strings.NewReader("y\n2\n"))
	require.NoError(t, err)
	assert.NotSame(t, old, a.Session())

	out, err := a.Ask(ctx, "which tables are there?")
	require.NoError(t, err)
	assert.Equal(t, "New", out.Answer)

	names, err := conn.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"New"}, names)

	// The replaced session still answers with its own snapshot.
	assert.Equal(t, []string{"Old"}, old.Snapshot().TableNames())
}

func TestInitUsesExistingTables(t *testing.T) {
	a, conn := newTestAnalyst(t)
	ctx := context.Background()
	require.NoError(t, conn.ReplaceTable(ctx, &store.Table{
		Name:   "Inventory",
		Fields: []store.Field{{Name: "sku", Kind: store.KindText}},
		Rows:   [][]any{{"A-1"}},
	}))

	require.NoError(t, a.Init(ctx))
	require.True(t, a.Ready())
	assert.Equal(t, []string{"Inventory"}, a.Session().Snapshot().TableNames())

	// Tables the service did not load survive an upload.
	res, err := a.Load(ctx, "sales.csv", strings.NewReader("amount\n1\n"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Inventory", "Zara_Sales_Analysis"}, res.Tables)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	a, _ := newTestAnalyst(t)
	ctx := context.Background()

	_, err := a.Load(ctx, "notes.txt", strings.NewReader("hello"))
	assert.ErrorIs(t, err, ingest.ErrUnsupportedFormat)
	_, err = a.Load(ctx, "", strings.NewReader("a\n1\n"))
	assert.ErrorIs(t, err, ingest.ErrNoFilename)
	assert.False(t, a.Ready())
}

func TestAskDuringLoad(t *testing.T) {
	a, _ := newTestAnalyst(t)
	ctx := context.Background()
	_, err := a.Load(ctx, "a.csv", strings.NewReader("x\n1\n"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := a.Ask(ctx, "tables?"); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := a.Load(ctx, "a.csv", strings.NewReader("x\n2\n")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("unexpected error: %v", err)
		}
	}
}
