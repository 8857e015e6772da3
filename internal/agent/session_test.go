package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogvych/tabular-analyst/internal/schema"
	"github.com/gogvych/tabular-analyst/internal/store"
	"github.com/gogvych/tabular-analyst/internal/tools"
	"go.uber.org/zap"
)

// countingConn records how often statements reach the database.
type countingConn struct {
	store.Conn
	mu      sync.Mutex
	queries []string
}

func (c *countingConn) Query(ctx context.Context, query string, limit int) (*store.ResultSet, error) {
	c.mu.Lock()
	c.queries = append(c.queries, query)
	c.mu.Unlock()
	return c.Conn.Query(ctx, query, limit)
}

func (c *countingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

// scripted replays replies in order and repeats the last one.
type scripted struct {
	mu      sync.Mutex
	replies []string
	prompts []string
	stops   [][]string
}

func (s *scripted) Next(ctx context.Context, prompt string, stop []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	s.stops = append(s.stops, stop)
	i := len(s.prompts) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return s.replies[i], nil
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func newSalesSession(t *testing.T, r Reasoner, cfg LoopConfig) (*Session, *countingConn) {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "agent.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.ReplaceTable(ctx, &store.Table{
		Name:   "Sales",
		Fields: []store.Field{{Name: "region", Kind: store.KindText}, {Name: "amount", Kind: store.KindInteger}},
		Rows:   [][]any{{"east", int64(100)}, {"west", int64(50)}},
	})
	if err != nil {
		t.Fatalf("replace table: %v", err)
	}
	snap, err := schema.Build(ctx, db, []string{"Sales"}, schema.Options{})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}

	conn := &countingConn{Conn: db}
	sess, err := NewSession(snap, tools.NewSet(conn, snap, tools.Options{}), r, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess, conn
}

func TestAskSalesTotal(t *testing.T) {
	r := &scripted{replies: []string{
		"Thought: I should look at the tables.\nAction: list_tables\nAction Input: ",
		"Thought: Sales has region and amount columns.\nAction: execute_query\nAction Input: SELECT SUM(amount) FROM Sales WHERE region='east'",
		"Thought: I now know the final answer\nFinal Answer: The total sales amount in the east region is 100.",
	}}
	sess, conn := newSalesSession(t, r, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "What is the total sales amount in the east region?")
	if res.TerminatedBy != TerminatedFinalAnswer {
		t.Fatalf("terminated by %s, answer %q", res.TerminatedBy, res.Answer)
	}
	if res.Err != nil {
		t.Errorf("Err = %v", res.Err)
	}
	if !strings.Contains(res.Answer, "100") {
		t.Errorf("answer = %q", res.Answer)
	}
	if res.StepCount != 2 {
		t.Errorf("step count = %d, want 2", res.StepCount)
	}
	if res.ID == "" || res.Transcript.ID != res.ID {
		t.Errorf("ids: result %q transcript %q", res.ID, res.Transcript.ID)
	}
	if conn.count() != 1 {
		t.Errorf("queries = %d, want 1", conn.count())
	}

	last := r.prompts[2]
	if !strings.Contains(last, "Observation: Sales\nThought:") {
		t.Error("scratchpad should carry the list_tables observation")
	}
	if !strings.Contains(last, "Observation: 100\nThought:") {
		t.Error("scratchpad should carry the query result")
	}
	for i, stop := range r.stops {
		if len(stop) != 1 || stop[0] != StopSequence {
			t.Errorf("call %d stop = %q", i, stop)
		}
	}

	steps := res.Transcript.Steps
	if steps[len(steps)-1].Kind != StepFinalAnswer {
		t.Errorf("last step = %s", steps[len(steps)-1].Kind)
	}
	for i, s := range steps {
		if s.Kind == StepObservation && (i == 0 || steps[i-1].Kind != StepAction) {
			t.Errorf("observation at %d does not follow an action", i)
		}
	}
}

func TestAskUnfilteredSum(t *testing.T) {
	r := &scripted{replies: []string{
		"Thought: sum everything\nAction: execute_query\nAction Input: SELECT SUM(amount) FROM Sales",
		"Thought: done\nFinal Answer: 150",
	}}
	sess, _ := newSalesSession(t, r, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "What is the total sales amount?")
	obs, _ := res.Transcript.LastObservation()
	if obs != "150" || res.Answer != "150" {
		t.Errorf("observation %q, answer %q", obs, res.Answer)
	}
}

func TestAskGreetingTakesNoActions(t *testing.T) {
	r := &scripted{replies: []string{
		"Thought: This is a greeting, not a data question.\nFinal Answer: Hello! Ask me anything about your data.",
	}}
	sess, conn := newSalesSession(t, r, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "hello")
	if res.TerminatedBy != TerminatedFinalAnswer {
		t.Fatalf("terminated by %s", res.TerminatedBy)
	}
	if res.StepCount != 0 || res.Transcript.Actions() != 0 {
		t.Errorf("step count = %d", res.StepCount)
	}
	if res.Answer != "Hello! Ask me anything about your data." {
		t.Errorf("answer = %q", res.Answer)
	}
	if conn.count() != 0 {
		t.Errorf("queries = %d", conn.count())
	}
}

func TestAskUnknownToolNeverReachesDatabase(t *testing.T) {
	r := &scripted{replies: []string{
		"Thought: I will clean up.\nAction: drop_table\nAction Input: Sales",
		"Thought: I cannot do that.\nFinal Answer: I can only read data.",
	}}
	sess, conn := newSalesSession(t, r, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "Drop the Sales table")
	if res.TerminatedBy != TerminatedFinalAnswer {
		t.Fatalf("terminated by %s", res.TerminatedBy)
	}
	obs, ok := res.Transcript.LastObservation()
	if !ok {
		t.Fatal("expected a synthetic observation")
	}
	want := "drop_table is not a valid tool, try one of [list_tables, describe_schema, validate_query, execute_query]."
	if obs != want {
		t.Errorf("observation = %q", obs)
	}
	if conn.count() != 0 {
		t.Errorf("queries = %d, want 0", conn.count())
	}

	rs, err := conn.Conn.Query(context.Background(), `SELECT COUNT(*) FROM "Sales"`, 1)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if rs.Rows[0][0] != "2" {
		t.Errorf("rows = %s, want 2", rs.Rows[0][0])
	}
}

func TestAskWriteQueryBecomesObservation(t *testing.T) {
	r := &scripted{replies: []string{
		"Thought: remove rows\nAction: execute_query\nAction Input: DELETE FROM Sales",
		"Thought: not allowed\nFinal Answer: I can only run read-only queries.",
	}}
	sess, conn := newSalesSession(t, r, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "Delete everything")
	obs, _ := res.Transcript.LastObservation()
	if !strings.HasPrefix(obs, "Error: ") || !strings.Contains(obs, tools.ErrWriteNotAllowed.Error()) {
		t.Errorf("observation = %q", obs)
	}
	if conn.count() != 0 {
		t.Errorf("queries = %d, want 0", conn.count())
	}
}

func TestAskBoundedBySteps(t *testing.T) {
	r := &scripted{replies: []string{"Thought: again\nAction: list_tables\nAction Input: "}}
	cfg := DefaultLoopConfig()
	cfg.MaxSteps = 3
	sess, _ := newSalesSession(t, r, cfg)

	res := sess.Ask(context.Background(), "loop forever")
	if res.TerminatedBy != TerminatedMaxIterations {
		t.Fatalf("terminated by %s", res.TerminatedBy)
	}
	if !errors.Is(res.Err, ErrMaxSteps) {
		t.Errorf("Err = %v", res.Err)
	}
	if res.StepCount != 3 || r.calls() != 3 {
		t.Errorf("steps = %d, calls = %d", res.StepCount, r.calls())
	}
	if !strings.HasSuffix(res.Answer, "\nSales") {
		t.Errorf("answer should carry the last observation, got %q", res.Answer)
	}
}

func TestAskBoundedByDuration(t *testing.T) {
	slow := ReasonerFunc(func(ctx context.Context, prompt string, stop []string) (string, error) {
		select {
		case <-time.After(20 * time.Millisecond):
			return "Thought: again\nAction: list_tables\nAction Input: ", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	cfg := LoopConfig{MaxSteps: 1000, MaxDuration: 100 * time.Millisecond, RetryOnParseFailure: true}
	sess, _ := newSalesSession(t, slow, cfg)

	start := time.Now()
	res := sess.Ask(context.Background(), "loop forever")
	if res.TerminatedBy != TerminatedMaxTime {
		t.Fatalf("terminated by %s", res.TerminatedBy)
	}
	if !errors.Is(res.Err, ErrMaxDuration) {
		t.Errorf("Err = %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("ask took %s", elapsed)
	}
	if res.StepCount >= 1000 {
		t.Errorf("step count = %d", res.StepCount)
	}
}

func TestAskNoObservationFallback(t *testing.T) {
	blocked := ReasonerFunc(func(ctx context.Context, prompt string, stop []string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	sess, _ := newSalesSession(t, blocked, LoopConfig{MaxDuration: 30 * time.Millisecond})

	res := sess.Ask(context.Background(), "anything")
	if res.TerminatedBy != TerminatedMaxTime {
		t.Fatalf("terminated by %s", res.TerminatedBy)
	}
	if !strings.Contains(res.Answer, "could not determine") {
		t.Errorf("answer = %q", res.Answer)
	}
}

func TestAskStopsWhenReasonerIgnoresDeadline(t *testing.T) {
	stubborn := ReasonerFunc(func(ctx context.Context, prompt string, stop []string) (string, error) {
		time.Sleep(400 * time.Millisecond)
		return "Thought: query\nAction: execute_query\nAction Input: SELECT SUM(amount) FROM Sales", nil
	})
	sess, conn := newSalesSession(t, stubborn, LoopConfig{MaxDuration: 50 * time.Millisecond})

	start := time.Now()
	res := sess.Ask(context.Background(), "total?")
	elapsed := time.Since(start)
	if res.TerminatedBy != TerminatedMaxTime {
		t.Fatalf("terminated by %s", res.TerminatedBy)
	}
	if elapsed >= 300*time.Millisecond {
		t.Errorf("ask took %s with a 50ms budget", elapsed)
	}
	if res.StepCount != 0 || conn.count() != 0 {
		t.Errorf("steps = %d, queries = %d after the deadline", res.StepCount, conn.count())
	}
}

func TestAskParseFailureRetriesOnce(t *testing.T) {
	r := &scripted{replies: []string{"I am not sure what to do."}}
	sess, _ := newSalesSession(t, r, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "total?")
	if res.TerminatedBy != TerminatedParseFailure {
		t.Fatalf("terminated by %s", res.TerminatedBy)
	}
	if r.calls() != 2 {
		t.Errorf("calls = %d, want 2", r.calls())
	}
	if res.Answer != "I am not sure what to do." {
		t.Errorf("answer = %q", res.Answer)
	}
	if !errors.Is(res.Err, ErrParseFailure) {
		t.Errorf("Err = %v", res.Err)
	}
	if !strings.Contains(r.prompts[1], "did not follow the required format") {
		t.Error("retry prompt should carry the corrective instruction")
	}
}

func TestAskParseRetryRecovers(t *testing.T) {
	r := &scripted{replies: []string{
		"The answer is probably 100",
		"Thought: I now know the final answer\nFinal Answer: 100",
	}}
	sess, _ := newSalesSession(t, r, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "total?")
	if res.TerminatedBy != TerminatedFinalAnswer || res.Answer != "100" {
		t.Fatalf("got %s %q", res.TerminatedBy, res.Answer)
	}
}

func TestAskParseFailureWithoutRetry(t *testing.T) {
	r := &scripted{replies: []string{"no format here"}}
	sess, _ := newSalesSession(t, r, LoopConfig{RetryOnParseFailure: false})

	res := sess.Ask(context.Background(), "total?")
	if res.TerminatedBy != TerminatedParseFailure || r.calls() != 1 {
		t.Fatalf("got %s after %d calls", res.TerminatedBy, r.calls())
	}
}

func TestAskReasonerError(t *testing.T) {
	calls := 0
	failing := ReasonerFunc(func(ctx context.Context, prompt string, stop []string) (string, error) {
		calls++
		return "", errors.New("connection refused")
	})
	sess, _ := newSalesSession(t, failing, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "total?")
	if res.TerminatedBy != TerminatedReasonerError {
		t.Fatalf("terminated by %s", res.TerminatedBy)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if res.Answer != unavailableAnswer {
		t.Errorf("answer = %q", res.Answer)
	}
	if !errors.Is(res.Err, ErrReasoner) {
		t.Errorf("Err = %v", res.Err)
	}
}

func TestAskReasonerErrorKeepsParseRetry(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	r := ReasonerFunc(func(ctx context.Context, prompt string, stop []string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		prompts = append(prompts, prompt)
		switch len(prompts) {
		case 1:
			return "", errors.New("connection reset")
		case 2:
			return "garbled reply", nil
		default:
			return "Thought: I now know the final answer\nFinal Answer: 100", nil
		}
	})
	sess, _ := newSalesSession(t, r, DefaultLoopConfig())

	res := sess.Ask(context.Background(), "total?")
	if res.TerminatedBy != TerminatedFinalAnswer || res.Answer != "100" {
		t.Fatalf("got %s %q", res.TerminatedBy, res.Answer)
	}
	if len(prompts) != 3 {
		t.Fatalf("calls = %d, want 3", len(prompts))
	}
	if !strings.Contains(prompts[2], "did not follow the required format") {
		t.Error("third prompt should carry the corrective instruction")
	}
}

func TestAskConcurrent(t *testing.T) {
	r := &scripted{replies: []string{
		"Thought: query\nAction: execute_query\nAction Input: SELECT SUM(amount) FROM Sales WHERE region = 'east'",
		"Thought: done\nFinal Answer: 100",
	}}
	sess, _ := newSalesSession(t, ReasonerFunc(func(ctx context.Context, prompt string, stop []string) (string, error) {
		if strings.Contains(prompt, "Observation: 100") {
			return r.replies[1], nil
		}
		return r.replies[0], nil
	}), DefaultLoopConfig())

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sess.Ask(context.Background(), "total?")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, res := range results {
		if res.Answer != "100" || res.StepCount != 1 {
			t.Errorf("result %d: %q after %d steps", i, res.Answer, res.StepCount)
		}
		if seen[res.ID] {
			t.Errorf("duplicate id %s", res.ID)
		}
		seen[res.ID] = true
	}
}

func TestNewSessionRejectsIncompleteInputs(t *testing.T) {
	r := &scripted{replies: []string{"Final Answer: x"}}
	sess, conn := newSalesSession(t, r, DefaultLoopConfig())
	snap := sess.Snapshot()
	set := tools.NewSet(conn, snap, tools.Options{})

	if _, err := NewSession(nil, set, r, LoopConfig{}, nil); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("nil snapshot: %v", err)
	}
	if _, err := NewSession(&schema.Snapshot{}, set, r, LoopConfig{}, nil); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("empty snapshot: %v", err)
	}
	if _, err := NewSession(snap, nil, r, LoopConfig{}, nil); err == nil {
		t.Error("nil tool set should fail")
	}
	if _, err := NewSession(snap, set, nil, LoopConfig{}, nil); err == nil {
		t.Error("nil reasoner should fail")
	}
	other := &schema.Snapshot{Tables: snap.Tables}
	if _, err := NewSession(other, set, r, LoopConfig{}, nil); err == nil {
		t.Error("mismatched snapshot should fail")
	}

	s, err := NewSession(snap, set, r, LoopConfig{}, nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if cfg := s.Config(); cfg.MaxSteps != DefaultMaxSteps || cfg.MaxDuration != DefaultMaxDuration {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
