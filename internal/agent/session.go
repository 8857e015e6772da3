package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gogvych/tabular-analyst/internal/prompt"
	"github.com/gogvych/tabular-analyst/internal/schema"
	"github.com/gogvych/tabular-analyst/internal/tools"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoSnapshot = errors.New("session needs a snapshot with at least one table")

const unavailableAnswer = "The agent is unavailable right now. Please try again later."

// Result is the outcome of one Ask call.
type Result struct {
	ID           string        `json:"id"`
	Answer       string        `json:"answer"`
	StepCount    int           `json:"step_count"`
	TerminatedBy Termination   `json:"terminated_by"`
	Transcript   *Transcript   `json:"transcript"`
	Duration     time.Duration `json:"duration"`
	Err          error         `json:"-"`
}

// Session answers questions against one snapshot and tool set. It is
// immutable after construction and safe for concurrent Ask calls.
type Session struct {
	snap     *schema.Snapshot
	set      *tools.Set
	reasoner Reasoner
	cfg      LoopConfig
	specs    []tools.Spec
	logger   *zap.Logger
}

// NewSession binds a reasoner to a snapshot and the tool set built from it.
func NewSession(snap *schema.Snapshot, set *tools.Set, reasoner Reasoner, cfg LoopConfig, logger *zap.Logger) (*Session, error) {
	if snap == nil || len(snap.Tables) == 0 {
		return nil, ErrNoSnapshot
	}
	if set == nil {
		return nil, errors.New("session needs a tool set")
	}
	if set.Snapshot() != snap {
		return nil, errors.New("tool set is bound to a different snapshot")
	}
	if reasoner == nil {
		return nil, errors.New("session needs a reasoner")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		snap:     snap,
		set:      set,
		reasoner: reasoner,
		cfg:      cfg.withDefaults(),
		specs:    set.Specs(),
		logger:   logger,
	}, nil
}

// Snapshot returns the snapshot the session answers against.
func (s *Session) Snapshot() *schema.Snapshot { return s.snap }

// Config returns the effective loop bounds.
func (s *Session) Config() LoopConfig { return s.cfg }

// Ask runs the reasoning loop for one question. It always returns a result;
// forced stops carry a degraded answer and a non-nil Err.
func (s *Session) Ask(ctx context.Context, question string) *Result {
	start := time.Now()
	tr := &Transcript{
		ID:        uuid.New().String(),
		Question:  question,
		StartedAt: start,
	}
	log := s.logger.With(zap.String("ask_id", tr.ID))

	finish := func(t Termination, answer string) *Result {
		tr.Duration = time.Since(start)
		if t == TerminatedFinalAnswer {
			tr.finalAnswer(answer)
		}
		log.Info("ask finished",
			zap.String("terminated_by", string(t)),
			zap.Int("steps", tr.Actions()),
			zap.Duration("duration", tr.Duration))
		return &Result{
			ID:           tr.ID,
			Answer:       answer,
			StepCount:    tr.Actions(),
			TerminatedBy: t,
			Transcript:   tr,
			Duration:     tr.Duration,
			Err:          t.err(),
		}
	}

	base, err := prompt.Assemble(s.snap, s.specs, question, prompt.Options{Dialect: s.cfg.Dialect})
	if err != nil {
		log.Error("assemble prompt", zap.Error(err))
		return finish(TerminatedReasonerError, unavailableAnswer)
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxDuration)
	defer cancel()

	gov := newGovernor(s.cfg, start)
	parseRetried := !s.cfg.RetryOnParseFailure
	transportRetried := false
	corrective := ""

	for {
		if t, done := gov.exhausted(time.Now()); done {
			return finish(t, degradedAnswer(t, tr))
		}
		if ctx.Err() != nil {
			return finish(TerminatedMaxTime, degradedAnswer(TerminatedMaxTime, tr))
		}

		text, err := s.next(deadlineCtx, base+tr.Scratchpad()+corrective)
		if deadlineCtx.Err() != nil {
			return finish(TerminatedMaxTime, degradedAnswer(TerminatedMaxTime, tr))
		}
		if err != nil {
			log.Warn("reasoner call failed", zap.Error(err))
			if !transportRetried {
				transportRetried = true
				continue
			}
			return finish(TerminatedReasonerError, unavailableAnswer)
		}

		reply, err := ParseStep(text)
		if err != nil {
			log.Warn("unparsable reply", zap.Error(err))
			if !parseRetried {
				parseRetried = true
				corrective = prompt.Corrective(s.specs)
				continue
			}
			answer := strings.TrimSpace(text)
			if answer == "" {
				answer = "I could not produce an answer in the expected format."
			}
			return finish(TerminatedParseFailure, answer)
		}
		corrective = ""

		tr.thought(reply.Thought)
		if reply.Final {
			return finish(TerminatedFinalAnswer, reply.FinalAnswer)
		}
		if t, done := gov.exhausted(time.Now()); done {
			return finish(t, degradedAnswer(t, tr))
		}

		tr.action(reply.Action, reply.Input)
		tr.observation(s.observe(ctx, log, reply.Action, reply.Input))
		gov.step()
	}
}

type nextResult struct {
	text string
	err  error
}

// next calls the reasoner but returns as soon as ctx is done, even when the
// reasoner itself does not watch ctx. A late reply is discarded.
func (s *Session) next(ctx context.Context, in string) (string, error) {
	ch := make(chan nextResult, 1)
	go func() {
		text, err := s.reasoner.Next(ctx, in, []string{StopSequence})
		ch <- nextResult{text, err}
	}()
	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// observe runs one tool call. Tool calls use the caller's context so a
// query started before the deadline may complete.
func (s *Session) observe(ctx context.Context, log *zap.Logger, name, input string) string {
	if _, ok := s.set.Lookup(name); !ok {
		log.Debug("unknown tool requested", zap.String("tool", name))
		return fmt.Sprintf("%s is not a valid tool, try one of [%s].", name, prompt.ToolNames(s.specs))
	}
	out, err := s.set.Invoke(ctx, name, input)
	if err != nil {
		log.Debug("tool failed", zap.String("tool", name), zap.Error(err))
		return "Error: " + err.Error()
	}
	log.Debug("tool ran", zap.String("tool", name), zap.Int("bytes", len(out)))
	return out
}
