package agent

import (
	"errors"
	"time"
)

var (
	ErrMaxSteps    = errors.New("step limit reached")
	ErrMaxDuration = errors.New("time limit reached")
	ErrReasoner    = errors.New("reasoner unavailable")
)

// Termination says why a session ended.
type Termination string

const (
	TerminatedFinalAnswer   Termination = "final_answer"
	TerminatedMaxIterations Termination = "max_iterations"
	TerminatedMaxTime       Termination = "max_time"
	TerminatedParseFailure  Termination = "parse_failure"
	TerminatedReasonerError Termination = "reasoner_error"
)

const (
	DefaultMaxSteps    = 5
	DefaultMaxDuration = 30 * time.Second
)

// LoopConfig bounds one Ask call.
type LoopConfig struct {
	MaxSteps            int           // action/observation cycles, default 5
	MaxDuration         time.Duration // wall clock per question, default 30s
	RetryOnParseFailure bool          // one corrective retry before degrading
	Dialect             string        // SQL dialect named in the prompt
}

// DefaultLoopConfig returns the default bounds with parse retry on.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxSteps:            DefaultMaxSteps,
		MaxDuration:         DefaultMaxDuration,
		RetryOnParseFailure: true,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	return c
}

// governor tracks the step and time budgets of one session.
type governor struct {
	maxSteps int
	steps    int
	deadline time.Time
}

func newGovernor(cfg LoopConfig, start time.Time) *governor {
	return &governor{maxSteps: cfg.MaxSteps, deadline: start.Add(cfg.MaxDuration)}
}

func (g *governor) step() { g.steps++ }

// exhausted reports the first budget that ran out.
func (g *governor) exhausted(now time.Time) (Termination, bool) {
	if !now.Before(g.deadline) {
		return TerminatedMaxTime, true
	}
	if g.steps >= g.maxSteps {
		return TerminatedMaxIterations, true
	}
	return "", false
}

func (t Termination) err() error {
	switch t {
	case TerminatedMaxIterations:
		return ErrMaxSteps
	case TerminatedMaxTime:
		return ErrMaxDuration
	case TerminatedParseFailure:
		return ErrParseFailure
	case TerminatedReasonerError:
		return ErrReasoner
	}
	return nil
}

// degradedAnswer builds the best-effort answer for a forced stop.
func degradedAnswer(t Termination, tr *Transcript) string {
	limit := "step limit"
	if t == TerminatedMaxTime {
		limit = "time limit"
	}
	if obs, ok := tr.LastObservation(); ok {
		return "I could not finish the analysis within the " + limit + ". The last result I obtained was:\n" + obs
	}
	return "I could not determine an answer within the " + limit + "."
}
