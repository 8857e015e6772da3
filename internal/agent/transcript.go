package agent

import (
	"strings"
	"time"
)

// StepKind identifies the kind of reasoning step.
type StepKind string

const (
	StepThought     StepKind = "thought"
	StepAction      StepKind = "action"
	StepObservation StepKind = "observation"
	StepFinalAnswer StepKind = "final_answer"
)

// Transcript records the reasoning trace of one Ask call. It is owned by
// that call and only returned for inspection.
type Transcript struct {
	ID        string        `json:"id"`
	Question  string        `json:"question"`
	Steps     []Step        `json:"steps"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Step is a single step in the transcript.
type Step struct {
	Kind      StepKind  `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Input     string    `json:"input,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (t *Transcript) add(s Step) {
	s.Timestamp = time.Now()
	t.Steps = append(t.Steps, s)
}

func (t *Transcript) thought(text string) {
	t.add(Step{Kind: StepThought, Text: text})
}

func (t *Transcript) action(tool, input string) {
	t.add(Step{Kind: StepAction, Tool: tool, Input: input})
}

func (t *Transcript) observation(text string) {
	t.add(Step{Kind: StepObservation, Text: text})
}

func (t *Transcript) finalAnswer(text string) {
	t.add(Step{Kind: StepFinalAnswer, Text: text})
}

// Actions counts the action steps taken.
func (t *Transcript) Actions() int {
	n := 0
	for _, s := range t.Steps {
		if s.Kind == StepAction {
			n++
		}
	}
	return n
}

// LastObservation returns the most recent observation, if any.
func (t *Transcript) LastObservation() (string, bool) {
	for i := len(t.Steps) - 1; i >= 0; i-- {
		if t.Steps[i].Kind == StepObservation {
			return t.Steps[i].Text, true
		}
	}
	return "", false
}

// Scratchpad renders the steps so far in the prompt's own format, ending
// with an open "Thought:" for the next reply.
func (t *Transcript) Scratchpad() string {
	var b strings.Builder
	for _, s := range t.Steps {
		switch s.Kind {
		case StepThought:
			if s.Text != "" {
				b.WriteString(" " + s.Text)
			}
			b.WriteByte('\n')
		case StepAction:
			b.WriteString("Action: " + s.Tool + "\nAction Input: " + s.Input + "\n")
		case StepObservation:
			b.WriteString("Observation: " + s.Text + "\nThought:")
		}
	}
	return b.String()
}
