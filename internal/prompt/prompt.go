package prompt

import (
	"bytes"
	"errors"
	"strings"
	"text/template"

	"github.com/gogvych/tabular-analyst/internal/schema"
	"github.com/gogvych/tabular-analyst/internal/tools"
)

var ErrNoSchema = errors.New("prompt needs a snapshot with at least one table")

const defaultTopK = 10

// Options tunes wording that depends on the backend.
type Options struct {
	Dialect string // e.g. "SQLite", "PostgreSQL"
	TopK    int    // suggested LIMIT for listing questions, default 10
}

type templateData struct {
	Dialect   string
	TopK      int
	Schema    string
	Tools     []tools.Spec
	ToolNames string
	Question  string
}

var reactTemplate = template.Must(template.New("react").Parse(`You are an agent designed to answer questions about data stored in a {{.Dialect}} database.
Given an input question, create a syntactically correct {{.Dialect}} query to run, then look at the results of the query and return the answer.
Unless the user asks for a specific number of examples, always limit your query to at most {{.TopK}} results.
You can order the results by a relevant column to return the most interesting examples in the database.
Never query for all the columns from a specific table, only ask for the relevant columns given the question.
Only use the tools below and only use the information they return to construct your final answer.
Double check your query with validate_query before executing it. If you get an error while executing a query, rewrite the query and try again.
DO NOT write any DML statements (INSERT, UPDATE, DELETE, DROP etc.) to the database.

If the question does not seem related to the database, do not use any Action. Go straight to "Final Answer:" with a short reply.

The database contains exactly these tables:

{{.Schema}}

You have access to the following tools:

{{range .Tools}}{{.Name}}: {{.Description}}
{{end}}
Use the following format:

Question: the input question you must answer
Thought: you should always think about what to do
Action: the action to take, should be one of [{{.ToolNames}}]
Action Input: the input to the action
Observation: the result of the action
... (this Thought/Action/Action Input/Observation can repeat N times)
Thought: I now know the final answer
Final Answer: the final answer to the original input question

Once an Observation answers the question, your next Thought must be followed by "Final Answer:" and not by another Action.

Begin!

Question: {{.Question}}
Thought:`))

// Assemble renders the full instruction for one question. Every table in
// snap is described in full.
func Assemble(snap *schema.Snapshot, specs []tools.Spec, question string, opts Options) (string, error) {
	if snap == nil || len(snap.Tables) == 0 {
		return "", ErrNoSchema
	}
	if opts.Dialect == "" {
		opts.Dialect = "SQL"
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}

	data := templateData{
		Dialect:   opts.Dialect,
		TopK:      opts.TopK,
		Schema:    snap.Describe(),
		Tools:     specs,
		ToolNames: ToolNames(specs),
		Question:  strings.TrimSpace(question),
	}
	var buf bytes.Buffer
	if err := reactTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ToolNames joins tool names the way the prompt lists them.
func ToolNames(specs []tools.Spec) string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return strings.Join(names, ", ")
}

// Corrective is appended after a reply that did not follow the format.
func Corrective(specs []tools.Spec) string {
	return "\nYour last reply did not follow the required format. Reply with either\n" +
		"Thought: <your reasoning>\nAction: <one of [" + ToolNames(specs) + "]>\nAction Input: <the input>\n" +
		"or\n" +
		"Thought: I now know the final answer\nFinal Answer: <the answer>\n" +
		"Thought:"
}
