package tools

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // bare keyword or identifier
	tokIdent                   // quoted identifier
	tokString                  // string literal
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string // lower-cased for words, unquoted for identifiers
	raw  string // words as written
}

func (t token) is(word string) bool { return t.kind == tokWord && t.text == word }

func (t token) punct(p string) bool { return t.kind == tokPunct && t.text == p }

func (t token) name() bool { return t.kind == tokWord || t.kind == tokIdent }

// lex splits a SQL text into tokens. Comments and whitespace are dropped.
func lex(sql string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("unterminated comment")
			}
			i += end + 4
		case c == '\'' || c == '"' || c == '`':
			text, n, err := quoted(sql[i:], c, c)
			if err != nil {
				return nil, err
			}
			kind := tokIdent
			if c == '\'' {
				kind = tokString
			}
			toks = append(toks, token{kind: kind, text: text})
			i += n
		case c == '[':
			text, n, err := quoted(sql[i:], '[', ']')
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokIdent, text: text})
			i += n
		case c == '$' && i+1 < len(sql) && (sql[i+1] == '$' || isWordStart(sql[i+1])):
			// Postgres dollar-quoted string: $tag$ ... $tag$
			end := strings.IndexByte(sql[i+1:], '$')
			if end < 0 {
				toks = append(toks, token{kind: tokPunct, text: "$"})
				i++
				continue
			}
			tag := sql[i : i+end+2]
			body := strings.Index(sql[i+len(tag):], tag)
			if body < 0 {
				return nil, fmt.Errorf("unterminated dollar-quoted string")
			}
			toks = append(toks, token{kind: tokString, text: sql[i+len(tag) : i+len(tag)+body]})
			i += len(tag)*2 + body
		case isWordStart(c):
			j := i + 1
			for j < len(sql) && isWordPart(sql[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToLower(sql[i:j]), raw: sql[i:j]})
			i = j
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(sql) && sql[i+1] >= '0' && sql[i+1] <= '9':
			j := i + 1
			for j < len(sql) && (isWordPart(sql[j]) || sql[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: sql[i:j]})
			i = j
		default:
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		}
	}
	return toks, nil
}

// quoted reads a quoted run starting at s[0] == open. A doubled closing
// character is an escaped one.
func quoted(s string, open, end byte) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] != end {
			b.WriteByte(s[i])
			continue
		}
		if open == end && i+1 < len(s) && s[i+1] == end {
			b.WriteByte(end)
			i++
			continue
		}
		return b.String(), i + 1, nil
	}
	return "", 0, fmt.Errorf("unterminated quoted text starting with %c", open)
}

func isWordStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || c >= '0' && c <= '9' || c == '$'
}

var readKeywords = map[string]bool{
	"select":  true,
	"with":    true,
	"values":  true,
	"explain": true,
}

var writeKeywords = map[string]bool{
	"insert":   true,
	"update":   true,
	"delete":   true,
	"drop":     true,
	"alter":    true,
	"create":   true,
	"truncate": true,
	"merge":    true,
	"attach":   true,
	"detach":   true,
	"grant":    true,
	"revoke":   true,
	"into":     true,
}

// commandKeywords start a statement that changes state, but are also
// ordinary column names. They are rejected only where a statement can
// begin: at the start, after "(" or after EXPLAIN.
var commandKeywords = map[string]bool{
	"vacuum":   true,
	"reindex":  true,
	"analyze":  true,
	"copy":     true,
	"call":     true,
	"do":       true,
	"lock":     true,
	"set":      true,
	"reset":    true,
	"begin":    true,
	"commit":   true,
	"rollback": true,
}

// statement is one parsed, read-only SQL statement.
type statement struct {
	text   string
	tokens []token
}

// parseReadOnly accepts exactly one statement that starts with a read
// keyword and contains no write keyword outside literals.
func parseReadOnly(sql string) (*statement, error) {
	toks, err := lex(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	var stmts [][]token
	var cur []token
	for _, t := range toks {
		if t.punct(";") {
			if len(cur) > 0 {
				stmts = append(stmts, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		stmts = append(stmts, cur)
	}

	switch {
	case len(stmts) == 0:
		return nil, ErrEmptyQuery
	case len(stmts) > 1:
		return nil, fmt.Errorf("%w: only a single statement is allowed", ErrWriteNotAllowed)
	}

	stmt := stmts[0]
	first := stmt[0]
	if first.kind != tokWord || !readKeywords[first.text] {
		return nil, fmt.Errorf("%w: statements starting with %q are not allowed", ErrWriteNotAllowed, first.text)
	}
	for i, t := range stmt {
		if t.kind != tokWord {
			continue
		}
		leading := i == 0 || stmt[i-1].punct("(") || stmt[i-1].is("explain")
		if writeKeywords[t.text] || leading && commandKeywords[t.text] {
			return nil, fmt.Errorf("%w: %s is not allowed", ErrWriteNotAllowed, strings.ToUpper(t.text))
		}
	}
	return &statement{text: strings.TrimSpace(sql), tokens: stmt}, nil
}

// tableRefs returns the names referenced after FROM or JOIN at statement
// level or inside subqueries, excluding common table expression names.
func (s *statement) tableRefs() []string {
	toks := s.tokens
	ctes := cteNames(toks)

	var refs []string
	seen := make(map[string]bool)
	add := func(name string) {
		key := strings.ToLower(name)
		if ctes[key] || seen[key] {
			return
		}
		seen[key] = true
		refs = append(refs, name)
	}

	// stack[i] is true when paren level i+1 opened a subquery.
	var stack []bool
	inQuery := func() bool { return len(stack) == 0 || stack[len(stack)-1] }

	for i, t := range toks {
		switch {
		case t.punct("("):
			sub := i+1 < len(toks) && (toks[i+1].is("select") || toks[i+1].is("with") || toks[i+1].is("values"))
			stack = append(stack, sub)
			continue
		case t.punct(")"):
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		if !inQuery() || !(t.is("from") || t.is("join")) {
			continue
		}
		j := i + 1
		for {
			name, next, ok := qualifiedName(toks, j)
			if !ok {
				break
			}
			if next < len(toks) && toks[next].punct("(") {
				// table-valued function
				break
			}
			add(name)
			next = skipAlias(toks, next)
			if !t.is("from") || next >= len(toks) || !toks[next].punct(",") {
				break
			}
			j = next + 1
		}
	}
	return refs
}

// qualifiedName reads name or schema.name at toks[i]. It returns the last
// part and the index after it.
func qualifiedName(toks []token, i int) (string, int, bool) {
	if i >= len(toks) || !toks[i].name() || toks[i].kind == tokWord && clauseWords[toks[i].text] {
		return "", i, false
	}
	name := toks[i]
	i++
	for i+1 < len(toks) && toks[i].punct(".") && toks[i+1].name() {
		name = toks[i+1]
		i += 2
	}
	if name.kind == tokWord {
		return name.raw, i, true
	}
	return name.text, i, true
}

func skipAlias(toks []token, i int) int {
	if i < len(toks) && toks[i].is("as") {
		i++
	}
	if i < len(toks) && toks[i].name() && !(toks[i].kind == tokWord && clauseWords[toks[i].text]) {
		i++
	}
	return i
}

// cteNames collects names defined by a leading WITH clause.
func cteNames(toks []token) map[string]bool {
	names := make(map[string]bool)
	if len(toks) == 0 || !toks[0].is("with") {
		return names
	}
	i := 1
	if i < len(toks) && toks[i].is("recursive") {
		i++
	}
	for i < len(toks) && toks[i].name() {
		names[strings.ToLower(toks[i].text)] = true
		i++
		if i < len(toks) && toks[i].punct("(") {
			i = skipParens(toks, i)
		}
		if i >= len(toks) || !toks[i].is("as") {
			break
		}
		i++
		for i < len(toks) && (toks[i].is("not") || toks[i].is("materialized")) {
			i++
		}
		if i >= len(toks) || !toks[i].punct("(") {
			break
		}
		i = skipParens(toks, i)
		if i >= len(toks) || !toks[i].punct(",") {
			break
		}
		i++
	}
	return names
}

// skipParens returns the index after the parenthesis group opening at i.
func skipParens(toks []token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		switch {
		case toks[i].punct("("):
			depth++
		case toks[i].punct(")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

// clauseWords end a table reference list.
var clauseWords = map[string]bool{
	"select": true, "where": true, "group": true, "order": true, "having": true,
	"limit": true, "offset": true, "union": true, "except": true, "intersect": true,
	"join": true, "inner": true, "left": true, "right": true, "full": true,
	"cross": true, "natural": true, "outer": true, "on": true, "using": true,
	"window": true, "fetch": true, "lateral": true, "as": true, "from": true,
	"values": true, "with": true,
}
