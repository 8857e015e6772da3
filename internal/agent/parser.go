package agent

import (
	"errors"
	"regexp"
	"strings"
)

var ErrParseFailure = errors.New("could not parse reasoning step")

// ParseError keeps the reply that could not be parsed.
type ParseError struct {
	Text   string
	Reason string
}

func (e *ParseError) Error() string { return "could not parse reasoning step: " + e.Reason }

func (e *ParseError) Is(target error) bool { return target == ErrParseFailure }

const finalAnswerMarker = "Final Answer:"

var (
	actionRe       = regexp.MustCompile(`(?s)Action\s*\d*\s*:[\s]*(.*?)[\s]*Action\s*\d*\s*Input\s*\d*\s*:[\s]*(.*)`)
	actionOnlyRe   = regexp.MustCompile(`Action\s*\d*\s*:`)
	inputOnlyRe    = regexp.MustCompile(`Action\s*\d*\s*Input\s*\d*\s*:`)
	thoughtPrefix  = regexp.MustCompile(`^\s*Thought\s*:\s*`)
	hallucinatedRe = regexp.MustCompile(`\n\s*(Observation|Thought)\s*:`)
)

// Reply is one parsed model reply: either an action or a final answer,
// each optionally preceded by a thought.
type Reply struct {
	Thought     string
	Action      string
	Input       string
	Final       bool
	FinalAnswer string
}

// ParseStep parses a reply in the Thought/Action/Action Input or
// Thought/Final Answer format. When both an action and a final answer are
// present, whichever comes first wins.
func ParseStep(text string) (*Reply, error) {
	finalIdx := strings.Index(text, finalAnswerMarker)
	loc := actionRe.FindStringSubmatchIndex(text)

	if loc != nil && (finalIdx < 0 || loc[0] < finalIdx) {
		action := strings.Trim(strings.TrimSpace(text[loc[2]:loc[3]]), "*`\"'")
		if action == "" {
			return nil, &ParseError{Text: text, Reason: "missing tool name after 'Action:'"}
		}
		input := text[loc[4]:loc[5]]
		if m := hallucinatedRe.FindStringIndex(input); m != nil {
			input = input[:m[0]]
		}
		if i := strings.Index(input, finalAnswerMarker); i >= 0 {
			input = input[:i]
		}
		return &Reply{
			Thought: thought(text[:loc[0]]),
			Action:  action,
			Input:   strings.TrimSpace(input),
		}, nil
	}

	if finalIdx >= 0 {
		return &Reply{
			Thought:     thought(text[:finalIdx]),
			Final:       true,
			FinalAnswer: strings.TrimSpace(text[finalIdx+len(finalAnswerMarker):]),
		}, nil
	}

	switch {
	case actionOnlyRe.MatchString(text) && !inputOnlyRe.MatchString(text):
		return nil, &ParseError{Text: text, Reason: "missing 'Action Input:' after 'Action:'"}
	case strings.TrimSpace(text) == "":
		return nil, &ParseError{Text: text, Reason: "empty reply"}
	default:
		return nil, &ParseError{Text: text, Reason: "missing 'Action:' or 'Final Answer:'"}
	}
}

func thought(s string) string {
	return strings.TrimSpace(thoughtPrefix.ReplaceAllString(s, ""))
}
