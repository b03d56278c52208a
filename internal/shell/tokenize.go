package shell

import (
	"errors"
	"strings"
)

var errUnclosedQuote = errors.New("unclosed quote")

// tokenize splits a command line on whitespace, honoring single and double
// quotes so key comments with spaces survive.
func tokenize(line string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		quote   rune
		started bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			started = true
		case r == ' ' || r == '\t':
			if started {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if quote != 0 {
		return nil, errUnclosedQuote
	}
	if started {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
