package memory

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"chatsync/pkg/chatsync"
)

// ErrInvalidFilter reports a filter or sort expression the store cannot evaluate.
var ErrInvalidFilter = fmt.Errorf("memory: invalid filter: %w", chatsync.ErrInvalidQuery)

// predicate matches one record.
type predicate func(record chatsync.Record) bool

// parseFilter compiles expressions of the form
//
//	field = "value" || (field != 'value' && list ?= "value")
//
// where && binds tighter than ||. Supported operators are = != ~ and ?=
// (any element of a list field equals the value). An empty expression
// matches every record.
func parseFilter(expression string) (predicate, error) {
	tokens, err := tokenizeFilter(expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	if len(tokens) == 0 {
		return func(chatsync.Record) bool { return true }, nil
	}

	parser := &filterParser{tokens: tokens}
	matcher, err := parser.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	if parser.pos != len(tokens) {
		return nil, fmt.Errorf("%w: unexpected %q", ErrInvalidFilter, tokens[parser.pos].text)
	}

	return matcher, nil
}

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenString
	tokenOperator
	tokenAnd
	tokenOr
	tokenOpen
	tokenClose
)

type filterToken struct {
	kind tokenKind
	text string
}

func tokenizeFilter(expression string) ([]filterToken, error) {
	tokens := make([]filterToken, 0)
	runes := []rune(expression)
	for index := 0; index < len(runes); {
		current := runes[index]
		switch {
		case unicode.IsSpace(current):
			index++
		case current == '(':
			tokens = append(tokens, filterToken{kind: tokenOpen, text: "("})
			index++
		case current == ')':
			tokens = append(tokens, filterToken{kind: tokenClose, text: ")"})
			index++
		case hasPrefixAt(runes, index, "&&"):
			tokens = append(tokens, filterToken{kind: tokenAnd, text: "&&"})
			index += 2
		case hasPrefixAt(runes, index, "||"):
			tokens = append(tokens, filterToken{kind: tokenOr, text: "||"})
			index += 2
		case hasPrefixAt(runes, index, "!="), hasPrefixAt(runes, index, "?="):
			tokens = append(tokens, filterToken{kind: tokenOperator, text: string(runes[index : index+2])})
			index += 2
		case current == '=' || current == '~':
			tokens = append(tokens, filterToken{kind: tokenOperator, text: string(current)})
			index++
		case current == '"' || current == '\'':
			value, next, err := readQuoted(runes, index)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, filterToken{kind: tokenString, text: value})
			index = next
		case isIdentRune(current):
			start := index
			for index < len(runes) && isIdentRune(runes[index]) {
				index++
			}
			tokens = append(tokens, filterToken{kind: tokenIdent, text: string(runes[start:index])})
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", current, index)
		}
	}

	return tokens, nil
}

func hasPrefixAt(runes []rune, index int, prefix string) bool {
	return strings.HasPrefix(string(runes[index:min(index+len(prefix), len(runes))]), prefix)
}

func isIdentRune(r rune) bool {
	return r == '_' || r == '.' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// readQuoted reads a quoted literal. Double quoted literals use Go escapes,
// matching chatsync.QuoteFilterValue; single quoted literals are raw.
func readQuoted(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	for index := start + 1; index < len(runes); index++ {
		switch runes[index] {
		case '\\':
			index++
		case quote:
			literal := string(runes[start : index+1])
			if quote == '\'' {
				return literal[1 : len(literal)-1], index + 1, nil
			}
			value, err := strconv.Unquote(literal)
			if err != nil {
				return "", 0, fmt.Errorf("unquote %s: %w", literal, err)
			}
			return value, index + 1, nil
		}
	}

	return "", 0, fmt.Errorf("unterminated literal at %d", start)
}

type filterParser struct {
	tokens []filterToken
	pos    int
}

func (p *filterParser) peek() (filterToken, bool) {
	if p.pos >= len(p.tokens) {
		return filterToken{}, false
	}

	return p.tokens[p.pos], true
}

func (p *filterParser) parseOr() (predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		token, ok := p.peek()
		if !ok || token.kind != tokenOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		previous := left
		left = func(record chatsync.Record) bool {
			return previous(record) || right(record)
		}
	}
}

func (p *filterParser) parseAnd() (predicate, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		token, ok := p.peek()
		if !ok || token.kind != tokenAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		previous := left
		left = func(record chatsync.Record) bool {
			return previous(record) && right(record)
		}
	}
}

func (p *filterParser) parseTerm() (predicate, error) {
	token, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	if token.kind == tokenOpen {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokenClose {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}

	if token.kind != tokenIdent {
		return nil, fmt.Errorf("expected field name, got %q", token.text)
	}
	field := token.text
	p.pos++

	operator, ok := p.peek()
	if !ok || operator.kind != tokenOperator {
		return nil, fmt.Errorf("expected operator after %s", field)
	}
	p.pos++

	value, ok := p.peek()
	if !ok || (value.kind != tokenString && value.kind != tokenIdent) {
		return nil, fmt.Errorf("expected value after %s %s", field, operator.text)
	}
	p.pos++

	return comparison(field, operator.text, value.text), nil
}

func comparison(field string, operator string, want string) predicate {
	return func(record chatsync.Record) bool {
		raw := lookupField(record, field)
		switch operator {
		case "=":
			got, ok := scalarString(raw)
			return ok && got == want
		case "!=":
			got, ok := scalarString(raw)
			return !ok || got != want
		case "~":
			got, ok := scalarString(raw)
			return ok && strings.Contains(strings.ToLower(got), strings.ToLower(want))
		case "?=":
			values, ok := chatsync.Record{"v": raw}.StringSlice("v", false)
			if !ok {
				return false
			}
			for _, value := range values {
				if value == want {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
}

// lookupField resolves dotted paths through nested objects.
func lookupField(record chatsync.Record, path string) any {
	var current any = map[string]any(record)
	for _, part := range strings.Split(path, ".") {
		switch object := current.(type) {
		case map[string]any:
			current = object[part]
		case chatsync.Record:
			current = object[part]
		default:
			return nil
		}
	}

	return current
}

func scalarString(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, true
	case bool:
		return strconv.FormatBool(typed), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case nil:
		return "", true
	default:
		return "", false
	}
}
