package rules

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokVar
	tokString
	tokRegex
	tokIdent
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokMatch
	tokNoMatch
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	text  string
	flags string
	pos   int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case strings.HasPrefix(src[i:], "&&"):
			toks = append(toks, token{kind: tokAnd, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{kind: tokOr, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "=="):
			toks = append(toks, token{kind: tokEq, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "!="):
			toks = append(toks, token{kind: tokNe, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "=~"):
			toks = append(toks, token{kind: tokMatch, pos: i})
			i += 2
		case strings.HasPrefix(src[i:], "!~"):
			toks = append(toks, token{kind: tokNoMatch, pos: i})
			i += 2
		case c == '!':
			toks = append(toks, token{kind: tokNot, pos: i})
			i++
		case c == '$':
			name, n, err := lexVar(src[i:])
			if err != nil {
				return nil, fmt.Errorf("position %d: %w", i, err)
			}
			toks = append(toks, token{kind: tokVar, text: name, pos: i})
			i += n
		case c == '"' || c == '\'':
			s, n, err := lexString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("position %d: %w", i, err)
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n
		case c == '/':
			pattern, flags, n, err := lexRegex(src[i:])
			if err != nil {
				return nil, fmt.Errorf("position %d: %w", i, err)
			}
			toks = append(toks, token{kind: tokRegex, text: pattern, flags: flags, pos: i})
			i += n
		case isIdentByte(c):
			j := i
			for j < len(src) && isIdentByte(src[j]) {
				j++
			}
			word := src[i:j]
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, token{kind: tokAnd, pos: i})
			case "or":
				toks = append(toks, token{kind: tokOr, pos: i})
			case "not":
				toks = append(toks, token{kind: tokNot, pos: i})
			default:
				toks = append(toks, token{kind: tokIdent, text: word, pos: i})
			}
			i = j
		default:
			return nil, fmt.Errorf("position %d: unexpected character %q", i, c)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func lexVar(src string) (string, int, error) {
	if strings.HasPrefix(src, "${") {
		end := strings.IndexByte(src, '}')
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated variable")
		}
		name := src[2:end]
		if !validName(name) {
			return "", 0, fmt.Errorf("invalid variable name %q", name)
		}
		return name, end + 1, nil
	}
	j := 1
	for j < len(src) && isIdentByte(src[j]) {
		j++
	}
	if j == 1 {
		return "", 0, fmt.Errorf("empty variable name")
	}
	return src[1:j], j, nil
}

func lexString(src string) (string, int, error) {
	quote := src[0]
	var b strings.Builder
	for j := 1; j < len(src); j++ {
		c := src[j]
		switch {
		case c == '\\' && j+1 < len(src):
			j++
			b.WriteByte(src[j])
		case c == quote:
			return b.String(), j + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func lexRegex(src string) (string, string, int, error) {
	var b strings.Builder
	for j := 1; j < len(src); j++ {
		c := src[j]
		switch {
		case c == '\\' && j+1 < len(src) && src[j+1] == '/':
			j++
			b.WriteByte('/')
		case c == '\\' && j+1 < len(src):
			b.WriteByte(c)
			j++
			b.WriteByte(src[j])
		case c == '/':
			k := j + 1
			for k < len(src) && strings.IndexByte("imsU", src[k]) >= 0 {
				k++
			}
			return b.String(), src[j+1 : k], k, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", 0, fmt.Errorf("unterminated regex")
}

func isIdentByte(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isIdentByte(name[i]) {
			return false
		}
	}
	return true
}
