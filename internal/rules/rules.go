// Package rules evaluates the restricted boolean expressions used in job
// rules. Expressions can reference CI context variables and literals only:
//
//	$CI_COMMIT_BRANCH == "main" && $CI_PIPELINE_SOURCE != "merge_request"
//	$CI_COMMIT_TAG =~ /^v\d+/ || !($SKIP_DEPLOY)
//	$CI_CHANGED_PATHS =~ "docs/index.md"
//
// A malformed expression never matches.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ListSeparator splits list-valued context variables such as CI_CHANGED_PATHS.
const ListSeparator = "\n"

// ListVariables names the context variables that hold ListSeparator-joined
// lists. =~ tests membership on them whatever their length.
var ListVariables = map[string]bool{
	"CI_CHANGED_PATHS": true,
}

var ErrSyntax = errors.New("rule expression syntax error")

// Expr is a compiled rule expression.
type Expr struct {
	src  string
	root node
}

// Compile parses src into an Expr.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: position %d: unexpected trailing input", ErrSyntax, p.peek().pos)
	}
	return &Expr{src: src, root: root}, nil
}

func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against vars. Missing variables are null.
func (e *Expr) Eval(vars map[string]string) bool {
	return e.root.eval(vars).truthy()
}

// Evaluate compiles and evaluates src in one step. An empty expression
// matches; a malformed one does not.
func Evaluate(src string, vars map[string]string) bool {
	if strings.TrimSpace(src) == "" {
		return true
	}
	expr, err := Compile(src)
	if err != nil {
		return false
	}
	return expr.Eval(vars)
}

type value struct {
	null bool
	str  string
	re   *regexp.Regexp
	list bool
}

func (v value) elems() []string {
	if v.str == "" {
		return nil
	}
	return strings.Split(v.str, ListSeparator)
}

func (v value) truthy() bool {
	return !v.null && v.re == nil && v.str != "" && v.str != "false"
}

func boolValue(b bool) value {
	if b {
		return value{str: "true"}
	}
	return value{str: "false"}
}

type node interface {
	eval(vars map[string]string) value
}

type (
	literal struct{ v value }
	variable struct{ name string }
	notNode  struct{ x node }
	andNode  struct{ l, r node }
	orNode   struct{ l, r node }
	cmpNode  struct {
		op   tokenKind
		l, r node
	}
)

func (n literal) eval(map[string]string) value { return n.v }

func (n variable) eval(vars map[string]string) value {
	s, ok := vars[n.name]
	if !ok {
		return value{null: true}
	}
	return value{str: s, list: ListVariables[n.name]}
}

func (n notNode) eval(vars map[string]string) value { return boolValue(!n.x.eval(vars).truthy()) }

func (n andNode) eval(vars map[string]string) value {
	return boolValue(n.l.eval(vars).truthy() && n.r.eval(vars).truthy())
}

func (n orNode) eval(vars map[string]string) value {
	return boolValue(n.l.eval(vars).truthy() || n.r.eval(vars).truthy())
}

func (n cmpNode) eval(vars map[string]string) value {
	l, r := n.l.eval(vars), n.r.eval(vars)
	switch n.op {
	case tokEq:
		return boolValue(equal(l, r))
	case tokNe:
		return boolValue(!equal(l, r))
	case tokMatch:
		return boolValue(matches(l, r))
	case tokNoMatch:
		return boolValue(!matches(l, r))
	}
	return boolValue(false)
}

// equal treats null and the empty string as the same value.
func equal(l, r value) bool {
	if l.re != nil || r.re != nil {
		return false
	}
	return l.str == r.str
}

// matches implements =~. On a list variable it is a membership test: a
// regex operand must match an element and a string operand must equal one.
// On any other value a regex operand is matched and a string operand is a
// substring test.
func matches(l, r value) bool {
	if l.re != nil || (r.list && !l.list) {
		l, r = r, l
	}
	if l.null || l.re != nil {
		return false
	}
	if !l.list {
		if r.re != nil {
			return r.re.MatchString(l.str)
		}
		return strings.Contains(l.str, r.str)
	}
	for _, e := range l.elems() {
		if r.re != nil && r.re.MatchString(e) || r.re == nil && e == r.str {
			return true
		}
	}
	return false
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokEq, tokNe, tokMatch, tokNoMatch:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: op, l: left, r: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("position %d: missing closing parenthesis", t.pos)
		}
		return inner, nil
	case tokVar:
		return variable{name: t.text}, nil
	case tokString:
		return literal{v: value{str: t.text}}, nil
	case tokRegex:
		pattern := t.text
		if t.flags != "" {
			pattern = "(?" + t.flags + ")" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("position %d: %v", t.pos, err)
		}
		return literal{v: value{re: re}}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "null", "nil":
			return literal{v: value{null: true}}, nil
		case "true":
			return literal{v: boolValue(true)}, nil
		case "false":
			return literal{v: boolValue(false)}, nil
		}
		return nil, fmt.Errorf("position %d: unknown identifier %q", t.pos, t.text)
	case tokEOF:
		return nil, fmt.Errorf("position %d: unexpected end of expression", t.pos)
	}
	return nil, fmt.Errorf("position %d: unexpected token", t.pos)
}
