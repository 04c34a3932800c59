package permissions

import (
	"fmt"
	"strings"
)

// Node is a parsed rules expression.
type Node interface{}

type (
	StringLit struct{ Value string }
	BoolLit   struct{ Value bool }
	// OpaqueLit stands for numbers, null, paths and maps; they never decide
	// a role check.
	OpaqueLit struct{ Text string }
	Ident     struct{ Name string }
	Member    struct {
		X    Node
		Name string
	}
	Index struct{ X, Index Node }
	Call  struct {
		Fn   Node
		Args []Node
	}
	ListLit struct{ Elems []Node }
	Unary   struct {
		Op string
		X  Node
	}
	Binary struct {
		Op   string
		L, R Node
	}
	Cond struct{ If, Then, Else Node }
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokPath
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	expectOperand := true
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
			continue
		case c == '\'' || c == '"':
			end := skipString(src, i)
			if end > len(src) || src[end-1] != c || end-i < 2 {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			toks = append(toks, token{tokString, unquote(src[i+1 : end-1]), i})
			i = end
			expectOperand = false
		case c == '/' && expectOperand:
			end := pathEnd(src, i)
			toks = append(toks, token{tokPath, src[i:end], i})
			i = end
			expectOperand = false
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
			expectOperand = false
		case isWordByte(c) || c == '$':
			j := i + 1
			for j < len(src) && (isWordByte(src[j]) || src[j] == '$') {
				j++
			}
			word := src[i:j]
			toks = append(toks, token{tokIdent, word, i})
			i = j
			expectOperand = word == "in" || word == "is" || word == "return"
		default:
			op := string(c)
			if i+1 < len(src) {
				switch two := src[i : i+2]; two {
				case "==", "!=", "<=", ">=", "&&", "||":
					op = two
				}
			}
			if !strings.Contains("()[]{},.!=<>&|+-*/%?:", string(c)) {
				return nil, fmt.Errorf("unexpected %q at %d", c, i)
			}
			toks = append(toks, token{tokPunct, op, i})
			i += len(op)
			expectOperand = op != ")" && op != "]" && op != "}"
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// pathEnd finds the end of a path literal such as
// /databases/$(database)/documents/users/$(request.auth.uid).
func pathEnd(src string, i int) int {
	depth := 0
	for j := i; j < len(src); j++ {
		switch src[j] {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				return j
			}
			depth--
		case ',', ' ', '\t', '\n', ']':
			if depth == 0 {
				return j
			}
		}
	}
	return len(src)
}

func unquote(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

type exprParser struct {
	toks []token
	pos  int
}

// ParseExpr parses a rules condition.
func ParseExpr(src string) (Node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	n, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return n, nil
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) accept(op string) bool {
	if t := p.peek(); (t.kind == tokPunct || t.kind == tokIdent) && t.text == op {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) expect(op string) error {
	if !p.accept(op) {
		t := p.peek()
		return fmt.Errorf("expected %q at %d, got %q", op, t.pos, t.text)
	}
	return nil
}

func (p *exprParser) ternary() (Node, error) {
	c, err := p.or()
	if err != nil || !p.accept("?") {
		return c, err
	}
	a, err := p.ternary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	b, err := p.ternary()
	if err != nil {
		return nil, err
	}
	return Cond{If: c, Then: a, Else: b}, nil
}

func (p *exprParser) or() (Node, error) {
	return p.binaryLevel(p.and, "||")
}

func (p *exprParser) and() (Node, error) {
	return p.binaryLevel(p.comparison, "&&")
}

func (p *exprParser) comparison() (Node, error) {
	return p.binaryLevel(p.additive, "==", "!=", "<", "<=", ">", ">=", "in", "is")
}

func (p *exprParser) additive() (Node, error) {
	return p.binaryLevel(p.multiplicative, "+", "-")
}

func (p *exprParser) multiplicative() (Node, error) {
	return p.binaryLevel(p.unary, "*", "/", "%")
}

func (p *exprParser) binaryLevel(operand func() (Node, error), ops ...string) (Node, error) {
	l, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op := ""
		for _, o := range ops {
			if p.accept(o) {
				op = o
				break
			}
		}
		if op == "" {
			return l, nil
		}
		r, err := operand()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: op, L: l, R: r}
	}
}

func (p *exprParser) unary() (Node, error) {
	for _, op := range []string{"!", "-"} {
		if p.accept(op) {
			x, err := p.unary()
			if err != nil {
				return nil, err
			}
			return Unary{Op: op, X: x}, nil
		}
	}
	return p.postfix()
}

func (p *exprParser) postfix() (Node, error) {
	x, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept("."):
			t := p.next()
			if t.kind != tokIdent {
				return nil, fmt.Errorf("expected field name at %d", t.pos)
			}
			x = Member{X: x, Name: t.text}
		case p.accept("("):
			args, err := p.list(")")
			if err != nil {
				return nil, err
			}
			x = Call{Fn: x, Args: args}
		case p.accept("["):
			i, err := p.ternary()
			if err != nil {
				return nil, err
			}
			// Range syntax a[1:3] is accepted and ignored.
			if p.accept(":") {
				if _, err := p.ternary(); err != nil {
					return nil, err
				}
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			x = Index{X: x, Index: i}
		default:
			return x, nil
		}
	}
}

func (p *exprParser) list(closer string) ([]Node, error) {
	var out []Node
	if p.accept(closer) {
		return out, nil
	}
	for {
		n, err := p.ternary()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		if p.accept(closer) {
			return out, nil
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		if p.accept(closer) {
			return out, nil
		}
	}
}

func (p *exprParser) primary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return StringLit{Value: t.text}, nil
	case tokNumber, tokPath:
		return OpaqueLit{Text: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return BoolLit{Value: true}, nil
		case "false":
			return BoolLit{Value: false}, nil
		case "null":
			return OpaqueLit{Text: t.text}, nil
		}
		return Ident{Name: t.text}, nil
	case tokPunct:
		switch t.text {
		case "(":
			n, err := p.ternary()
			if err != nil {
				return nil, err
			}
			return n, p.expect(")")
		case "[":
			elems, err := p.list("]")
			if err != nil {
				return nil, err
			}
			return ListLit{Elems: elems}, nil
		case "{":
			if err := p.skipMap(); err != nil {
				return nil, err
			}
			return OpaqueLit{Text: "{}"}, nil
		}
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

// skipMap consumes a map literal after its opening brace.
func (p *exprParser) skipMap() error {
	for depth := 1; depth > 0; {
		t := p.next()
		switch {
		case t.kind == tokEOF:
			return fmt.Errorf("unterminated map literal")
		case t.kind == tokPunct && t.text == "{":
			depth++
		case t.kind == tokPunct && t.text == "}":
			depth--
		}
	}
	return nil
}
