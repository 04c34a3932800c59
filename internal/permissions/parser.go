// Package permissions derives a per-role permission matrix from a Firestore
// security rules file and mirrors it into Firestore for clients that need to
// know ahead of time what a role may do.
//
// The rules file is not compiled. Comments are stripped, match blocks are
// tracked by brace depth and allow/function statements are picked out with
// regular expressions; only the conditions are parsed into expressions.
package permissions

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Operations in the order they are reported.
var Operations = []string{"get", "list", "create", "update", "delete"}

var opAliases = map[string][]string{
	"read":  {"get", "list"},
	"write": {"create", "update", "delete"},
}

// Function is a rules function definition.
type Function struct {
	Name   string
	Params []string
	Lets   []Let
	Body   Node
}

type Let struct {
	Name string
	Expr Node
}

// Allow is one allow statement with the collection path it applies to.
type Allow struct {
	Collection string
	Ops        []string
	// Condition is nil for an unconditional allow.
	Condition Node
	Line      int
}

// Ruleset is the parsed form of a rules file.
type Ruleset struct {
	Functions map[string]*Function
	Allows    []Allow
}

// Collections returns the distinct collection paths with allow statements.
func (r *Ruleset) Collections() []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range r.Allows {
		if !seen[a.Collection] {
			seen[a.Collection] = true
			out = append(out, a.Collection)
		}
	}
	sort.Strings(out)
	return out
}

var (
	lineComment  = regexp.MustCompile(`//[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)

	matchRe    = regexp.MustCompile(`\Amatch\s+(/(?:[^\s{]|\{[^}]*\})*)\s*\{`)
	functionRe = regexp.MustCompile(`\Afunction\s+(\w+)\s*\(([^)]*)\)\s*\{`)
	allowRe    = regexp.MustCompile(`\Aallow\s+([a-z,\s]+?)\s*(:|;)`)
	ifRe       = regexp.MustCompile(`\A\s*if\b`)
	letRe      = regexp.MustCompile(`\A\s*let\s+(\w+)\s*=`)
	returnRe   = regexp.MustCompile(`\A\s*return\b`)
)

// StripComments removes // and /* */ comments. Line breaks inside block
// comments are kept so line numbers stay meaningful.
func StripComments(src string) string {
	src = blockComment.ReplaceAllStringFunc(src, func(c string) string {
		return strings.Repeat("\n", strings.Count(c, "\n"))
	})
	// Paths in rules never contain "//", but string literals might.
	var b strings.Builder
	for _, line := range strings.SplitAfter(src, "\n") {
		if i := commentStart(line); i >= 0 {
			nl := strings.HasSuffix(line, "\n")
			line = line[:i]
			if nl {
				line += "\n"
			}
		}
		b.WriteString(line)
	}
	return b.String()
}

func commentStart(line string) int {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '/' && i+1 < len(line) && line[i+1] == '/':
			return i
		}
	}
	return -1
}

type block struct {
	path  string
	depth int
}

// Parse reads a rules file.
func Parse(src string) (*Ruleset, error) {
	text := StripComments(src)
	rs := &Ruleset{Functions: make(map[string]*Function)}

	var stack []block
	depth := 0
	for i := 0; i < len(text); {
		if !wordStart(text, i) {
			switch text[i] {
			case '{':
				depth++
			case '}':
				depth--
				if n := len(stack); n > 0 && stack[n-1].depth == depth {
					stack = stack[:n-1]
				}
				if depth < 0 {
					return nil, fmt.Errorf("line %d: unbalanced '}'", lineAt(text, i))
				}
			case '\'', '"':
				i = skipString(text, i)
				continue
			}
			i++
			continue
		}

		rest := text[i:]
		if m := matchRe.FindStringSubmatchIndex(rest); m != nil {
			stack = append(stack, block{path: strings.TrimSpace(rest[m[2]:m[3]]), depth: depth})
			depth++
			i += m[1]
			continue
		}
		if m := functionRe.FindStringSubmatchIndex(rest); m != nil {
			end := matchingBrace(text, i+m[1]-1)
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated function", lineAt(text, i))
			}
			fn, err := parseFunction(rest[m[2]:m[3]], rest[m[4]:m[5]], text[i+m[1]:end])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineAt(text, i), err)
			}
			rs.Functions[fn.Name] = fn
			i = end + 1
			continue
		}
		if m := allowRe.FindStringSubmatchIndex(rest); m != nil {
			a := Allow{
				Collection: collectionPath(stack),
				Ops:        expandOps(rest[m[2]:m[3]]),
				Line:       lineAt(text, i),
			}
			next := i + m[1]
			if rest[m[4]:m[5]] == ":" {
				ifm := ifRe.FindStringIndex(text[next:])
				if ifm == nil {
					return nil, fmt.Errorf("line %d: expected 'if' after allow", a.Line)
				}
				next += ifm[1]
				end := statementEnd(text, next)
				cond, err := ParseExpr(text[next:end])
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", a.Line, err)
				}
				a.Condition = cond
				next = end
				if next < len(text) && text[next] == ';' {
					next++
				}
			}
			if len(a.Ops) > 0 {
				rs.Allows = append(rs.Allows, a)
			}
			i = next
			continue
		}
		i = wordEnd(text, i)
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced braces: %d unclosed", depth)
	}
	return rs, nil
}

func parseFunction(name, params, body string) (*Function, error) {
	fn := &Function{Name: name}
	for _, p := range strings.Split(params, ",") {
		if p = strings.TrimSpace(p); p != "" {
			fn.Params = append(fn.Params, p)
		}
	}

	for {
		m := letRe.FindStringSubmatchIndex(body)
		if m == nil {
			break
		}
		end := statementEnd(body, m[1])
		expr, err := ParseExpr(body[m[1]:end])
		if err != nil {
			return nil, fmt.Errorf("function %s: let %s: %w", name, body[m[2]:m[3]], err)
		}
		fn.Lets = append(fn.Lets, Let{Name: body[m[2]:m[3]], Expr: expr})
		body = body[min(end+1, len(body)):]
	}

	m := returnRe.FindStringIndex(body)
	if m == nil {
		return nil, fmt.Errorf("function %s: missing return", name)
	}
	body = body[m[1]:]
	expr, err := ParseExpr(body[:statementEnd(body, 0)])
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", name, err)
	}
	fn.Body = expr
	return fn, nil
}

// collectionPath turns the enclosing match paths into a collection path:
// the database prefix and wildcard segments are dropped, so
// /databases/{database}/documents + /patients/{id}/visits/{v} becomes
// "patients/visits". A recursive wildcard alone is reported as "*".
func collectionPath(stack []block) string {
	var segs []string
	for _, b := range stack {
		for _, s := range strings.Split(b.path, "/") {
			if s == "" || strings.HasPrefix(s, "{") || strings.HasPrefix(s, "$(") {
				continue
			}
			segs = append(segs, s)
		}
	}
	if len(segs) >= 2 && segs[0] == "databases" && segs[1] == "documents" {
		segs = segs[2:]
	}
	if len(segs) == 0 {
		return "*"
	}
	return strings.Join(segs, "/")
}

func expandOps(list string) []string {
	seen := make(map[string]bool)
	for _, op := range strings.Split(list, ",") {
		op = strings.TrimSpace(op)
		if ops, ok := opAliases[op]; ok {
			for _, o := range ops {
				seen[o] = true
			}
			continue
		}
		for _, o := range Operations {
			if o == op {
				seen[o] = true
			}
		}
	}
	var out []string
	for _, o := range Operations {
		if seen[o] {
			out = append(out, o)
		}
	}
	return out
}

// statementEnd returns the index of the ';' ending the statement starting at
// i, or of the closing brace of the enclosing block when the ';' is omitted.
func statementEnd(text string, i int) int {
	depth := 0
	for j := i; j < len(text); j++ {
		switch text[j] {
		case '\'', '"':
			j = skipString(text, j) - 1
		case '(', '[', '{':
			depth++
		case ')', ']':
			depth--
		case '}':
			if depth == 0 {
				return j
			}
			depth--
		case ';':
			if depth == 0 {
				return j
			}
		}
	}
	return len(text)
}

func matchingBrace(text string, open int) int {
	depth := 0
	for j := open; j < len(text); j++ {
		switch text[j] {
		case '\'', '"':
			j = skipString(text, j) - 1
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

func skipString(text string, i int) int {
	quote := text[i]
	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case quote:
			return j + 1
		}
	}
	return len(text)
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func wordStart(text string, i int) bool {
	return isWordByte(text[i]) && (i == 0 || !isWordByte(text[i-1]))
}

func wordEnd(text string, i int) int {
	for i < len(text) && isWordByte(text[i]) {
		i++
	}
	return i
}

func lineAt(text string, i int) int {
	return strings.Count(text[:i], "\n") + 1
}
