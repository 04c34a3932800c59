package permissions

import (
	"sort"
	"strings"
)

type valueKind int

const (
	// unknown values come from anything that depends on request data other
	// than the caller's role. They count as true in a boolean position.
	unknown valueKind = iota
	boolValue
	stringValue
	listValue
	// roleRef is the caller's role, e.g. request.auth.token.role.
	roleRef
	// roleSet is a collection of the caller's roles, e.g. ...token.roles.
	roleSet
	// roleFlag is a per-role boolean claim such as request.auth.token.admin.
	roleFlag
)

type value struct {
	kind valueKind
	b    bool
	s    string
	list []string
}

func boolOf(b bool) value { return value{kind: boolValue, b: b} }

func (v value) truthy() bool {
	return v.kind != boolValue || v.b
}

// asBool resolves a role flag in a boolean position.
func asBool(v value, role string) value {
	if v.kind == roleFlag {
		return boolOf(v.s == role)
	}
	return v
}

const maxCallDepth = 32

// Evaluator decides rule conditions for one role at a time.
type Evaluator struct {
	functions map[string]*Function
	roles     map[string]bool
}

// NewEvaluator returns an evaluator for rs. knownRoles lets undefined
// functions such as isNurse() be read as a check for the "nurse" role.
func NewEvaluator(rs *Ruleset, knownRoles []string) *Evaluator {
	e := &Evaluator{functions: rs.Functions, roles: make(map[string]bool)}
	for _, r := range knownRoles {
		e.roles[r] = true
	}
	return e
}

// Allowed evaluates cond for role. A nil condition allows everything.
func (e *Evaluator) Allowed(cond Node, role string) bool {
	if cond == nil {
		return true
	}
	st := &evalState{role: role, active: make(map[string]bool)}
	return asBool(e.eval(cond, nil, st), role).truthy()
}

type evalState struct {
	role   string
	active map[string]bool
	depth  int
}

func (e *Evaluator) eval(n Node, env map[string]value, st *evalState) value {
	switch n := n.(type) {
	case StringLit:
		return value{kind: stringValue, s: n.Value}
	case BoolLit:
		return boolOf(n.Value)
	case ListLit:
		out := value{kind: listValue}
		for _, el := range n.Elems {
			v := e.eval(el, env, st)
			if v.kind != stringValue {
				return value{}
			}
			out.list = append(out.list, v.s)
		}
		return out
	case Ident:
		if v, ok := env[n.Name]; ok {
			return v
		}
		return value{}
	case Member:
		switch n.Name {
		case "role":
			return value{kind: roleRef}
		case "roles":
			return value{kind: roleSet}
		}
		if e.roles[n.Name] && underToken(n.X) {
			return value{kind: roleFlag, s: n.Name}
		}
		return value{}
	case Index:
		// data['role']
		if s, ok := n.Index.(StringLit); ok {
			return e.eval(Member{X: n.X, Name: s.Value}, env, st)
		}
		return value{}
	case Call:
		return e.call(n, env, st)
	case Unary:
		x := asBool(e.eval(n.X, env, st), st.role)
		if n.Op == "!" && x.kind == boolValue {
			return boolOf(!x.b)
		}
		return value{}
	case Binary:
		return e.binary(n, env, st)
	case Cond:
		c := asBool(e.eval(n.If, env, st), st.role)
		if c.kind != boolValue {
			return value{}
		}
		if c.b {
			return e.eval(n.Then, env, st)
		}
		return e.eval(n.Else, env, st)
	}
	return value{}
}

func (e *Evaluator) binary(n Binary, env map[string]value, st *evalState) value {
	switch n.Op {
	case "&&":
		l := asBool(e.eval(n.L, env, st), st.role)
		if l.kind == boolValue && !l.b {
			return l
		}
		r := asBool(e.eval(n.R, env, st), st.role)
		if l.kind == boolValue && r.kind == boolValue {
			return boolOf(r.b)
		}
		if r.kind == boolValue && !r.b {
			return r
		}
		return value{}
	case "||":
		l := asBool(e.eval(n.L, env, st), st.role)
		if l.kind == boolValue && l.b {
			return l
		}
		r := asBool(e.eval(n.R, env, st), st.role)
		if l.kind == boolValue && r.kind == boolValue {
			return boolOf(r.b)
		}
		if r.kind == boolValue && r.b {
			return r
		}
		return value{}
	case "==", "!=":
		l, r := e.eval(n.L, env, st), e.eval(n.R, env, st)
		v, ok := equal(l, r, st.role)
		if !ok {
			return value{}
		}
		if n.Op == "!=" {
			v = !v
		}
		return boolOf(v)
	case "in":
		l, r := e.eval(n.L, env, st), e.eval(n.R, env, st)
		switch {
		case l.kind == roleRef && r.kind == listValue:
			return boolOf(contains(r.list, st.role))
		case l.kind == stringValue && r.kind == roleSet:
			return boolOf(l.s == st.role)
		case l.kind == stringValue && r.kind == listValue:
			return boolOf(contains(r.list, l.s))
		}
	}
	return value{}
}

func equal(l, r value, role string) (bool, bool) {
	switch {
	case l.kind == roleRef && r.kind == stringValue:
		return r.s == role, true
	case r.kind == roleRef && l.kind == stringValue:
		return l.s == role, true
	case l.kind == roleRef && r.kind == roleRef:
		return true, true
	case l.kind == stringValue && r.kind == stringValue:
		return l.s == r.s, true
	case l.kind == boolValue && r.kind == boolValue:
		return l.b == r.b, true
	case l.kind == roleFlag && r.kind == boolValue:
		return (l.s == role) == r.b, true
	case r.kind == roleFlag && l.kind == boolValue:
		return (r.s == role) == l.b, true
	}
	return false, false
}

func (e *Evaluator) call(n Call, env map[string]value, st *evalState) value {
	switch fn := n.Fn.(type) {
	case Member:
		// roles.hasAny(['a', 'b']) and friends.
		recv := e.eval(fn.X, env, st)
		if recv.kind != roleSet || len(n.Args) != 1 {
			return value{}
		}
		arg := e.eval(n.Args[0], env, st)
		if arg.kind != listValue {
			return value{}
		}
		switch fn.Name {
		case "hasAny", "hasOnly":
			return boolOf(contains(arg.list, st.role))
		case "hasAll":
			for _, r := range arg.list {
				if r != st.role {
					return boolOf(false)
				}
			}
			return boolOf(true)
		}
		return value{}
	case Ident:
		args := make([]value, len(n.Args))
		for i, a := range n.Args {
			args[i] = e.eval(a, env, st)
		}
		if def, ok := e.functions[fn.Name]; ok {
			return e.invoke(def, args, st)
		}
		return e.builtinRoleCheck(fn.Name, args, st.role)
	}
	return value{}
}

func (e *Evaluator) invoke(def *Function, args []value, st *evalState) value {
	if st.active[def.Name] || st.depth >= maxCallDepth {
		return value{}
	}
	st.active[def.Name] = true
	st.depth++
	defer func() {
		delete(st.active, def.Name)
		st.depth--
	}()

	env := make(map[string]value, len(def.Params)+len(def.Lets))
	for i, p := range def.Params {
		if i < len(args) {
			env[p] = args[i]
		}
	}
	for _, l := range def.Lets {
		env[l.Name] = e.eval(l.Expr, env, st)
	}
	return e.eval(def.Body, env, st)
}

// builtinRoleCheck interprets calls to functions the rules file does not
// define. hasRole('admin') style calls with string arguments check the role
// against the arguments; isNurse() checks for a configured "nurse" role.
func (e *Evaluator) builtinRoleCheck(name string, args []value, role string) value {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "role") && len(args) > 0 {
		var lits []string
		for _, a := range args {
			switch a.kind {
			case stringValue:
				lits = append(lits, a.s)
			case listValue:
				lits = append(lits, a.list...)
			default:
				return value{}
			}
		}
		return boolOf(contains(lits, role))
	}
	if len(args) == 0 && strings.HasPrefix(name, "is") {
		if r, ok := e.roleForName(name[2:]); ok {
			return boolOf(r == role)
		}
	}
	return value{}
}

func (e *Evaluator) roleForName(suffix string) (string, bool) {
	want := strings.ToLower(suffix)
	for r := range e.roles {
		if strings.ReplaceAll(strings.ToLower(r), "_", "") == want {
			return r, true
		}
	}
	return "", false
}

// underToken reports whether n is a request.auth.token member chain.
func underToken(n Node) bool {
	for {
		m, ok := n.(Member)
		if !ok {
			return false
		}
		if m.Name == "token" {
			return true
		}
		n = m.X
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// DiscoverRoles returns the role names the rules compare against: string
// literals next to a role reference and arguments of role-check calls.
func DiscoverRoles(rs *Ruleset) []string {
	found := make(map[string]bool)
	var walk func(n Node)
	add := func(n Node) {
		switch v := n.(type) {
		case StringLit:
			found[v.Value] = true
		case ListLit:
			for _, el := range v.Elems {
				if s, ok := el.(StringLit); ok {
					found[s.Value] = true
				}
			}
		}
	}
	walk = func(n Node) {
		switch n := n.(type) {
		case Binary:
			if n.Op == "==" || n.Op == "!=" || n.Op == "in" {
				if isRoleExpr(rs, n.L, 0) {
					add(n.R)
				}
				if isRoleExpr(rs, n.R, 0) {
					add(n.L)
				}
			}
			walk(n.L)
			walk(n.R)
		case Unary:
			walk(n.X)
		case Cond:
			walk(n.If)
			walk(n.Then)
			walk(n.Else)
		case Member:
			walk(n.X)
		case Index:
			walk(n.X)
			walk(n.Index)
		case ListLit:
			for _, el := range n.Elems {
				walk(el)
			}
		case Call:
			switch fn := n.Fn.(type) {
			case Ident:
				if strings.Contains(strings.ToLower(fn.Name), "role") {
					for _, a := range n.Args {
						add(a)
					}
				}
			case Member:
				if fn.Name == "hasAny" || fn.Name == "hasAll" || fn.Name == "hasOnly" {
					if isRoleExpr(rs, fn.X, 0) {
						for _, a := range n.Args {
							add(a)
						}
					}
				}
			}
			walk(n.Fn)
			for _, a := range n.Args {
				walk(a)
			}
		}
	}

	for _, fn := range rs.Functions {
		for _, l := range fn.Lets {
			walk(l.Expr)
		}
		walk(fn.Body)
	}
	for _, a := range rs.Allows {
		if a.Condition != nil {
			walk(a.Condition)
		}
	}

	out := make([]string, 0, len(found))
	for r := range found {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// isRoleExpr reports whether n reads the caller's role, directly or through
// a zero-argument helper such as userRole().
func isRoleExpr(rs *Ruleset, n Node, depth int) bool {
	switch n := n.(type) {
	case Member:
		return n.Name == "role" || n.Name == "roles"
	case Index:
		s, ok := n.Index.(StringLit)
		return ok && (s.Value == "role" || s.Value == "roles")
	case Call:
		id, ok := n.Fn.(Ident)
		if !ok || len(n.Args) != 0 || depth > 4 {
			return false
		}
		if fn, defined := rs.Functions[id.Name]; defined {
			return isRoleExpr(rs, fn.Body, depth+1)
		}
	}
	return false
}
