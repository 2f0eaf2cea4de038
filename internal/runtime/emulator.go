package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// scriptError is a failure of the emulated program.
type scriptError struct {
	Type    string
	Message string
}

func (e *scriptError) Error() string { return e.Type + ": " + e.Message }

func scriptErr(typ, format string, args ...any) *scriptError {
	return &scriptError{Type: typ, Message: fmt.Sprintf(format, args...)}
}

// errNotEmulated marks a statement or expression outside the emulated
// subset. Such statements are skipped.
var errNotEmulated = errors.New("not emulated")

// dialect holds what differs between the emulated languages.
type dialect struct {
	constants map[string]any
	format    func(any) string
	// interpolates reports whether a string literal expands embedded
	// expressions, and with which opening delimiter.
	interpolates func(t token) (open string, ok bool)
	intDivision  bool
}

// interpreter is the shared state of one emulated run.
type interpreter struct {
	d      *dialect
	job    Job
	vars   map[string]any
	out    output
	last   any
	status int
}

func newInterpreter(d *dialect, job Job) *interpreter {
	in := &interpreter{d: d, job: job, vars: make(map[string]any)}
	ctxVars := make(map[string]any, len(job.Context))
	for k, v := range job.Context {
		v = normalizeJSON(v)
		ctxVars[k] = v
		if isIdentifier(k) {
			in.vars[k] = v
		}
	}
	in.vars["context"] = ctxVars
	return in
}

func (in *interpreter) print(line string) {
	in.out.add(line)
}

// run executes statements in order, stopping at the first failure or when
// ctx is done or the job timeout passes.
func (in *interpreter) run(ctx context.Context, stmts []statement, exec func(stmt string) error) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = recovered(p, &in.out)
		}
	}()

	var deadline time.Time
	if in.job.Timeout > 0 {
		deadline = time.Now().Add(in.job.Timeout)
	}

	for _, st := range stmts {
		if ctx.Err() != nil {
			return failed(in.out.snapshot(), "TimeoutError", "execution canceled")
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return failed(in.out.snapshot(), "TimeoutError", "execution timed out after %s", in.job.Timeout)
		}
		if st.err != nil {
			return in.failure(st, st.err)
		}

		err := exec(st.text)
		if errors.Is(err, errNotEmulated) {
			continue
		}
		if errors.Is(err, errExit) {
			break
		}
		if err != nil {
			return in.failure(st, err)
		}
	}

	return Result{Success: true, Output: in.out.snapshot(), Result: in.last}
}

func (in *interpreter) failure(st statement, err error) Result {
	var se *scriptError
	if !errors.As(err, &se) {
		se = scriptErr("Error", "%v", err)
	}
	r := failed(in.out.snapshot(), se.Type, "%s", se.Message)
	r.Error.Stack = fmt.Sprintf("line %d: %s", st.line, st.text)
	return r
}

// errExit stops a run successfully.
var errExit = errors.New("exit")

type statement struct {
	line   int
	indent int
	text   string
	err    error
}

// splitStatements strips comments and joins physical lines while
// brackets are open. Lines that can never balance carry a SyntaxError.
func splitStatements(code string, comment string) []statement {
	var (
		stmts []statement
		buf   strings.Builder
		start  int
		indent int
		depth  int
	)
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	for i, raw := range lines {
		line := stripComment(raw, comment)
		if strings.TrimSpace(line) == "" && depth == 0 {
			continue
		}
		if depth == 0 {
			start = i + 1
			indent = len(line) - len(strings.TrimLeft(line, " \t"))
			buf.Reset()
		} else {
			buf.WriteByte(' ')
		}
		buf.WriteString(strings.TrimSpace(line))

		d, err := bracketDepth(line)
		if err != nil {
			stmts = append(stmts, statement{line: i + 1, text: strings.TrimSpace(raw), err: err})
			return stmts
		}
		depth += d
		if depth < 0 {
			stmts = append(stmts, statement{line: i + 1, text: strings.TrimSpace(raw), err: scriptErr("SyntaxError", "unmatched closing bracket")})
			return stmts
		}
		if depth == 0 {
			stmts = append(stmts, statement{line: start, indent: indent, text: buf.String()})
		}
	}
	if depth > 0 {
		stmts = append(stmts, statement{line: start, text: buf.String(), err: scriptErr("SyntaxError", "unexpected EOF while parsing")})
	}
	return stmts
}

// stripComment removes a trailing comment that starts outside quotes.
func stripComment(line, marker string) string {
	if marker == "" {
		return line
	}
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
		case c == '"' || c == '\'':
			quote = c
		case strings.HasPrefix(line[i:], marker):
			// Ruby interpolation "#{...}" only occurs inside quotes.
			return line[:i]
		}
	}
	return line
}

// bracketDepth returns the net bracket depth change of line, outside quotes.
func bracketDepth(line string) (int, error) {
	depth := 0
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		}
	}
	if quote != 0 {
		return 0, scriptErr("SyntaxError", "unterminated string literal")
	}
	return depth, nil
}

// splitTopLevel splits s at sep where it is outside quotes and brackets.
func splitTopLevel(s string, sep byte) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" || len(parts) > 0 {
		parts = append(parts, rest)
	}
	return parts
}

// Expression language: literals, variables, + - * / %, unary minus,
// indexing, list literals and a few builtin calls.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind   tokenKind
	text   string
	prefix string // lower-cased string prefix such as "f"
	quote  byte
}

func lex(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j := i
			for j < len(src) && (isDigit(src[j]) || src[j] == '.' || src[j] == '_') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: strings.ReplaceAll(src[i:j], "_", "")})
			i = j
		case c == '"' || c == '\'':
			body, n, err := lexString(src[i:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: body, quote: c})
			i += n
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			if j < len(src) && (src[j] == '"' || src[j] == '\'') && isStringPrefix(word) {
				body, n, err := lexString(src[j:])
				if err != nil {
					return nil, err
				}
				toks = append(toks, token{kind: tokString, text: body, prefix: strings.ToLower(word), quote: src[j]})
				i = j + n
				continue
			}
			toks = append(toks, token{kind: tokIdent, text: word})
			i = j
		case strings.IndexByte("+-*/%()[],", c) >= 0:
			toks = append(toks, token{kind: tokOp, text: string(c)})
			i++
		default:
			return nil, errNotEmulated
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

func lexString(s string) (body string, n int, err error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '\'', '"':
				b.WriteByte(s[i])
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
		case c == quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, scriptErr("SyntaxError", "unterminated string literal")
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c|0x20 >= 'a' && c|0x20 <= 'z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

func isStringPrefix(w string) bool {
	switch strings.ToLower(w) {
	case "f", "r", "b", "fr", "rf", "br", "rb":
		return true
	}
	return false
}

func isIdentifier(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}

type parser struct {
	toks []token
	pos  int
	in   *interpreter
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(ops ...string) bool {
	t := p.peek()
	if t.kind != tokOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

func (p *parser) expect(op string) error {
	if !p.isOp(op) {
		return errNotEmulated
	}
	p.next()
	return nil
}

// eval evaluates a complete expression.
func (in *interpreter) eval(src string) (any, error) {
	toks, err := lex(strings.TrimSpace(src))
	if err != nil {
		return nil, err
	}
	if len(toks) == 1 {
		return nil, errNotEmulated
	}
	p := &parser{toks: toks, in: in}
	v, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, errNotEmulated
	}
	return v, nil
}

// evalList evaluates comma-separated expressions.
func (in *interpreter) evalList(src string) ([]any, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	toks, err := lex(strings.TrimSpace(src))
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, in: in}
	var vals []any
	for {
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		if !p.isOp(",") {
			break
		}
		p.next()
	}
	if p.peek().kind != tokEOF {
		return nil, errNotEmulated
	}
	return vals, nil
}

func (p *parser) expr() (any, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.isOp("+", "-") {
		op := p.next().text
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		if left, err = p.in.binary(op, left, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) term() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*", "/", "%") {
		op := p.next().text
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		if left, err = p.in.binary(op, left, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) unary() (any, error) {
	if p.isOp("-", "+") {
		op := p.next().text
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		if op == "+" {
			return v, nil
		}
		return p.in.binary("*", int64(-1), v)
	}
	v, err := p.primary()
	if err != nil {
		return nil, err
	}
	for p.isOp("[") {
		p.next()
		idx, err := p.expr()
		if err != nil {
			return nil, err
		}
		if err := p.expect("]"); err != nil {
			return nil, err
		}
		if v, err = index(v, idx); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (p *parser) primary() (any, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return parseNumber(t.text)
	case tokString:
		if open, ok := p.in.d.interpolates(t); ok {
			return p.in.interpolate(t.text, open)
		}
		return t.text, nil
	case tokIdent:
		if p.isOp("(") {
			p.next()
			args, err := p.args(")")
			if err != nil {
				return nil, err
			}
			return p.in.call(t.text, args)
		}
		if v, ok := p.in.d.constants[t.text]; ok {
			return v, nil
		}
		if v, ok := p.in.vars[t.text]; ok {
			return v, nil
		}
		return nil, scriptErr("NameError", "name '%s' is not defined", t.text)
	case tokOp:
		switch t.text {
		case "(":
			v, err := p.expr()
			if err != nil {
				return nil, err
			}
			return v, p.expect(")")
		case "[":
			args, err := p.args("]")
			if err != nil {
				return nil, err
			}
			return args, nil
		}
	}
	return nil, errNotEmulated
}

func (p *parser) args(closer string) ([]any, error) {
	args := []any{}
	if p.isOp(closer) {
		p.next()
		return args, nil
	}
	for {
		v, err := p.expr()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		if p.isOp(",") {
			p.next()
			continue
		}
		return args, p.expect(closer)
	}
}

func parseNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, scriptErr("SyntaxError", "invalid number literal %q", s)
	}
	return f, nil
}

// interpolate expands open...} sequences in s. "{{" and "}}" stay literal
// braces for the "{" opener.
func (in *interpreter) interpolate(s, open string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		if open == "{" && (strings.HasPrefix(s[i:], "{{") || strings.HasPrefix(s[i:], "}}")) {
			b.WriteByte(s[i])
			i += 2
			continue
		}
		if !strings.HasPrefix(s[i:], open) {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+len(open):], '}')
		if end < 0 {
			return "", scriptErr("SyntaxError", "unterminated interpolation")
		}
		v, err := in.eval(s[i+len(open) : i+len(open)+end])
		if err != nil {
			return "", err
		}
		b.WriteString(in.d.format(v))
		i += len(open) + end + 1
	}
	return b.String(), nil
}

func (in *interpreter) call(name string, args []any) (any, error) {
	arg := func() (any, error) {
		if len(args) != 1 {
			return nil, scriptErr("TypeError", "%s() takes exactly one argument (%d given)", name, len(args))
		}
		return args[0], nil
	}
	switch name {
	case "str":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return in.d.format(v), nil
	case "len":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case string:
			return int64(utf8.RuneCountInString(x)), nil
		case []any:
			return int64(len(x)), nil
		case map[string]any:
			return int64(len(x)), nil
		}
		return nil, scriptErr("TypeError", "object of type %s has no len()", typeName(v))
	case "int":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, scriptErr("ValueError", "invalid literal for int(): %q", x)
			}
			return n, nil
		}
		return nil, scriptErr("TypeError", "int() argument must be a string or a number")
	case "float":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		if f, _, ok := number(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, scriptErr("ValueError", "could not convert string to float: %q", s)
			}
			return f, nil
		}
		return nil, scriptErr("TypeError", "float() argument must be a string or a number")
	case "abs":
		v, err := arg()
		if err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case int64:
			return max(x, -x), nil
		case float64:
			return math.Abs(x), nil
		}
		return nil, scriptErr("TypeError", "bad operand type for abs(): %s", typeName(v))
	}
	return nil, errNotEmulated
}

func errValueTooLarge() error {
	return scriptErr("MemoryError", "string result exceeds %d bytes", maxValueBytes)
}

func number(v any) (f float64, isInt, ok bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true, true
	case float64:
		return x, false, true
	}
	return 0, false, false
}

func (in *interpreter) binary(op string, l, r any) (any, error) {
	switch ls := l.(type) {
	case string:
		switch op {
		case "+":
			if rs, ok := r.(string); ok {
				if len(ls)+len(rs) > maxValueBytes {
					return nil, errValueTooLarge()
				}
				return ls + rs, nil
			}
		case "*":
			if n, ok := r.(int64); ok {
				if n <= 0 || ls == "" {
					return "", nil
				}
				if n > int64(maxValueBytes/len(ls)) {
					return nil, errValueTooLarge()
				}
				return strings.Repeat(ls, int(n)), nil
			}
		}
		return nil, operandError(op, l, r)
	case []any:
		if rl, ok := r.([]any); ok && op == "+" {
			if len(ls)+len(rl) > maxListItems {
				return nil, scriptErr("MemoryError", "list result exceeds %d items", maxListItems)
			}
			return append(append([]any{}, ls...), rl...), nil
		}
		return nil, operandError(op, l, r)
	}

	a, aInt, ok1 := number(l)
	b, bInt, ok2 := number(r)
	if !ok1 || !ok2 {
		return nil, operandError(op, l, r)
	}

	if aInt && bInt {
		x, y := l.(int64), r.(int64)
		switch op {
		case "+":
			return x + y, nil
		case "-":
			return x - y, nil
		case "*":
			return x * y, nil
		case "/":
			if y == 0 {
				return nil, scriptErr("ZeroDivisionError", "division by zero")
			}
			if in.d.intDivision {
				return floorDiv(x, y), nil
			}
			return float64(x) / float64(y), nil
		case "%":
			if y == 0 {
				return nil, scriptErr("ZeroDivisionError", "integer modulo by zero")
			}
			return x - floorDiv(x, y)*y, nil
		}
	}

	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, scriptErr("ZeroDivisionError", "float division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return nil, scriptErr("ZeroDivisionError", "float modulo")
		}
		return a - math.Floor(a/b)*b, nil
	}
	return nil, errNotEmulated
}

func floorDiv(x, y int64) int64 {
	q := x / y
	if (x%y != 0) && ((x < 0) != (y < 0)) {
		q--
	}
	return q
}

func operandError(op string, l, r any) error {
	return scriptErr("TypeError", "unsupported operand type(s) for %s: '%s' and '%s'", op, typeName(l), typeName(r))
}

func index(v, idx any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, scriptErr("KeyError", "%v", idx)
		}
		val, ok := x[key]
		if !ok {
			return nil, scriptErr("KeyError", "'%s'", key)
		}
		return val, nil
	case []any:
		i, ok := idx.(int64)
		if !ok {
			return nil, scriptErr("TypeError", "list indices must be integers")
		}
		if i < 0 {
			i += int64(len(x))
		}
		if i < 0 || i >= int64(len(x)) {
			return nil, scriptErr("IndexError", "list index out of range")
		}
		return x[i], nil
	case string:
		i, ok := idx.(int64)
		if !ok {
			return nil, scriptErr("TypeError", "string indices must be integers")
		}
		runes := []rune(x)
		if i < 0 {
			i += int64(len(runes))
		}
		if i < 0 || i >= int64(len(runes)) {
			return nil, scriptErr("IndexError", "string index out of range")
		}
		return string(runes[i]), nil
	}
	return nil, scriptErr("TypeError", "'%s' object is not subscriptable", typeName(v))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	case map[string]any:
		return "dict"
	}
	return fmt.Sprintf("%T", v)
}

// normalizeJSON turns integral JSON numbers into int64 so they print
// without a fraction.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	case int:
		return int64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeJSON(e)
		}
		return out
	}
	return v
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e16 {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
