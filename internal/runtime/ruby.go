package runtime

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// RubyRuntime emulates straight-line Ruby: puts, print, p, require, raise,
// assignment and "#{}" interpolation. Method and class bodies do not run.
type RubyRuntime struct{}

func (r *RubyRuntime) Name() string { return "ruby" }

func (r *RubyRuntime) Validate(code string) error {
	return validateSize(code)
}

var rubyDialect = &dialect{
	constants: map[string]any{"true": true, "false": false, "nil": nil},
	format:    formatRuby,
	interpolates: func(t token) (string, bool) {
		return "#{", t.quote == '"'
	},
	intDivision: true,
}

var (
	rbRequire = regexp.MustCompile(`^require(?:_relative)?\s*\(?\s*(['"][^'"]*['"])\s*\)?$`)
	rbOutput  = regexp.MustCompile(`^(puts|print|p)(?:\s+(.*)|\s*\((.*)\))?$`)
	rbRaise   = regexp.MustCompile(`^raise(?:\s+(.+))?$`)
	rbRaiseOf = regexp.MustCompile(`^([A-Z]\w*)(?:\.new\s*(?:\((.*)\))?|\s*,\s*(.+))?$`)
	rbAssign  = regexp.MustCompile(`^([a-z_]\w*)\s*([-+*/%]?)=([^=~].*)$`)
	rbBlock   = regexp.MustCompile(`^(def|class|module)\b`)
	rbOpener  = regexp.MustCompile(`^(if|unless|while|until|case|begin|for)\b|\bdo(\s*\|[^|]*\|)?$`)
	rbKeyword = regexp.MustCompile(`^(end|else|elsif|rescue|ensure|when|return|next|break|then)\b`)
)

func (r *RubyRuntime) Run(ctx context.Context, job Job) Result {
	in := newInterpreter(rubyDialect, job)
	stmts := rubyExecutable(splitStatements(job.Code, "#"))
	return in.run(ctx, stmts, func(stmt string) error {
		return r.exec(in, stmt)
	})
}

// rubyExecutable drops the bodies of definitions and compound statements
// up to their matching end. begin bodies run; rescue clauses do not.
func rubyExecutable(stmts []statement) []statement {
	var out []statement
	depth := 0
	for _, st := range stmts {
		if st.err != nil {
			out = append(out, st)
			continue
		}
		opens := rbBlock.MatchString(st.text) || rbOpener.MatchString(st.text)
		switch {
		case opens && (strings.HasSuffix(st.text, " end") || strings.HasSuffix(st.text, ";end")):
			// one-liner such as "def x; end"
			continue
		case depth == 0 && strings.HasPrefix(st.text, "begin"):
			continue
		case depth == 0 && (strings.HasPrefix(st.text, "rescue") || strings.HasPrefix(st.text, "ensure")):
			depth++
			continue
		case opens:
			depth++
			continue
		case strings.HasPrefix(st.text, "end") && isKeywordEnd(st.text):
			depth = max(depth-1, 0)
			continue
		case depth > 0:
			continue
		}
		out = append(out, st)
	}
	return out
}

func isKeywordEnd(s string) bool {
	return s == "end" || !isIdentPart(s[len("end")])
}

func (r *RubyRuntime) exec(in *interpreter, stmt string) error {
	switch {
	case rbKeyword.MatchString(stmt), rbOpener.MatchString(stmt):
		return errNotEmulated

	case rbRequire.MatchString(stmt):
		name := strings.Trim(rbRequire.FindStringSubmatch(stmt)[1], `'"`)
		if !in.job.ModuleAllowed(name) {
			return scriptErr("LoadError", "cannot load such file -- %s", name)
		}
		return nil

	case rbOutput.MatchString(stmt):
		m := rbOutput.FindStringSubmatch(stmt)
		args := m[2] + m[3]
		vals, err := in.evalList(args)
		if err != nil {
			return err
		}
		r.output(in, m[1], vals)
		return nil

	case rbRaise.MatchString(stmt):
		return r.raise(in, rbRaise.FindStringSubmatch(stmt)[1])

	case rbAssign.MatchString(stmt):
		m := rbAssign.FindStringSubmatch(stmt)
		v, err := in.eval(m[3])
		if err != nil {
			return err
		}
		if m[2] != "" {
			if v, err = in.binary(m[2], in.vars[m[1]], v); err != nil {
				return err
			}
		}
		in.vars[m[1]] = v
		return nil
	}

	v, err := in.eval(stmt)
	if err != nil {
		return err
	}
	in.last = v
	return nil
}

func (r *RubyRuntime) output(in *interpreter, verb string, vals []any) {
	switch verb {
	case "puts":
		if len(vals) == 0 {
			in.print("")
		}
		for _, v := range vals {
			if list, ok := v.([]any); ok {
				for _, e := range list {
					in.print(formatRuby(e))
				}
				continue
			}
			for _, line := range strings.Split(formatRuby(v), "\n") {
				in.print(line)
			}
		}
	case "print":
		var b strings.Builder
		for _, v := range vals {
			b.WriteString(formatRuby(v))
		}
		in.print(b.String())
	case "p":
		for _, v := range vals {
			in.print(inspectRuby(v))
		}
		switch len(vals) {
		case 0:
			in.last = nil
		case 1:
			in.last = vals[0]
		default:
			in.last = vals
		}
	}
}

func (r *RubyRuntime) raise(in *interpreter, arg string) error {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return scriptErr("RuntimeError", "unhandled exception")
	}
	if m := rbRaiseOf.FindStringSubmatch(arg); m != nil {
		msg := m[1]
		if expr := m[2] + m[3]; expr != "" {
			v, err := in.eval(expr)
			if err != nil {
				return err
			}
			msg = formatRuby(v)
		}
		return scriptErr(m[1], "%s", msg)
	}
	v, err := in.eval(arg)
	if err != nil {
		return err
	}
	return scriptErr("RuntimeError", "%s", formatRuby(v))
}

func formatRuby(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	return inspectRuby(v)
}

func inspectRuby(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(x)
	case string:
		return strconv.Quote(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = inspectRuby(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		parts := make([]string, 0, len(x))
		for _, k := range sortedKeys(x) {
			parts = append(parts, strconv.Quote(k)+" => "+inspectRuby(x[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return typeName(v)
}
