package runtime

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// PythonRuntime emulates a small, straight-line subset of Python: print,
// imports, assignment, raise and expressions. Function and class bodies are
// not executed; module-level code and the __main__ guard are.
type PythonRuntime struct{}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Validate(code string) error {
	return validateSize(code)
}

var pythonDialect = &dialect{
	constants: map[string]any{"True": true, "False": false, "None": nil},
	format:    formatPython,
	interpolates: func(t token) (string, bool) {
		return "{", strings.Contains(t.prefix, "f")
	},
}

var (
	pyImport     = regexp.MustCompile(`^import\s+(.+)$`)
	pyFromImport = regexp.MustCompile(`^from\s+([\w.]+)\s+import\s+.+$`)
	pyPrint      = regexp.MustCompile(`^print\s*\((.*)\)$`)
	pyRaise      = regexp.MustCompile(`^raise(?:\s+([A-Za-z_]\w*)(?:\s*\((.*)\))?)?$`)
	pyAssign     = regexp.MustCompile(`^([A-Za-z_]\w*)\s*([-+*/%]?)=([^=].*)$`)
	pyMainGuard  = regexp.MustCompile(`^if\s+__name__\s*==\s*['"]__main__['"]\s*:$`)
	pyKeyword    = regexp.MustCompile(`^(pass|return|global|nonlocal|del|assert|break|continue|yield)\b`)
)

func (p *PythonRuntime) Run(ctx context.Context, job Job) Result {
	in := newInterpreter(pythonDialect, job)
	stmts := pythonExecutable(splitStatements(job.Code, "#"))
	return in.run(ctx, stmts, func(stmt string) error {
		return p.exec(in, stmt)
	})
}

// pythonExecutable drops the bodies of def and class blocks and of other
// compound statements, keeping the __main__ guard and try bodies.
func pythonExecutable(stmts []statement) []statement {
	var out []statement
	skipBelow := -1
	for _, st := range stmts {
		if st.err == nil && skipBelow >= 0 && st.indent > skipBelow {
			continue
		}
		skipBelow = -1
		if st.err == nil && strings.HasSuffix(st.text, ":") {
			if !pyMainGuard.MatchString(st.text) && !strings.HasPrefix(st.text, "try") && !strings.HasPrefix(st.text, "finally") {
				skipBelow = st.indent
			}
			continue
		}
		out = append(out, st)
	}
	return out
}

func (p *PythonRuntime) exec(in *interpreter, stmt string) error {
	switch {
	case pyKeyword.MatchString(stmt):
		return errNotEmulated

	case pyImport.MatchString(stmt):
		for _, part := range strings.Split(pyImport.FindStringSubmatch(stmt)[1], ",") {
			name := strings.Fields(part)
			if len(name) == 0 {
				return scriptErr("SyntaxError", "invalid syntax")
			}
			if err := p.checkImport(in, name[0]); err != nil {
				return err
			}
		}
		return nil

	case pyFromImport.MatchString(stmt):
		return p.checkImport(in, pyFromImport.FindStringSubmatch(stmt)[1])

	case pyPrint.MatchString(stmt):
		return p.print(in, pyPrint.FindStringSubmatch(stmt)[1])

	case pyRaise.MatchString(stmt):
		m := pyRaise.FindStringSubmatch(stmt)
		if m[1] == "" {
			return scriptErr("RuntimeError", "No active exception to reraise")
		}
		msg := ""
		if m[2] != "" {
			v, err := in.eval(m[2])
			if err != nil {
				return err
			}
			msg = formatPython(v)
		}
		return scriptErr(m[1], "%s", msg)

	case pyAssign.MatchString(stmt):
		m := pyAssign.FindStringSubmatch(stmt)
		v, err := in.eval(m[3])
		if err != nil {
			return err
		}
		if m[2] != "" {
			cur, ok := in.vars[m[1]]
			if !ok {
				return scriptErr("NameError", "name '%s' is not defined", m[1])
			}
			if v, err = in.binary(m[2], cur, v); err != nil {
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

func (p *PythonRuntime) checkImport(in *interpreter, module string) error {
	base, _, _ := strings.Cut(module, ".")
	if !in.job.ModuleAllowed(base) {
		return scriptErr("ImportError", "import of module '%s' is not allowed", base)
	}
	return nil
}

func (p *PythonRuntime) print(in *interpreter, args string) error {
	sep := " "
	var exprs []string
	for _, arg := range splitTopLevel(args, ',') {
		name, val, ok := strings.Cut(arg, "=")
		if ok && isIdentifier(strings.TrimSpace(name)) && !strings.HasPrefix(val, "=") {
			if strings.TrimSpace(name) == "sep" {
				v, err := in.eval(val)
				if err != nil {
					return err
				}
				sep = formatPython(v)
			}
			continue
		}
		exprs = append(exprs, arg)
	}

	parts := make([]string, 0, len(exprs))
	for _, e := range exprs {
		v, err := in.eval(e)
		if err != nil {
			return err
		}
		parts = append(parts, formatPython(v))
	}
	for _, line := range strings.Split(strings.Join(parts, sep), "\n") {
		in.print(line)
	}
	return nil
}

func formatPython(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case string:
		return x
	}
	return reprPython(v)
}

func reprPython(v any) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", `\'`) + "'"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = reprPython(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		parts := make([]string, 0, len(x))
		for _, k := range sortedKeys(x) {
			parts = append(parts, reprPython(k)+": "+reprPython(x[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return formatPython(v)
}
