package runtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ShellRuntime emulates straight-line POSIX shell: echo, printf, variable
// assignment and expansion, export, set -e/-u, exit, and && / || chains.
// Functions and control structures are skipped.
type ShellRuntime struct{}

func (s *ShellRuntime) Name() string { return "shell" }

func (s *ShellRuntime) Validate(code string) error {
	return validateSize(code)
}

var (
	shAssign = regexp.MustCompile(`^([A-Za-z_]\w*)=(.*)$`)
	shOpener = regexp.MustCompile(`^(if|for|while|until|case|select)\b|^function\s|^[A-Za-z_][\w-]*\s*\(\)\s*\{?$`)
	shCloser = regexp.MustCompile(`^(fi|done|esac|\})(\s|;|$)`)
)

// shell is the state of one emulated shell run.
type shell struct {
	*interpreter
	errexit bool
	nounset bool
	partial bool
}

func (s *ShellRuntime) Run(ctx context.Context, job Job) Result {
	sh := &shell{interpreter: newInterpreter(nil, job)}
	delete(sh.vars, "context")
	for k, v := range sh.vars {
		sh.vars[k] = shellString(v)
	}
	return sh.run(ctx, shellExecutable(splitShell(job.Code)), sh.exec)
}

// splitShell yields one statement per logical line, joining backslash
// continuations. An unterminated quote is a syntax error.
func splitShell(code string) []statement {
	var (
		stmts []statement
		buf   strings.Builder
		start int
	)
	lines := strings.Split(strings.ReplaceAll(code, "\r\n", "\n"), "\n")
	for i, raw := range lines {
		if buf.Len() == 0 {
			start = i + 1
		}
		line := strings.TrimSpace(raw)
		if strings.HasSuffix(line, `\`) {
			buf.WriteString(strings.TrimSuffix(line, `\`))
			buf.WriteByte(' ')
			continue
		}
		buf.WriteString(line)
		text := shellComment(buf.String())
		buf.Reset()
		if quote := openQuote(text); quote != 0 {
			return append(stmts, statement{line: start, text: text,
				err: scriptErr("SyntaxError", "unexpected EOF while looking for matching `%c'", quote)})
		}
		if text = strings.TrimSpace(text); text != "" {
			stmts = append(stmts, statement{line: start, text: text})
		}
	}
	return stmts
}

// shellComment strips a comment starting at a word boundary outside quotes.
func shellComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			}
		case quote == '"':
			if c == '\\' {
				i++
			} else if c == '"' {
				quote = 0
			}
		case c == '\\':
			i++
		case c == '\'' || c == '"':
			quote = c
		case c == '#' && (i == 0 || line[i-1] == ' ' || line[i-1] == '\t' || line[i-1] == ';'):
			return line[:i]
		}
	}
	return line
}

func openQuote(line string) byte {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			}
		case quote == '"':
			if c == '\\' {
				i++
			} else if c == '"' {
				quote = 0
			}
		case c == '\\':
			i++
		case c == '\'' || c == '"':
			quote = c
		}
	}
	return quote
}

// shellExecutable drops function bodies and control structures.
func shellExecutable(stmts []statement) []statement {
	var out []statement
	depth := 0
	for _, st := range stmts {
		switch {
		case st.err != nil:
			out = append(out, st)
		case shOpener.MatchString(st.text):
			if !closesItself(st.text) {
				depth++
			}
		case shCloser.MatchString(st.text):
			depth = max(depth-1, 0)
		case depth == 0:
			out = append(out, st)
		}
	}
	return out
}

func closesItself(s string) bool {
	for _, end := range []string{"fi", "done", "esac", "}"} {
		if strings.HasSuffix(s, "; "+end) || strings.HasSuffix(s, ";"+end) || strings.HasSuffix(s, " "+end) {
			return true
		}
	}
	return false
}

type chainLink struct {
	op  string // "", "&&", "||" or ";"
	cmd string
}

// splitChain splits a line at ;, && and || outside quotes.
func splitChain(line string) []chainLink {
	var (
		links []chainLink
		quote byte
		start int
		op    string
	)
	flush := func(end int, next string) {
		if cmd := strings.TrimSpace(line[start:end]); cmd != "" {
			links = append(links, chainLink{op: op, cmd: cmd})
		}
		op = next
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote == '\'':
			if c == '\'' {
				quote = 0
			}
		case quote == '"':
			if c == '\\' {
				i++
			} else if c == '"' {
				quote = 0
			}
		case c == '\\':
			i++
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			flush(i, ";")
			start = i + 1
		case (c == '&' || c == '|') && i+1 < len(line) && line[i+1] == c:
			flush(i, line[i:i+2])
			i++
			start = i + 1
		}
	}
	flush(len(line), "")
	return links
}

func (sh *shell) exec(line string) error {
	ranLast := true
	for _, link := range splitChain(line) {
		if link.op == ";" {
			if err := sh.checkErrexit(ranLast); err != nil {
				return err
			}
		}
		skip := (link.op == "&&" && sh.status != 0) || (link.op == "||" && sh.status == 0)
		ranLast = !skip
		if skip {
			continue
		}
		if err := sh.command(link.cmd); err != nil && !errors.Is(err, errNotEmulated) {
			return err
		}
	}
	return sh.checkErrexit(ranLast)
}

// checkErrexit applies set -e to the status of the last command run.
func (sh *shell) checkErrexit(ran bool) error {
	if ran && sh.errexit && sh.status != 0 {
		return scriptErr("ExitError", "exit status %d", sh.status)
	}
	return nil
}

func (sh *shell) command(cmd string) error {
	words, err := sh.words(cmd)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	sh.status = 0

	if m := shAssign.FindStringSubmatch(cmd); m != nil && len(words) == 1 {
		sh.vars[m[1]] = strings.TrimPrefix(words[0], m[1]+"=")
		return nil
	}

	switch name, args := words[0], words[1:]; name {
	case "echo":
		sh.echo(args)
	case "printf":
		if len(args) == 0 {
			return scriptErr("UsageError", "printf: usage: printf format [arguments]")
		}
		sh.emit(shellPrintf(args[0], args[1:]), false)
	case "export", "local", "readonly", "declare":
		for _, a := range args {
			if k, v, ok := strings.Cut(a, "="); ok && isIdentifier(k) {
				sh.vars[k] = v
			}
		}
	case "unset":
		for _, a := range args {
			delete(sh.vars, a)
		}
	case "set":
		for _, a := range args {
			if strings.HasPrefix(a, "-") || strings.HasPrefix(a, "+") {
				on := a[0] == '-'
				if strings.ContainsRune(a, 'e') {
					sh.errexit = on
				}
				if strings.ContainsRune(a, 'u') {
					sh.nounset = on
				}
			}
		}
	case "exit":
		code := 0
		if len(args) > 0 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return scriptErr("ExitError", "exit: %s: numeric argument required", args[0])
			}
			code = n & 0xff
		}
		if code != 0 {
			return scriptErr("ExitError", "exit status %d", code)
		}
		return errExit
	case "false":
		sh.status = 1
	case "true", ":", "cd", "shopt", "return":
	default:
		return errNotEmulated
	}
	return nil
}

func (sh *shell) echo(args []string) {
	newline, escapes := true, false
	for len(args) > 0 && len(args[0]) > 1 && args[0][0] == '-' && strings.Trim(args[0][1:], "neE") == "" {
		for _, f := range args[0][1:] {
			switch f {
			case 'n':
				newline = false
			case 'e':
				escapes = true
			case 'E':
				escapes = false
			}
		}
		args = args[1:]
	}
	text := strings.Join(args, " ")
	if escapes {
		text = shellEscapes(text)
	}
	sh.emit(text, newline)
}

// emit appends text to the output. Without a trailing newline the line
// stays open and the next output continues it.
func (sh *shell) emit(text string, newline bool) {
	if newline {
		text += "\n"
	}
	segs := strings.Split(text, "\n")
	for i, seg := range segs {
		last := i == len(segs)-1
		if last && seg == "" {
			if len(segs) > 1 {
				sh.partial = false
			}
			return
		}
		if i == 0 && sh.partial {
			sh.out[len(sh.out)-1] += seg
		} else {
			sh.out = append(sh.out, seg)
		}
		sh.partial = last
	}
}

// words splits cmd into words after quote removal and parameter expansion.
func (sh *shell) words(cmd string) ([]string, error) {
	var (
		words  []string
		cur    strings.Builder
		inWord bool
	)
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c == ' ' || c == '\t':
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		case c == '\'':
			end := strings.IndexByte(cmd[i+1:], '\'')
			if end < 0 {
				return nil, scriptErr("SyntaxError", "unexpected EOF while looking for matching `''")
			}
			cur.WriteString(cmd[i+1 : i+1+end])
			i += end + 1
			inWord = true
		case c == '"':
			j := i + 1
			for ; j < len(cmd) && cmd[j] != '"'; j++ {
				if cmd[j] == '\\' && j+1 < len(cmd) && strings.IndexByte(`"\$`+"`", cmd[j+1]) >= 0 {
					cur.WriteByte(cmd[j+1])
					j++
					continue
				}
				if cmd[j] == '$' {
					n, err := sh.expand(cmd[j:], &cur)
					if err != nil {
						return nil, err
					}
					j += n - 1
					continue
				}
				cur.WriteByte(cmd[j])
			}
			i = j
			inWord = true
		case c == '\\' && i+1 < len(cmd):
			cur.WriteByte(cmd[i+1])
			i++
			inWord = true
		case c == '$':
			n, err := sh.expand(cmd[i:], &cur)
			if err != nil {
				return nil, err
			}
			i += n - 1
			inWord = true
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}

// expand writes the value of the parameter reference at the start of s and
// returns how many bytes it consumed.
func (sh *shell) expand(s string, b *strings.Builder) (int, error) {
	if len(s) < 2 {
		b.WriteByte('$')
		return 1, nil
	}
	switch c := s[1]; {
	case c == '?':
		b.WriteString(strconv.Itoa(sh.status))
		return 2, nil
	case c == '{':
		end := strings.IndexByte(s, '}')
		if end < 0 {
			return 0, scriptErr("SyntaxError", "bad substitution")
		}
		name, def, hasDef := strings.Cut(s[2:end], ":-")
		if v, ok := sh.lookup(name); ok && v != "" {
			b.WriteString(v)
		} else if hasDef {
			b.WriteString(def)
		} else if err := sh.unbound(name, ok); err != nil {
			return 0, err
		}
		return end + 1, nil
	case isIdentStart(c):
		j := 2
		for j < len(s) && isIdentPart(s[j]) {
			j++
		}
		v, ok := sh.lookup(s[1:j])
		if err := sh.unbound(s[1:j], ok); err != nil {
			return 0, err
		}
		b.WriteString(v)
		return j, nil
	}
	b.WriteByte('$')
	return 1, nil
}

func (sh *shell) lookup(name string) (string, bool) {
	v, ok := sh.vars[name]
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

func (sh *shell) unbound(name string, set bool) error {
	if sh.nounset && !set {
		return scriptErr("UnboundVariable", "%s: unbound variable", name)
	}
	return nil
}

func shellString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func shellEscapes(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\\`, `\`).Replace(s)
}

// shellPrintf supports %s, %d and %% and reuses the format while arguments
// remain.
func shellPrintf(format string, args []string) string {
	format = shellEscapes(format)
	var b strings.Builder
	for {
		used := false
		for i := 0; i < len(format); i++ {
			if format[i] != '%' || i+1 >= len(format) {
				b.WriteByte(format[i])
				continue
			}
			i++
			switch format[i] {
			case '%':
				b.WriteByte('%')
			case 's', 'd':
				arg := ""
				if len(args) > 0 {
					arg, args, used = args[0], args[1:], true
				}
				if format[i] == 'd' {
					n, _ := strconv.Atoi(arg)
					arg = strconv.Itoa(n)
				}
				b.WriteString(arg)
			default:
				b.WriteByte('%')
				b.WriteByte(format[i])
			}
		}
		if !used || len(args) == 0 {
			return b.String()
		}
	}
}
