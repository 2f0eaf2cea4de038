// Package runtime holds the per-language executors used by the sandbox
// worker. JavaScript runs in an embedded VM; the other languages are
// line-oriented emulations that preserve the output contract, not real
// interpreters.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	maxCodeBytes = 1 << 20

	// Limits on what a program may produce. A string value over
	// maxValueBytes fails with MemoryError; output past the line or byte
	// cap is dropped and marked with truncatedMarker.
	maxValueBytes  = 16 << 20
	maxListItems   = 1 << 20
	maxOutputLines = 10000
	maxOutputBytes = 1 << 20
)

const truncatedMarker = "[output truncated]"

var ErrUnsupportedLanguage = errors.New("unsupported language")

// Job is one piece of code to run.
type Job struct {
	Code           string
	Language       string
	Timeout        time.Duration
	AllowedModules []string // "*" allows everything
	Context        map[string]any
}

// ModuleAllowed reports whether the job may load module.
func (j Job) ModuleAllowed(module string) bool {
	return slices.Contains(j.AllowedModules, "*") || slices.Contains(j.AllowedModules, module)
}

// Failure describes why the submitted program failed.
type Failure struct {
	Message string
	Stack   string
	Type    string
}

// Result is what a runtime produced. Success false always carries Error.
type Result struct {
	Success bool
	Output  []string
	Result  any
	Error   *Failure
}

func failed(output []string, typ, format string, args ...any) Result {
	if output == nil {
		output = []string{}
	}
	return Result{
		Output: output,
		Error:  &Failure{Type: typ, Message: fmt.Sprintf(format, args...)},
	}
}

// output collects printed lines up to the output caps.
type output struct {
	lines     []string
	size      int
	truncated bool
}

func (o *output) add(line string) {
	if o.truncated {
		return
	}
	if len(o.lines) >= maxOutputLines || o.size+len(line) > maxOutputBytes {
		o.truncated = true
		o.lines = append(o.lines, truncatedMarker)
		return
	}
	o.lines = append(o.lines, line)
	o.size += len(line)
}

func (o *output) snapshot() []string {
	return append([]string{}, o.lines...)
}

// recovered turns a panic raised while running a program into a failed
// result.
func recovered(p any, out *output) Result {
	return failed(out.snapshot(), "InternalError", "runtime panic: %v", p)
}

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python", "javascript").
	Name() string

	// Validate checks if the code is acceptable before execution.
	// This is a best-effort pre-check, not a full parser.
	Validate(code string) error

	// Run executes the job. It must return once ctx is done.
	Run(ctx context.Context, job Job) Result
}

func validateSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > maxCodeBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
	aliases  map[string]string
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
		aliases:  make(map[string]string),
	}
	r.Register(&JavaScriptRuntime{})
	r.Register(&JavaScriptRuntime{TypeScript: true})
	r.Register(&PythonRuntime{})
	r.Register(&RubyRuntime{})
	r.Register(&ShellRuntime{})
	r.Register(&HTMLRuntime{})
	r.Register(&CSSRuntime{})

	r.Alias("js", "javascript")
	r.Alias("node", "javascript")
	r.Alias("ts", "typescript")
	r.Alias("py", "python")
	r.Alias("python3", "python")
	r.Alias("rb", "ruby")
	r.Alias("bash", "shell")
	r.Alias("sh", "shell")
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

func (r *Registry) Alias(alias, name string) {
	r.aliases[alias] = name
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	name := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedLanguage, language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	slices.Sort(langs)
	return langs
}
