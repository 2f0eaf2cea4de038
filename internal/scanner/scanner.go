// Package scanner statically screens submitted source code for dangerous
// operations before it is dispatched to a worker. It is a heuristic filter:
// rules are regular expressions evaluated against the full source text.
package scanner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Severity levels for detected issues.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Blocking reports whether an issue of this severity prevents execution.
func (s Severity) Blocking() bool {
	return s >= SeverityHigh
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// IssueType classifies what a matched rule guards against.
type IssueType string

const (
	MaliciousCode       IssueType = "malicious_code"
	ResourceExhaustion  IssueType = "resource_exhaustion"
	DataExfiltration    IssueType = "data_exfiltration"
	PrivilegeEscalation IssueType = "privilege_escalation"
	SandboxEscape       IssueType = "sandbox_escape"
	UnsafeImport        IssueType = "unsafe_import"
)

// Issue is a single rule match in the submitted code.
type Issue struct {
	Type        IssueType `json:"type"`
	Severity    Severity  `json:"severity"`
	Rule        string    `json:"rule"`
	Description string    `json:"description"`
	Line        int       `json:"line,omitempty"`
	Column      int       `json:"column,omitempty"`
}

// Result is the outcome of a scan. Safe is false iff at least one issue is
// high or critical.
type Result struct {
	Safe   bool    `json:"safe"`
	Issues []Issue `json:"issues"`
}

// Rule is one pattern in a language's ordered rule list.
type Rule struct {
	Name        string
	Type        IssueType
	Severity    Severity
	Description string
	Regex       *regexp.Regexp
}

// Scanner evaluates per-language rule lists. It is immutable after
// construction and safe for concurrent use.
type Scanner struct {
	rules    map[string][]Rule
	fallback []Rule
	output   []outputMarker
}

// New creates a scanner with the built-in rule sets.
func New() *Scanner {
	js := append(javascriptRules(), commonRules()...)
	return &Scanner{
		rules: map[string][]Rule{
			"javascript": js,
			"typescript": js,
			"python":     append(pythonRules(), commonRules()...),
			"ruby":       append(rubyRules(), commonRules()...),
			"shell":      append(shellRules(), commonRules()...),
		},
		fallback: append(fallbackRules(), commonRules()...),
		output:   defaultOutputMarkers(),
	}
}

// NormalizeLanguage maps common aliases onto canonical language names.
func NormalizeLanguage(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	switch l {
	case "js", "node", "nodejs":
		return "javascript"
	case "ts":
		return "typescript"
	case "py", "python3":
		return "python"
	case "rb":
		return "ruby"
	case "bash", "sh", "zsh":
		return "shell"
	}
	return l
}

// Rules returns the ordered rule list applied to the given language.
func (s *Scanner) Rules(language string) []Rule {
	if rules, ok := s.rules[NormalizeLanguage(language)]; ok {
		return rules
	}
	return s.fallback
}

// Scan matches every rule for language against code. Each occurrence of a
// pattern produces its own issue.
func (s *Scanner) Scan(code, language string) Result {
	idx := newLineIndex(code)
	res := Result{Safe: true, Issues: []Issue{}}

	for _, rule := range s.Rules(language) {
		for _, loc := range rule.Regex.FindAllStringIndex(code, -1) {
			line, col := idx.position(loc[0])
			res.Issues = append(res.Issues, Issue{
				Type:        rule.Type,
				Severity:    rule.Severity,
				Rule:        rule.Name,
				Description: rule.Description,
				Line:        line,
				Column:      col,
			})
			if rule.Severity.Blocking() {
				res.Safe = false
			}
		}
	}
	return res
}

// Blocking filters issues down to the ones that prevent execution.
func Blocking(issues []Issue) []Issue {
	var out []Issue
	for _, is := range issues {
		if is.Severity.Blocking() {
			out = append(out, is)
		}
	}
	return out
}

type outputMarker struct {
	name   string
	marker string
	detail string
}

func defaultOutputMarkers() []outputMarker {
	return []outputMarker{
		{"passwd_leak", "root:x:0:0", "output contains /etc/passwd content"},
		{"docker_socket", "docker.sock", "output references the Docker socket"},
		{"kernel_version", "Linux version", "output contains host kernel version"},
		{"metadata_credentials", "AccessKeyId", "output resembles cloud metadata credentials"},
	}
}

// ScanOutput checks worker output for signs that the sandbox leaked host
// information. Findings are advisory; the output has already been produced.
func (s *Scanner) ScanOutput(output []string) []Issue {
	var issues []Issue
	for i, line := range output {
		for _, m := range s.output {
			if col := strings.Index(line, m.marker); col >= 0 {
				issues = append(issues, Issue{
					Type:        DataExfiltration,
					Severity:    SeverityHigh,
					Rule:        m.name,
					Description: m.detail,
					Line:        i + 1,
					Column:      utf8.RuneCountInString(line[:col]) + 1,
				})
			}
		}
	}
	return issues
}

// lineIndex maps byte offsets to 1-based line/column pairs.
type lineIndex struct {
	src    string
	starts []int
}

func newLineIndex(src string) lineIndex {
	starts := []int{0}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return lineIndex{src: src, starts: starts}
}

func (li lineIndex) position(offset int) (line, col int) {
	// index of the last line start <= offset
	i := sort.Search(len(li.starts), func(i int) bool { return li.starts[i] > offset }) - 1
	return i + 1, utf8.RuneCountInString(li.src[li.starts[i]:offset]) + 1
}
