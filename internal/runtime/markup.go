package runtime

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLRuntime parses a document and reports its structure. Scripts are not
// executed.
type HTMLRuntime struct{}

func (h *HTMLRuntime) Name() string { return "html" }

func (h *HTMLRuntime) Validate(code string) error {
	return validateSize(code)
}

func (h *HTMLRuntime) Run(ctx context.Context, job Job) Result {
	doc, err := html.Parse(strings.NewReader(job.Code))
	if err != nil {
		return failed(nil, "SyntaxError", "parsing html: %v", err)
	}

	var (
		counts   = map[string]int{}
		total    int
		title    string
		links    []string
		text     []string
		canceled bool
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if ctx.Err() != nil {
			canceled = true
			return
		}
		switch n.Type {
		case html.ElementNode:
			counts[n.Data]++
			total++
			switch n.DataAtom {
			case atom.Title:
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case atom.A:
				for _, a := range n.Attr {
					if a.Key == "href" {
						links = append(links, a.Val)
					}
				}
			case atom.Script, atom.Style:
				return
			}
		case html.TextNode:
			if n.Parent != nil && n.Parent.DataAtom != atom.Title {
				if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
					text = append(text, t)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if canceled {
		return failed(nil, "TimeoutError", "execution canceled")
	}

	out := []string{fmt.Sprintf("Parsed HTML document: %d elements", total)}
	if title != "" {
		out = append(out, "Title: "+title)
	}
	if len(links) > 0 {
		out = append(out, fmt.Sprintf("Links: %d", len(links)))
	}

	if links == nil {
		links = []string{}
	}
	return Result{
		Success: true,
		Output:  out,
		Result: map[string]any{
			"title":    title,
			"elements": counts,
			"links":    links,
			"text":     strings.Join(text, " "),
		},
	}
}

// CSSRuntime checks stylesheet structure and counts rules, selectors and
// declarations.
type CSSRuntime struct{}

func (c *CSSRuntime) Name() string { return "css" }

func (c *CSSRuntime) Validate(code string) error {
	return validateSize(code)
}

type stylesheet struct {
	rules        int
	atRules      int
	selectors    []string
	declarations int
}

func (c *CSSRuntime) Run(ctx context.Context, job Job) Result {
	src, err := stripCSSComments(job.Code)
	if err != nil {
		return failed(nil, "SyntaxError", "%v", err)
	}
	sheet, err := parseCSS(src)
	if err != nil {
		return failed(nil, "SyntaxError", "%v", err)
	}
	if ctx.Err() != nil {
		return failed(nil, "TimeoutError", "execution canceled")
	}

	selectors := sheet.selectors
	if selectors == nil {
		selectors = []string{}
	}
	return Result{
		Success: true,
		Output: []string{
			fmt.Sprintf("Parsed stylesheet: %d rules, %d selectors, %d declarations",
				sheet.rules, len(sheet.selectors), sheet.declarations),
		},
		Result: map[string]any{
			"rules":        sheet.rules,
			"atRules":      sheet.atRules,
			"selectors":    selectors,
			"declarations": sheet.declarations,
		},
	}
}

func stripCSSComments(src string) (string, error) {
	var b strings.Builder
	for {
		start := strings.Index(src, "/*")
		if start < 0 {
			b.WriteString(src)
			return b.String(), nil
		}
		end := strings.Index(src[start+2:], "*/")
		if end < 0 {
			return "", fmt.Errorf("unterminated comment")
		}
		b.WriteString(src[:start])
		b.WriteByte(' ')
		src = src[start+2+end+2:]
	}
}

func parseCSS(src string) (*stylesheet, error) {
	sheet := &stylesheet{}
	var (
		buf   strings.Builder
		depth int
		line  = 1
	)
	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch ch {
		case '\n':
			line++
			buf.WriteByte(ch)
		case '{':
			header := strings.TrimSpace(buf.String())
			buf.Reset()
			if strings.HasPrefix(header, "@") {
				sheet.atRules++
			} else {
				if header == "" {
					return nil, fmt.Errorf("line %d: rule without selector", line)
				}
				sheet.rules++
				for _, sel := range strings.Split(header, ",") {
					if sel = strings.TrimSpace(sel); sel != "" {
						sheet.selectors = append(sheet.selectors, sel)
					}
				}
			}
			depth++
		case '}':
			if depth == 0 {
				return nil, fmt.Errorf("line %d: unexpected }", line)
			}
			sheet.declarations += countDeclarations(buf.String())
			buf.Reset()
			depth--
		case ';':
			if depth == 0 {
				// statement at-rule such as @import
				if strings.HasPrefix(strings.TrimSpace(buf.String()), "@") {
					sheet.atRules++
				}
				buf.Reset()
				continue
			}
			buf.WriteByte(ch)
		default:
			buf.WriteByte(ch)
		}
	}
	if depth > 0 {
		return nil, fmt.Errorf("unclosed block: %d missing }", depth)
	}
	return sheet, nil
}

func countDeclarations(body string) int {
	n := 0
	for _, decl := range strings.Split(body, ";") {
		if prop, val, ok := strings.Cut(decl, ":"); ok && strings.TrimSpace(prop) != "" && strings.TrimSpace(val) != "" {
			n++
		}
	}
	return n
}
