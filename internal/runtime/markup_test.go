package runtime

import (
	"slices"
	"testing"
)

func TestHTML(t *testing.T) {
	r := run(t, &HTMLRuntime{}, Job{Code: `<!DOCTYPE html>
<html><head><title> Demo </title><script>alert(1)</script></head>
<body><h1>Hi</h1><a href="/x">x</a></body></html>`})
	wantOutput(t, r, "Parsed HTML document: 7 elements", "Title: Demo", "Links: 1")

	res := r.Result.(map[string]any)
	if res["title"] != "Demo" {
		t.Errorf("title = %v, want Demo", res["title"])
	}
	counts := res["elements"].(map[string]int)
	if counts["a"] != 1 || counts["h1"] != 1 || counts["script"] != 1 {
		t.Errorf("elements = %v", counts)
	}
	if links := res["links"].([]string); !slices.Equal(links, []string{"/x"}) {
		t.Errorf("links = %v, want [/x]", links)
	}
	if res["text"] != "Hi x" {
		t.Errorf("text = %q, want %q", res["text"], "Hi x")
	}
}

func TestHTML_Fragment(t *testing.T) {
	r := run(t, &HTMLRuntime{}, Job{Code: "<p>unclosed"})
	if !r.Success {
		t.Fatalf("fragment should parse: %+v", r.Error)
	}
	if r.Result.(map[string]any)["text"] != "unclosed" {
		t.Errorf("text = %v", r.Result.(map[string]any)["text"])
	}
}

func TestCSS(t *testing.T) {
	r := run(t, &CSSRuntime{}, Job{Code: `@import url("base.css");
/* layout */
body, p { color: red; margin: 0 }
@media (max-width: 600px) {
  a { color: blue; }
}`})
	wantOutput(t, r, "Parsed stylesheet: 2 rules, 3 selectors, 3 declarations")

	res := r.Result.(map[string]any)
	if res["atRules"] != 2 {
		t.Errorf("atRules = %v, want 2", res["atRules"])
	}
	if sel := res["selectors"].([]string); !slices.Equal(sel, []string{"body", "p", "a"}) {
		t.Errorf("selectors = %v", sel)
	}
}

func TestCSS_Errors(t *testing.T) {
	for name, code := range map[string]string{
		"unclosed block":       "a { color: red",
		"stray brace":          "a { color: red } }",
		"unterminated comment": "/* a { }",
		"missing selector":     "{ color: red }",
	} {
		t.Run(name, func(t *testing.T) {
			wantFailure(t, run(t, &CSSRuntime{}, Job{Code: code}), "SyntaxError")
		})
	}
}
