package runtime

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestJavaScript_Console(t *testing.T) {
	js := &JavaScriptRuntime{}
	r := run(t, js, Job{Code: `
console.log("hello", 1 + 1);
console.info({a: 1});
console.warn("careful");
console.error(new Error("oops"));
`})
	wantOutput(t, r, "hello 2", `{"a":1}`, "[warn] careful", "[error] Error: oops")
}

func TestJavaScript_CompletionValue(t *testing.T) {
	r := run(t, &JavaScriptRuntime{}, Job{Code: "const x = 3; x * 2"})
	wantOutput(t, r)
	if fmt.Sprint(r.Result) != "6" {
		t.Errorf("Result = %v, want 6", r.Result)
	}

	r = run(t, &JavaScriptRuntime{}, Job{Code: "({ok: true, items: [1, 2]})"})
	m, ok := r.Result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Errorf("Result = %#v, want object with ok=true", r.Result)
	}
}

func TestJavaScript_SetTimeoutOrder(t *testing.T) {
	r := run(t, &JavaScriptRuntime{}, Job{Code: `
setTimeout(() => console.log("b"), 20);
setTimeout((x) => console.log(x), 10, "a");
const id = setTimeout(() => console.log("never"), 5);
clearTimeout(id);
setTimeout(() => setTimeout(() => console.log("c"), 0), 30);
console.log("main");
`})
	wantOutput(t, r, "main", "a", "b", "c")
}

func TestJavaScript_Throw(t *testing.T) {
	r := run(t, &JavaScriptRuntime{}, Job{Code: `console.log("before"); throw new TypeError("bad value");`})
	wantFailure(t, r, "TypeError")
	if r.Error.Message != "bad value" {
		t.Errorf("Message = %q, want %q", r.Error.Message, "bad value")
	}
	if r.Error.Stack == "" {
		t.Error("Stack should not be empty")
	}
	if len(r.Output) != 1 || r.Output[0] != "before" {
		t.Errorf("Output = %q, want output before the throw", r.Output)
	}

	r = run(t, &JavaScriptRuntime{}, Job{Code: `throw "plain"`})
	wantFailure(t, r, "Error")
	if r.Error.Message != "plain" {
		t.Errorf("Message = %q, want plain", r.Error.Message)
	}
}

func TestJavaScript_SyntaxError(t *testing.T) {
	wantFailure(t, run(t, &JavaScriptRuntime{}, Job{Code: "function ("}), "SyntaxError")
}

func TestJavaScript_Timeout(t *testing.T) {
	start := time.Now()
	r := run(t, &JavaScriptRuntime{}, Job{Code: "while (true) {}", Timeout: 50 * time.Millisecond})
	wantFailure(t, r, "TimeoutError")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %s, want prompt interrupt", elapsed)
	}
}

func TestJavaScript_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r := (&JavaScriptRuntime{}).Run(ctx, Job{Code: "for (;;) {}", Timeout: time.Minute})
	wantFailure(t, r, "TimeoutError")
	if !strings.Contains(r.Error.Message, "canceled") {
		t.Errorf("Message = %q, want cancellation", r.Error.Message)
	}
}

func TestJavaScript_Require(t *testing.T) {
	r := run(t, &JavaScriptRuntime{}, Job{Code: `require("fs")`})
	wantFailure(t, r, "ModuleNotAllowedError")

	r = run(t, &JavaScriptRuntime{}, Job{Code: `require("math").sqrt(16)`, AllowedModules: []string{"math"}})
	wantOutput(t, r)
	if fmt.Sprint(r.Result) != "4" {
		t.Errorf("Result = %v, want 4", r.Result)
	}

	r = run(t, &JavaScriptRuntime{}, Job{Code: `require("lodash")`, AllowedModules: []string{"*"}})
	wantFailure(t, r, "ModuleNotFoundError")
}

func TestJavaScript_Context(t *testing.T) {
	r := run(t, &JavaScriptRuntime{}, Job{
		Code:    "context.user + ':' + context.count",
		Context: map[string]any{"user": "ada", "count": 2},
	})
	wantOutput(t, r)
	if r.Result != "ada:2" {
		t.Errorf("Result = %v, want ada:2", r.Result)
	}
}

func TestJavaScript_FreshScope(t *testing.T) {
	js := &JavaScriptRuntime{}
	wantOutput(t, run(t, js, Job{Code: "var leaked = 1"}))
	wantFailure(t, run(t, js, Job{Code: "leaked"}), "ReferenceError")
}

func TestTypeScript_Name(t *testing.T) {
	ts := &JavaScriptRuntime{TypeScript: true}
	if ts.Name() != "typescript" {
		t.Errorf("Name() = %q, want typescript", ts.Name())
	}
	wantOutput(t, run(t, ts, Job{Code: `console.log("ts")`}), "ts")
}
