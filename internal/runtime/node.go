package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// maxTimers bounds how many setTimeout callbacks one run may schedule.
const maxTimers = 10_000

// stringGuard wraps the String methods that allocate by a caller-chosen
// length so oversized results throw RangeError inside the program.
var stringGuard = fmt.Sprintf(`(function () {
	var limit = %d;
	["repeat", "padStart", "padEnd"].forEach(function (name) {
		var orig = String.prototype[name];
		Object.defineProperty(String.prototype, name, {
			value: function (n) {
				var size = name === "repeat" ? this.length * Math.floor(Number(n)) : Number(n);
				if (size > limit) {
					throw new RangeError("Invalid string length");
				}
				return orig.apply(this, arguments);
			},
			writable: true,
			configurable: true
		});
	});
})();`, maxValueBytes)

// JavaScriptRuntime runs code in a fresh goja VM. TypeScript is executed as
// JavaScript; no transpilation happens, so type annotations are syntax
// errors.
type JavaScriptRuntime struct {
	TypeScript bool
}

func (j *JavaScriptRuntime) Name() string {
	if j.TypeScript {
		return "typescript"
	}
	return "javascript"
}

func (j *JavaScriptRuntime) Validate(code string) error {
	return validateSize(code)
}

type timer struct {
	id   int64
	at   int64 // virtual ms since start
	seq  int64
	fn   goja.Callable
	args []goja.Value
}

// timerQueue runs setTimeout callbacks after the main body, ordered by
// delay and then by scheduling order. Time is virtual: nothing sleeps.
type timerQueue struct {
	now     int64
	nextID  int64
	pending []*timer
}

func (q *timerQueue) add(fn goja.Callable, delay int64, args []goja.Value) (int64, error) {
	if len(q.pending) >= maxTimers {
		return 0, fmt.Errorf("too many pending timers (max %d)", maxTimers)
	}
	q.nextID++
	q.pending = append(q.pending, &timer{
		id:   q.nextID,
		at:   q.now + max(delay, 0),
		seq:  q.nextID,
		fn:   fn,
		args: args,
	})
	return q.nextID, nil
}

func (q *timerQueue) cancel(id int64) {
	for i, t := range q.pending {
		if t.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *timerQueue) pop() *timer {
	if len(q.pending) == 0 {
		return nil
	}
	sort.SliceStable(q.pending, func(a, b int) bool {
		if q.pending[a].at != q.pending[b].at {
			return q.pending[a].at < q.pending[b].at
		}
		return q.pending[a].seq < q.pending[b].seq
	})
	t := q.pending[0]
	q.pending = q.pending[1:]
	q.now = t.at
	return t
}

func (j *JavaScriptRuntime) Run(ctx context.Context, job Job) (res Result) {
	out := &output{}
	defer func() {
		if p := recover(); p != nil {
			res = recovered(p, out)
		}
	}()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	timers := &timerQueue{}

	if err := j.install(vm, job, out, timers); err != nil {
		return failed(nil, "InternalError", "setting up runtime: %v", err)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	watchdog := time.AfterFunc(timeout, func() {
		vm.Interrupt(fmt.Sprintf("execution timed out after %s", timeout))
	})
	defer watchdog.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("execution canceled")
	})
	defer stop()

	value, err := vm.RunString(job.Code)
	if err != nil {
		return jsFailure(out.snapshot(), err)
	}

	for t := timers.pop(); t != nil; t = timers.pop() {
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return jsFailure(out.snapshot(), err)
		}
	}

	return Result{
		Success: true,
		Output:  out.snapshot(),
		Result:  exportValue(value),
	}
}

func (j *JavaScriptRuntime) install(vm *goja.Runtime, job Job, out *output, timers *timerQueue) error {
	console := vm.NewObject()
	levels := map[string]string{
		"log":   "",
		"info":  "",
		"debug": "",
		"warn":  "[warn] ",
		"error": "[error] ",
	}
	for level, prefix := range levels {
		if err := console.Set(level, func(call goja.FunctionCall) goja.Value {
			out.add(prefix + formatArgs(call.Arguments))
			return goja.Undefined()
		}); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	if err := vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("setTimeout callback must be a function"))
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = call.Arguments[2:]
		}
		id, err := timers.add(fn, call.Argument(1).ToInteger(), args)
		if err != nil {
			throwError(vm, "RangeError", err.Error())
		}
		return vm.ToValue(id)
	}); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", func(call goja.FunctionCall) goja.Value {
		timers.cancel(call.Argument(0).ToInteger())
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if err := vm.Set("require", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if !job.ModuleAllowed(name) {
			throwError(vm, "ModuleNotAllowedError", fmt.Sprintf("module %q is not allowed", name))
		}
		switch name {
		case "math":
			return vm.Get("Math")
		case "json":
			return vm.Get("JSON")
		}
		throwError(vm, "ModuleNotFoundError", fmt.Sprintf("module %q is not available in this sandbox", name))
		return goja.Undefined()
	}); err != nil {
		return err
	}

	if _, err := vm.RunString(stringGuard); err != nil {
		return err
	}

	vars := job.Context
	if vars == nil {
		vars = map[string]any{}
	}
	return vm.Set("context", vars)
}

// throwError raises a JS exception with the given name from a Go callback.
func throwError(vm *goja.Runtime, name, msg string) {
	e, err := vm.New(vm.Get("Error"), vm.ToValue(msg))
	if err != nil {
		panic(vm.NewGoError(errors.New(msg)))
	}
	_ = e.Set("name", name)
	panic(e)
}

func formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, formatValue(a))
	}
	return strings.Join(parts, " ")
}

func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if _, ok := goja.AssertFunction(v); ok {
		return "[Function]"
	}
	if obj, ok := v.(*goja.Object); ok && obj.ClassName() != "Error" {
		if b, err := json.Marshal(obj.Export()); err == nil {
			return string(b)
		}
	}
	return v.String()
}

// exportValue turns the completion value into something JSON can carry.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if _, ok := goja.AssertFunction(v); ok {
		return v.String()
	}
	exported := v.Export()
	if _, err := json.Marshal(exported); err != nil {
		return v.String()
	}
	return exported
}

func jsFailure(out []string, err error) Result {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return failed(out, "TimeoutError", "%v", interrupted.Value())
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		r := failed(out, "Error", "%s", ex.Error())
		r.Error.Stack = ex.String()
		if obj, ok := ex.Value().(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				r.Error.Type = name.String()
			}
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				r.Error.Message = msg.String()
			}
		} else {
			// throw of a primitive value
			r.Error.Message = formatValue(ex.Value())
		}
		return r
	}
	return failed(out, "Error", "%v", err)
}
