package pricing

import (
	"errors"
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func testEngine() *Engine {
	return NewEngine(DefaultTable(), Defaults{Timeout: 5 * time.Second, MemoryBytes: 64 * MiB})
}

func TestParseTier(t *testing.T) {
	for _, s := range []string{"basic", "Standard", " premium ", "ENTERPRISE"} {
		if _, err := ParseTier(s); err != nil {
			t.Errorf("ParseTier(%q) = %v", s, err)
		}
	}
	if _, err := ParseTier("gold"); err == nil {
		t.Error("ParseTier(gold) should fail")
	}
}

func TestTierOrder(t *testing.T) {
	if !(Basic.Rank() < Standard.Rank() && Standard.Rank() < Premium.Rank() && Premium.Rank() < Enterprise.Rank()) {
		t.Error("tiers are not strictly ordered")
	}
	if Tier("gold").Rank() != -1 {
		t.Error("unknown tier should rank -1")
	}
}

func TestDetermineTier(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name   string
		demand Demand
		want   Tier
	}{
		{"defaults fit basic", Demand{ClientID: "c"}, Basic},
		{"timeout at basic max", Demand{Timeout: 10 * time.Second}, Basic},
		{"timeout over basic", Demand{Timeout: 15 * time.Second}, Standard},
		{"timeout over standard", Demand{Timeout: 45 * time.Second}, Premium},
		{"timeout over premium stops at premium", Demand{Timeout: 500 * time.Second}, Premium},
		{"memory over basic", Demand{MemoryBytes: 256 * MiB}, Standard},
		{"memory over standard", Demand{MemoryBytes: 768 * MiB}, Premium},
		{"basic module", Demand{Modules: []string{"math", "json"}}, Basic},
		{"standard module", Demand{Modules: []string{"lodash"}}, Standard},
		{"premium module", Demand{Modules: []string{"math", "numpy"}}, Premium},
		{"unknown module stops at premium", Demand{Modules: []string{"tensorflow"}}, Premium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.DetermineTier(tt.demand); got != tt.want {
				t.Errorf("DetermineTier = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetermineTier_Assignments(t *testing.T) {
	e := testEngine()
	e.Assign("acme", Enterprise)
	e.Assign("mid", Standard)

	if got := e.DetermineTier(Demand{ClientID: "acme", Timeout: 200 * time.Second, Modules: []string{"tensorflow"}}); got != Enterprise {
		t.Errorf("enterprise client got %s", got)
	}
	if got := e.DetermineTier(Demand{ClientID: "mid"}); got != Standard {
		t.Errorf("assigned standard demoted to %s", got)
	}
	if got := e.DetermineTier(Demand{ClientID: "mid", Modules: []string{"pandas"}}); got != Premium {
		t.Errorf("assigned standard with premium module got %s", got)
	}
	if got := e.DetermineTier(Demand{ClientID: "other", Modules: []string{"tensorflow"}}); got == Enterprise {
		t.Error("enterprise must never be inferred")
	}
}

func TestValidate_ScenarioTimeout(t *testing.T) {
	e := testEngine()
	d := Demand{ClientID: "client-1", Timeout: 500 * time.Second}

	tier := e.DetermineTier(d)
	if tier != Premium {
		t.Fatalf("DetermineTier = %s, want premium", tier)
	}

	err := e.Validate(d, tier)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("Validate = %v, want ErrLimitExceeded", err)
	}
	var le *LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LimitError, got %T", err)
	}
	if le.Dimension != "timeout" || le.Tier != Premium {
		t.Errorf("LimitError = %+v", le)
	}
}

func TestValidate_Dimensions(t *testing.T) {
	e := testEngine()

	tests := []struct {
		name      string
		demand    Demand
		tier      Tier
		dimension string // empty means valid
	}{
		{"premium timeout ok", Demand{Timeout: 60 * time.Second}, Premium, ""},
		{"memory over premium", Demand{MemoryBytes: 2048 * MiB}, Premium, "memory"},
		{"module missing on basic", Demand{Modules: []string{"uuid"}}, Basic, "module"},
		{"enterprise allows any module", Demand{Modules: []string{"anything", "else"}}, Enterprise, ""},
		{"timeout checked before memory", Demand{Timeout: time.Hour, MemoryBytes: 8192 * MiB}, Enterprise, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(tt.demand, tt.tier)
			if tt.dimension == "" {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			var le *LimitError
			if !errors.As(err, &le) || le.Dimension != tt.dimension {
				t.Errorf("Validate = %v, want dimension %s", err, tt.dimension)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	e := testEngine()

	r := e.Resolve(Demand{}, Basic)
	if r.Timeout != 5*time.Second || r.MemoryBytes != 64*MiB {
		t.Errorf("defaults not applied: %+v", r)
	}
	if len(r.Modules) != len(DefaultTable()[Basic].AllowedModules) {
		t.Errorf("no declared modules should forward the tier list, got %v", r.Modules)
	}

	r = e.Resolve(Demand{Timeout: 90 * time.Second, MemoryBytes: 2 * MiB, Modules: []string{"math"}}, Premium)
	if r.Timeout != 60*time.Second {
		t.Errorf("timeout not clamped: %s", r.Timeout)
	}
	if r.MemoryBytes != 2*MiB {
		t.Errorf("memory = %d", r.MemoryBytes)
	}
	if len(r.Modules) != 1 || r.Modules[0] != "math" {
		t.Errorf("declared modules = %v", r.Modules)
	}
}

var allModules = []string{"math", "json", "lodash", "uuid", "numpy", "crypto", "tensorflow"}

func drawDemand(rt *rapid.T) Demand {
	return Demand{
		Timeout:     time.Duration(rapid.Int64Range(0, 400_000).Draw(rt, "timeoutMs")) * time.Millisecond,
		MemoryBytes: rapid.Int64Range(0, 5000).Draw(rt, "memoryMB") * MiB,
		Modules:     rapid.SliceOfN(rapid.SampledFrom(allModules), 0, 3).Draw(rt, "modules"),
	}
}

func TestTierMonotonicity(t *testing.T) {
	e := testEngine()

	rapid.Check(t, func(rt *rapid.T) {
		d := drawDemand(rt)

		// accepted by a tier implies accepted by every higher tier
		for i, a := range order {
			if e.Validate(d, a) != nil {
				continue
			}
			for _, b := range order[i+1:] {
				if err := e.Validate(d, b); err != nil {
					rt.Fatalf("accepted by %s but rejected by %s: %v", a, b, err)
				}
			}
		}

		// the determined tier is never above the lowest accepting tier
		got := e.DetermineTier(d)
		for _, a := range []Tier{Basic, Standard, Premium} {
			if e.Validate(d, a) == nil {
				if got.Rank() > a.Rank() {
					rt.Fatalf("determined %s although %s accepts %+v", got, a, d)
				}
				if err := e.Validate(d, got); err != nil {
					rt.Fatalf("determined tier %s rejects demand: %v", got, err)
				}
				break
			}
		}
	})
}

func TestAssign_UnknownTier(t *testing.T) {
	e := testEngine()
	if err := e.Assign("c", Tier("gold")); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("Assign err = %v, want ErrUnknownTier", err)
	}
	if _, ok := e.Assigned("c"); ok {
		t.Error("unknown tier was stored")
	}

	done := make(chan Tier, 1)
	go func() { done <- e.DetermineTier(Demand{ClientID: "c", Timeout: 20 * time.Second}) }()
	select {
	case got := <-done:
		if got != Standard {
			t.Errorf("DetermineTier = %s, want standard", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DetermineTier did not return")
	}
}

func TestTierNeverDemoted(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		e := testEngine()
		assigned := rapid.SampledFrom(order).Draw(rt, "assigned")
		e.Assign("c", assigned)

		d := drawDemand(rt)
		d.ClientID = "c"
		if got := e.DetermineTier(d); got.Rank() < assigned.Rank() {
			rt.Fatalf("assigned %s demoted to %s", assigned, got)
		}
	})
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestComputeUnits(t *testing.T) {
	tests := []struct {
		ms, bytes int64
		want      float64
	}{
		{0, 0, 0},
		{1000, 0, 1},
		{1000, MiB, 1.1},
		{2500, 10 * MiB, 3.5},
		{-5, -MiB, 0},
	}
	for _, tt := range tests {
		if got := ComputeUnits(tt.ms, tt.bytes); !approx(got, tt.want) {
			t.Errorf("ComputeUnits(%d, %d) = %v, want %v", tt.ms, tt.bytes, got, tt.want)
		}
	}
}

func TestCost(t *testing.T) {
	c := NewCalculator(DefaultTable())

	tests := []struct {
		name      string
		ms, bytes int64
		tier      Tier
		want      float64
	}{
		{"basic one second one MiB", 1000, MiB, Basic, 0.0001 + 0.00001},
		{"enterprise", 2000, 4 * MiB, Enterprise, 2*0.001 + 4*0.0001},
		{"negatives clamp", -1000, -MiB, Premium, 0},
		{"unknown tier", 1000, MiB, Tier("gold"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Cost(tt.ms, tt.bytes, tt.tier); !approx(got, tt.want) {
				t.Errorf("Cost = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCostIdempotent(t *testing.T) {
	c := NewCalculator(nil)
	rapid.Check(t, func(rt *rapid.T) {
		ms := rapid.Int64Range(-1000, 1_000_000).Draw(rt, "ms")
		bytes := rapid.Int64Range(-MiB, 8192*MiB).Draw(rt, "bytes")
		tier := rapid.SampledFrom(order).Draw(rt, "tier")

		first := c.Cost(ms, bytes, tier)
		for range 3 {
			if got := c.Cost(ms, bytes, tier); got != first {
				rt.Fatalf("Cost not deterministic: %v then %v", first, got)
			}
		}
		if first < 0 {
			rt.Fatalf("negative cost %v", first)
		}
	})
}
