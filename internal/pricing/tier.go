// Package pricing classifies execution requests into capability tiers and
// computes their billable usage.
package pricing

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

const MiB = 1 << 20

// AllModules in a tier's allowed list permits every module.
const AllModules = "*"

var (
	ErrLimitExceeded = errors.New("tier limit exceeded")
	ErrUnknownTier   = errors.New("unknown tier")
)

// Tier names a bundle of limits and price rates. Tiers are totally ordered by
// capability: Basic < Standard < Premium < Enterprise.
type Tier string

const (
	Basic      Tier = "basic"
	Standard   Tier = "standard"
	Premium    Tier = "premium"
	Enterprise Tier = "enterprise"
)

var order = []Tier{Basic, Standard, Premium, Enterprise}

// Rank returns the tier's position in the capability order, or -1.
func (t Tier) Rank() int {
	return slices.Index(order, t)
}

func (t Tier) next() Tier {
	if r := t.Rank(); r >= 0 && r < len(order)-1 {
		return order[r+1]
	}
	return t
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.Rank() < 0 {
		return "", fmt.Errorf("%w %q", ErrUnknownTier, s)
	}
	return t, nil
}

// Limits are the capabilities and price rates of one tier.
type Limits struct {
	CostPerSecond    float64       `json:"costPerSecond"`
	CostPerMB        float64       `json:"costPerMB"`
	MaxExecutionTime time.Duration `json:"maxExecutionTime"`
	MaxMemoryBytes   int64         `json:"maxMemoryLimit"`
	AllowedModules   []string      `json:"allowedModules"`
}

// AllowsModule reports whether module may be imported under these limits.
func (l Limits) AllowsModule(module string) bool {
	return slices.Contains(l.AllowedModules, AllModules) || slices.Contains(l.AllowedModules, module)
}

// Table maps every tier to its limits.
type Table map[Tier]Limits

func DefaultTable() Table {
	basicModules := []string{"math", "json", "datetime", "random", "string"}
	standardModules := append(slices.Clone(basicModules), "collections", "itertools", "re", "lodash", "moment", "uuid")
	premiumModules := append(slices.Clone(standardModules), "numpy", "pandas", "axios", "requests", "crypto")

	return Table{
		Basic: {
			CostPerSecond:    0.0001,
			CostPerMB:        0.00001,
			MaxExecutionTime: 10 * time.Second,
			MaxMemoryBytes:   128 * MiB,
			AllowedModules:   basicModules,
		},
		Standard: {
			CostPerSecond:    0.0002,
			CostPerMB:        0.00002,
			MaxExecutionTime: 30 * time.Second,
			MaxMemoryBytes:   512 * MiB,
			AllowedModules:   standardModules,
		},
		Premium: {
			CostPerSecond:    0.0005,
			CostPerMB:        0.00005,
			MaxExecutionTime: 60 * time.Second,
			MaxMemoryBytes:   1024 * MiB,
			AllowedModules:   premiumModules,
		},
		Enterprise: {
			CostPerSecond:    0.001,
			CostPerMB:        0.0001,
			MaxExecutionTime: 300 * time.Second,
			MaxMemoryBytes:   4096 * MiB,
			AllowedModules:   []string{AllModules},
		},
	}
}

// Demand is what a request asks for. Zero Timeout or MemoryBytes means the
// engine default applies.
type Demand struct {
	ClientID    string
	Timeout     time.Duration
	MemoryBytes int64
	Modules     []string
}

// Defaults fill in omitted demand dimensions.
type Defaults struct {
	Timeout     time.Duration
	MemoryBytes int64
}

// Resolved are the effective limits sent along with a dispatched request.
type Resolved struct {
	Timeout     time.Duration
	MemoryBytes int64
	Modules     []string
}

// LimitError names the dimension of a demand that the tier cannot satisfy.
type LimitError struct {
	Dimension string // timeout, memory or module
	Requested string
	Limit     string
	Tier      Tier
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s %s exceeds %s tier limit %s", e.Dimension, e.Requested, e.Tier, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return ErrLimitExceeded
}

// Engine determines and validates tiers. Assignments may change at runtime.
type Engine struct {
	table    Table
	defaults Defaults

	mu          sync.RWMutex
	assignments map[string]Tier
}

func NewEngine(table Table, defaults Defaults) *Engine {
	if table == nil {
		table = DefaultTable()
	}
	return &Engine{
		table:       table,
		defaults:    defaults,
		assignments: make(map[string]Tier),
	}
}

// Assign pins a client's starting tier. Enterprise is reachable only this way.
func (e *Engine) Assign(clientID string, tier Tier) error {
	if tier.Rank() < 0 {
		return fmt.Errorf("%w %q", ErrUnknownTier, tier)
	}
	e.mu.Lock()
	e.assignments[clientID] = tier
	e.mu.Unlock()
	return nil
}

func (e *Engine) Assigned(clientID string) (Tier, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.assignments[clientID]
	return t, ok
}

func (e *Engine) Table() Table { return e.table }

func (e *Engine) Limits(tier Tier) (Limits, bool) {
	l, ok := e.table[tier]
	return l, ok
}

// DetermineTier starts at the client's assigned tier (basic by default) and
// promotes one step at a time while the demand exceeds the current tier.
// Promotion stops at premium.
func (e *Engine) DetermineTier(d Demand) Tier {
	tier := Basic
	if t, ok := e.Assigned(d.ClientID); ok {
		tier = t
	}
	if tier == Enterprise {
		return tier
	}
	d = e.withDefaults(d)
	for tier.Rank() >= 0 && tier.Rank() < Premium.Rank() && e.check(d, tier) != nil {
		tier = tier.next()
	}
	return tier
}

// Validate re-checks the demand against the tier's limits.
func (e *Engine) Validate(d Demand, tier Tier) error {
	return e.check(e.withDefaults(d), tier)
}

// Resolve returns the effective limits for a validated demand. Declared
// modules are forwarded as-is; with none declared the tier's full list is
// used.
func (e *Engine) Resolve(d Demand, tier Tier) Resolved {
	d = e.withDefaults(d)
	l := e.table[tier]

	r := Resolved{
		Timeout:     min(d.Timeout, l.MaxExecutionTime),
		MemoryBytes: min(d.MemoryBytes, l.MaxMemoryBytes),
		Modules:     slices.Clone(d.Modules),
	}
	if len(r.Modules) == 0 {
		r.Modules = slices.Clone(l.AllowedModules)
	}
	return r
}

func (e *Engine) withDefaults(d Demand) Demand {
	if d.Timeout <= 0 {
		d.Timeout = e.defaults.Timeout
	}
	if d.MemoryBytes <= 0 {
		d.MemoryBytes = e.defaults.MemoryBytes
	}
	return d
}

func (e *Engine) check(d Demand, tier Tier) error {
	l, ok := e.table[tier]
	if !ok {
		return fmt.Errorf("%w: unknown tier %q", ErrLimitExceeded, tier)
	}
	if d.Timeout > l.MaxExecutionTime {
		return &LimitError{
			Dimension: "timeout",
			Requested: fmt.Sprintf("%dms", d.Timeout.Milliseconds()),
			Limit:     fmt.Sprintf("%dms", l.MaxExecutionTime.Milliseconds()),
			Tier:      tier,
		}
	}
	if d.MemoryBytes > l.MaxMemoryBytes {
		return &LimitError{
			Dimension: "memory",
			Requested: fmt.Sprintf("%d bytes", d.MemoryBytes),
			Limit:     fmt.Sprintf("%d bytes", l.MaxMemoryBytes),
			Tier:      tier,
		}
	}
	for _, m := range d.Modules {
		if !l.AllowsModule(m) {
			return &LimitError{
				Dimension: "module",
				Requested: m,
				Limit:     strings.Join(l.AllowedModules, ","),
				Tier:      tier,
			}
		}
	}
	return nil
}
