package pricing

// ComputeUnits normalizes time and memory into one measure:
// seconds + 0.1 * MiB. Negative inputs count as zero.
func ComputeUnits(executionTimeMs, memoryBytes int64) float64 {
	s, mb := normalize(executionTimeMs, memoryBytes)
	return s + 0.1*mb
}

// Calculator prices usage against a tier table.
type Calculator struct {
	table Table
}

func NewCalculator(table Table) *Calculator {
	if table == nil {
		table = DefaultTable()
	}
	return &Calculator{table: table}
}

// Cost returns seconds*costPerSecond + MiB*costPerMB for the tier. An unknown
// tier costs nothing.
func (c *Calculator) Cost(executionTimeMs, memoryBytes int64, tier Tier) float64 {
	l, ok := c.table[tier]
	if !ok {
		return 0
	}
	s, mb := normalize(executionTimeMs, memoryBytes)
	return s*l.CostPerSecond + mb*l.CostPerMB
}

func normalize(ms, bytes int64) (seconds, mb float64) {
	return float64(max(ms, 0)) / 1000, float64(max(bytes, 0)) / MiB
}
