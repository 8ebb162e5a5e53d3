package pipeline

import "sync"

// CostAccumulator is the purely additive per-run token and cost ledger.
// Persistence and charging are the billing collaborator's job; this only
// feeds progress snapshots and the final summary.
type CostAccumulator struct {
	mu           sync.Mutex
	inputTokens  int
	outputTokens int
	costUSD      float64
}

// Record adds one call's usage.
func (c *CostAccumulator) Record(inputTokens, outputTokens int, costUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputTokens += inputTokens
	c.outputTokens += outputTokens
	c.costUSD += costUSD
}

// Snapshot returns the current totals.
func (c *CostAccumulator) Snapshot() UsageSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return UsageSnapshot{
		InputTokens:  c.inputTokens,
		OutputTokens: c.outputTokens,
		CostUSD:      c.costUSD,
	}
}
