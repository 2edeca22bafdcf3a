// Package pricing maps assistant operations to credit costs.
package pricing

import (
	"sync"

	"github.com/shopspring/decimal"
)

// OperationPricing holds the credit cost of one operation. Token-metered
// operations charge per million tokens; flat operations charge per call.
type OperationPricing struct {
	PromptPer1M     decimal.Decimal
	CompletionPer1M decimal.Decimal
	PerCall         decimal.Decimal
}

// Known operation pricing as of Aug 2026. Add new operations as needed.
var knownOperations = map[string]OperationPricing{
	"llm.generate":   {PromptPer1M: dec("3.00"), CompletionPer1M: dec("15.00")},
	"llm.summarize":  {PromptPer1M: dec("0.25"), CompletionPer1M: dec("1.00")},
	"llm.embed":      {PromptPer1M: dec("0.10")},
	"tool.web_fetch": {PerCall: dec("0.002")},
	"tool.search":    {PerCall: dec("0.005")},
	"tool.shell":     {PerCall: dec("0.001")},
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var million = decimal.New(1, 6)

// Table resolves operation costs, applying per-deployment overrides on top
// of the built-in defaults. Safe for concurrent use; Reload swaps the
// overrides without restarting workers.
type Table struct {
	mu  sync.RWMutex
	ops map[string]OperationPricing
}

// NewTable builds a pricing table. Overrides replace the built-in entry for
// the same operation wholesale.
func NewTable(overrides map[string]OperationPricing) *Table {
	t := &Table{}
	t.Reload(overrides)
	return t
}

// Reload replaces the override set on top of the built-in defaults.
func (t *Table) Reload(overrides map[string]OperationPricing) {
	ops := make(map[string]OperationPricing, len(knownOperations)+len(overrides))
	for op, p := range knownOperations {
		ops[op] = p
	}
	for op, p := range overrides {
		ops[op] = p
	}
	t.mu.Lock()
	t.ops = ops
	t.mu.Unlock()
}

// Known reports whether an operation has a price.
func (t *Table) Known(operation string) bool {
	t.mu.RLock()
	_, ok := t.ops[operation]
	t.mu.RUnlock()
	return ok
}

// Cost returns the credit cost for one invocation of an operation.
// Unknown operations cost 0 (safe default).
func (t *Table) Cost(operation string, promptTokens, completionTokens int64) decimal.Decimal {
	t.mu.RLock()
	p, ok := t.ops[operation]
	t.mu.RUnlock()
	if !ok {
		return decimal.Zero
	}
	cost := p.PerCall
	if promptTokens > 0 {
		cost = cost.Add(decimal.NewFromInt(promptTokens).Mul(p.PromptPer1M).Div(million))
	}
	if completionTokens > 0 {
		cost = cost.Add(decimal.NewFromInt(completionTokens).Mul(p.CompletionPer1M).Div(million))
	}
	// Credits resolve to micro-credit precision.
	return cost.Round(6)
}
