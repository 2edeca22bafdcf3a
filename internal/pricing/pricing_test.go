package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCostTokenMetered(t *testing.T) {
	table := NewTable(nil)
	// 1M prompt + 1M completion tokens of llm.generate: 3 + 15 credits.
	cost := table.Cost("llm.generate", 1_000_000, 1_000_000)
	if !cost.Equal(decimal.RequireFromString("18")) {
		t.Fatalf("cost = %s, want 18", cost)
	}
}

func TestCostFlat(t *testing.T) {
	table := NewTable(nil)
	cost := table.Cost("tool.search", 0, 0)
	if !cost.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("cost = %s, want 0.005", cost)
	}
}

func TestCostUnknownOperationIsFree(t *testing.T) {
	table := NewTable(nil)
	if !table.Cost("tool.quantum", 500, 500).IsZero() {
		t.Fatal("unknown operation should cost 0")
	}
	if table.Known("tool.quantum") {
		t.Fatal("unknown operation reported as known")
	}
}

func TestOverridesReplaceDefaults(t *testing.T) {
	table := NewTable(map[string]OperationPricing{
		"tool.search": {PerCall: decimal.RequireFromString("0.02")},
		"tool.ocr":    {PerCall: decimal.RequireFromString("0.10")},
	})
	if got := table.Cost("tool.search", 0, 0); !got.Equal(decimal.RequireFromString("0.02")) {
		t.Fatalf("overridden cost = %s, want 0.02", got)
	}
	if got := table.Cost("tool.ocr", 0, 0); !got.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("added cost = %s, want 0.10", got)
	}
}

func TestReloadSwapsOverrides(t *testing.T) {
	table := NewTable(map[string]OperationPricing{
		"tool.search": {PerCall: decimal.RequireFromString("0.02")},
	})
	table.Reload(nil)
	if got := table.Cost("tool.search", 0, 0); !got.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("cost after reload = %s, want built-in 0.005", got)
	}
}

func TestCostRoundsToMicroCredits(t *testing.T) {
	table := NewTable(nil)
	// 7 prompt tokens of llm.embed: 7 * 0.10 / 1M = 0.0000007, rounds to 0.000001.
	cost := table.Cost("llm.embed", 7, 0)
	if cost.Exponent() < -6 {
		t.Fatalf("cost %s has sub-micro precision", cost)
	}
}
