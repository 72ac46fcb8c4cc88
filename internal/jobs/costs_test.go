package jobs

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gorm.io/datatypes"

	"github.com/lessonforge/lessonforge-backend/internal/llm"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPriceTableCost(t *testing.T) {
	table := DefaultPriceTable()
	// 1M input at $2.50 + 0.5M output at $10.00
	got := table.Cost("gpt-4o", 1_000_000, 500_000)
	if !almostEqual(got, 2.50+5.00) {
		t.Fatalf("unexpected cost: %f", got)
	}
	if table.Cost("unknown-model", 1000, 1000) != 0 {
		t.Fatalf("unknown model should cost zero")
	}
	if !almostEqual(table.Cost("  GPT-4O  ", 1_000_000, 0), 2.50) {
		t.Fatalf("model lookup should be case and whitespace insensitive")
	}
}

func TestLoadPriceTableMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.yaml")
	yaml := "gpt-4o:\n  input_per_mtok: 1.0\n  output_per_mtok: 2.0\ncustom-model:\n  input_per_mtok: 0.5\n  output_per_mtok: 1.5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write prices file: %v", err)
	}

	table, err := LoadPriceTable(path)
	if err != nil {
		t.Fatalf("LoadPriceTable: %v", err)
	}
	if p := table["gpt-4o"]; p.InputPerMTok != 1.0 || p.OutputPerMTok != 2.0 {
		t.Fatalf("override not applied: %+v", p)
	}
	if p := table["custom-model"]; p.InputPerMTok != 0.5 {
		t.Fatalf("new model not loaded: %+v", p)
	}
	if _, ok := table["gpt-4o-mini"]; !ok {
		t.Fatalf("defaults should survive a partial file")
	}
}

func TestLoadPriceTableEmptyPathReturnsDefaults(t *testing.T) {
	table, err := LoadPriceTable("")
	if err != nil {
		t.Fatalf("LoadPriceTable: %v", err)
	}
	if len(table) != len(DefaultPriceTable()) {
		t.Fatalf("expected default table, got %d entries", len(table))
	}
}

func TestCostLedgerAccumulatesPerStage(t *testing.T) {
	ledger := NewCostLedger(DefaultPriceTable())

	comp := llm.Completion{Model: "gpt-4o-mini", InputTokens: 1000, OutputTokens: 500}
	ledger.Record(StageReviewer, comp)
	ledger.Record(StageReviewer, comp)
	ledger.Record(StageCreator, comp)

	perCall := DefaultPriceTable().Cost("gpt-4o-mini", 1000, 500)
	breakdown := ledger.Breakdown()

	rev := breakdown[StageReviewer]
	if rev.InputTokens != 2000 || rev.OutputTokens != 1000 {
		t.Fatalf("reviewer tokens not accumulated: %+v", rev)
	}
	if !almostEqual(rev.Cost, 2*perCall) {
		t.Fatalf("reviewer cost not accumulated: %f", rev.Cost)
	}
	if !almostEqual(ledger.Total(), 3*perCall) {
		t.Fatalf("total mismatch: %f", ledger.Total())
	}
}

func TestCostLedgerTotalMatchesBreakdownSum(t *testing.T) {
	ledger := NewCostLedger(DefaultPriceTable())
	ledger.Record(StageCreator, llm.Completion{Model: "gpt-4o", InputTokens: 1234, OutputTokens: 567})
	ledger.Record(StageReviewer, llm.Completion{Model: "gpt-4o-mini", InputTokens: 890, OutputTokens: 12})
	ledger.Record(StageRefiner, llm.Completion{Model: "gpt-4.1", InputTokens: 345, OutputTokens: 678})

	sum := 0.0
	for _, entry := range ledger.Breakdown() {
		sum += entry.Cost
	}
	if !almostEqual(ledger.Total(), sum) {
		t.Fatalf("total %f != breakdown sum %f", ledger.Total(), sum)
	}
}

func TestCostLedgerSeedKeepsPriorCosts(t *testing.T) {
	prior := map[string]StageCost{
		StageCreator: {InputTokens: 5000, OutputTokens: 2000, Cost: 0.25},
	}
	raw, _ := json.Marshal(prior)

	ledger := NewCostLedger(DefaultPriceTable())
	ledger.Seed(datatypes.JSON(raw))

	comp := llm.Completion{Model: "gpt-4o-mini", InputTokens: 1000, OutputTokens: 500}
	ledger.Record(StageCreator, comp)

	perCall := DefaultPriceTable().Cost("gpt-4o-mini", 1000, 500)
	entry := ledger.Breakdown()[StageCreator]
	if entry.InputTokens != 6000 {
		t.Fatalf("seeded tokens lost: %+v", entry)
	}
	if !almostEqual(entry.Cost, 0.25+perCall) {
		t.Fatalf("seeded cost lost: %f", entry.Cost)
	}
	if !almostEqual(ledger.Total(), 0.25+perCall) {
		t.Fatalf("total not additive across seed: %f", ledger.Total())
	}
}

func TestCostLedgerSeedIgnoresGarbage(t *testing.T) {
	ledger := NewCostLedger(DefaultPriceTable())
	ledger.Seed(datatypes.JSON([]byte("not json")))
	if ledger.Total() != 0 {
		t.Fatalf("garbage seed should be ignored")
	}
}
