package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/lessonforge/lessonforge-backend/internal/llm"
)

// ModelPrice holds per-million-token rates, input and output priced separately.
type ModelPrice struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

type PriceTable map[string]ModelPrice

func DefaultPriceTable() PriceTable {
	return PriceTable{
		"gpt-4o":       {InputPerMTok: 2.50, OutputPerMTok: 10.00},
		"gpt-4o-mini":  {InputPerMTok: 0.15, OutputPerMTok: 0.60},
		"gpt-4.1":      {InputPerMTok: 2.00, OutputPerMTok: 8.00},
		"gpt-4.1-mini": {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	}
}

// LoadPriceTable reads a YAML model->price map and merges it over the
// defaults, so a partial file only overrides what it names.
func LoadPriceTable(path string) (PriceTable, error) {
	table := DefaultPriceTable()
	if strings.TrimSpace(path) == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	var loaded PriceTable
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	for model, price := range loaded {
		table[strings.ToLower(strings.TrimSpace(model))] = price
	}
	return table, nil
}

func (t PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := t[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*price.InputPerMTok +
		float64(outputTokens)/1e6*price.OutputPerMTok
}

// StageCost is one entry of the persisted cost breakdown.
type StageCost struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// CostLedger accumulates token usage per stage across a run. Loop iterations
// add onto the same stage entry rather than replacing it. Safe for the
// concurrent early stages.
type CostLedger struct {
	mu        sync.Mutex
	prices    PriceTable
	breakdown map[string]*StageCost
	total     float64
}

func NewCostLedger(prices PriceTable) *CostLedger {
	return &CostLedger{
		prices:    prices,
		breakdown: map[string]*StageCost{},
	}
}

// Seed reloads a prior run's persisted breakdown so that costs stay additive
// across crash/resume boundaries.
func (l *CostLedger) Seed(raw datatypes.JSON) {
	if len(raw) == 0 {
		return
	}
	var prior map[string]StageCost
	if err := json.Unmarshal(raw, &prior); err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for stage, sc := range prior {
		entry := sc
		l.breakdown[stage] = &entry
		l.total += entry.Cost
	}
}

func (l *CostLedger) Record(stage string, comp llm.Completion) {
	cost := l.prices.Cost(comp.Model, comp.InputTokens, comp.OutputTokens)

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.breakdown[stage]
	if !ok {
		entry = &StageCost{}
		l.breakdown[stage] = entry
	}
	entry.InputTokens += comp.InputTokens
	entry.OutputTokens += comp.OutputTokens
	entry.Cost += cost
	l.total += cost
}

func (l *CostLedger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *CostLedger) Breakdown() map[string]StageCost {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]StageCost, len(l.breakdown))
	for stage, entry := range l.breakdown {
		out[stage] = *entry
	}
	return out
}

func (l *CostLedger) BreakdownJSON() datatypes.JSON {
	raw, err := json.Marshal(l.Breakdown())
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(raw)
}
