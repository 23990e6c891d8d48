package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CostTable holds the fixed credit costs. Scrape cost is computed from limit
// and time filter and is not overridable here.
type CostTable struct {
	// AnalysisRegenerate is the cost of an analysis regenerate; first-time
	// analysis is free.
	AnalysisRegenerate int `yaml:"analysis_regenerate"`
	// RecommendationsFirst is the cost of a first-time recommendations run.
	RecommendationsFirst int `yaml:"recommendations_first"`
	// RecommendationsRegenerate is the cost of a recommendations regenerate.
	RecommendationsRegenerate int `yaml:"recommendations_regenerate"`
	// CancelRefund is credited back on any successful cancellation.
	CancelRefund int `yaml:"cancel_refund"`
}

// DefaultCosts returns the built-in cost table.
func DefaultCosts() CostTable {
	return CostTable{
		AnalysisRegenerate:        1,
		RecommendationsFirst:      2,
		RecommendationsRegenerate: 1,
		CancelRefund:              1,
	}
}

// Costs returns the effective cost table: defaults overlaid with the YAML
// file at CostConfigPath when set.
func (c Config) Costs() (CostTable, error) {
	t := DefaultCosts()
	if c.CostConfigPath == "" {
		return t, nil
	}
	b, err := os.ReadFile(c.CostConfigPath)
	if err != nil {
		return t, fmt.Errorf("op=config.Costs.read: %w", err)
	}
	if err := yaml.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("op=config.Costs.parse: %w", err)
	}
	return t, nil
}
