// Package pricing holds per-region model unit prices and the cost
// calculator. All money values are integer micro-USD (1e-6 USD), which gives
// exact 6-decimal precision without floating point drift.
package pricing

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MicrosPerUSD converts whole USD to micro-USD.
const MicrosPerUSD = 1_000_000

// ModelPricing carries the unit prices for one model in one region.
// Prices are micro-USD per 1,000,000 tokens.
type ModelPricing struct {
	ModelID                    string
	Region                     string
	InputPerMillionMicros      int64
	OutputPerMillionMicros     int64
	CacheWritePerMillionMicros int64
	CacheReadPerMillionMicros  int64
	EffectiveDate              time.Time
}

// IsZero reports whether every unit price is zero.
func (p ModelPricing) IsZero() bool {
	return p.InputPerMillionMicros == 0 && p.OutputPerMillionMicros == 0 &&
		p.CacheWritePerMillionMicros == 0 && p.CacheReadPerMillionMicros == 0
}

// Config maps region -> normalized model ID -> pricing. It is safe for
// concurrent use; Reload swaps the table atomically.
type Config struct {
	mu      sync.RWMutex
	regions map[string]map[string]ModelPricing
}

// overrideEntry is the JSON shape accepted by Reload, one entry per model.
// Prices are decimal USD strings ("5.00") to keep config round-trippable.
type overrideEntry struct {
	InputPricePerMillion      string `json:"input_price_per_million"`
	OutputPricePerMillion     string `json:"output_price_per_million"`
	CacheWritePricePerMillion string `json:"cache_write_price_per_million"`
	CacheReadPricePerMillion  string `json:"cache_read_price_per_million"`
	EffectiveDate             string `json:"effective_date"`
}

// NewConfig builds a pricing table from the built-in defaults, then applies
// the optional JSON override (region -> model -> prices). An invalid override
// is logged and ignored so a config typo never breaks billing entirely.
func NewConfig(overrideJSON string) *Config {
	c := &Config{regions: defaultPricing()}
	if strings.TrimSpace(overrideJSON) != "" {
		if errReload := c.Reload(overrideJSON); errReload != nil {
			log.WithError(errReload).Error("invalid model pricing override, using defaults")
		}
	}
	return c
}

// Reload replaces the pricing table with the parsed JSON override.
func (c *Config) Reload(overrideJSON string) error {
	var raw map[string]map[string]overrideEntry
	if errUnmarshal := json.Unmarshal([]byte(overrideJSON), &raw); errUnmarshal != nil {
		return fmt.Errorf("pricing: parse override: %w", errUnmarshal)
	}

	regions := make(map[string]map[string]ModelPricing, len(raw))
	for region, entries := range raw {
		table := make(map[string]ModelPricing, len(entries))
		for modelID, entry := range entries {
			pricing, errBuild := entry.build(modelID, region)
			if errBuild != nil {
				return errBuild
			}
			table[modelID] = pricing
		}
		regions[region] = table
	}

	c.mu.Lock()
	c.regions = regions
	c.mu.Unlock()
	return nil
}

func (e overrideEntry) build(modelID, region string) (ModelPricing, error) {
	input, errInput := ParseUSDMicros(e.InputPricePerMillion)
	if errInput != nil {
		return ModelPricing{}, fmt.Errorf("pricing: %s/%s input price: %w", region, modelID, errInput)
	}
	output, errOutput := ParseUSDMicros(e.OutputPricePerMillion)
	if errOutput != nil {
		return ModelPricing{}, fmt.Errorf("pricing: %s/%s output price: %w", region, modelID, errOutput)
	}
	cacheWrite, errWrite := ParseUSDMicros(e.CacheWritePricePerMillion)
	if errWrite != nil {
		return ModelPricing{}, fmt.Errorf("pricing: %s/%s cache write price: %w", region, modelID, errWrite)
	}
	cacheRead, errRead := ParseUSDMicros(e.CacheReadPricePerMillion)
	if errRead != nil {
		return ModelPricing{}, fmt.Errorf("pricing: %s/%s cache read price: %w", region, modelID, errRead)
	}

	effective := time.Time{}
	if strings.TrimSpace(e.EffectiveDate) != "" {
		parsed, errDate := time.Parse("2006-01-02", e.EffectiveDate)
		if errDate != nil {
			return ModelPricing{}, fmt.Errorf("pricing: %s/%s effective date: %w", region, modelID, errDate)
		}
		effective = parsed
	}

	return ModelPricing{
		ModelID:                    modelID,
		Region:                     region,
		InputPerMillionMicros:      input,
		OutputPerMillionMicros:     output,
		CacheWritePerMillionMicros: cacheWrite,
		CacheReadPerMillionMicros:  cacheRead,
		EffectiveDate:              effective,
	}, nil
}

// DefaultRegion is the pricing table every unknown region falls back to.
const DefaultRegion = "ap-northeast-2"

// Pricing resolves unit prices for a model in a region. The model ID is
// normalized first (Bedrock prefixes stripped, family keyword fallback);
// unknown regions fall back to the default region's table.
func (c *Config) Pricing(modelID, region string) (ModelPricing, error) {
	normalized := NormalizeModelID(modelID)

	c.mu.RLock()
	defer c.mu.RUnlock()

	table, ok := c.regions[region]
	if !ok {
		table, ok = c.regions[DefaultRegion]
	}
	if !ok {
		return ModelPricing{}, fmt.Errorf("pricing: no pricing for region %s", region)
	}
	pricing, ok := table[normalized]
	if !ok {
		return ModelPricing{}, fmt.Errorf("pricing: no pricing for model %s in region %s", normalized, region)
	}
	return pricing, nil
}

// ZeroPricing is the fallback used when lookup fails: every unit price is
// zero so the usage row is still written, just with no cost attached.
func ZeroPricing(modelID, region string) ModelPricing {
	return ModelPricing{
		ModelID: NormalizeModelID(modelID),
		Region:  region,
	}
}

// NormalizeModelID maps a requested or Bedrock model ID to the canonical
// pricing key. Unknown IDs fall back to a family keyword match so a new
// model revision still bills at its family rate.
func NormalizeModelID(modelID string) string {
	id := strings.ToLower(strings.TrimSpace(modelID))
	id = strings.TrimPrefix(id, "global.")
	id = strings.TrimPrefix(id, "anthropic.")
	if idx := strings.Index(id, ":"); idx >= 0 {
		id = id[:idx]
	}

	for _, family := range []string{"claude-opus-4-5", "claude-sonnet-4-5", "claude-haiku-4-5"} {
		if strings.HasPrefix(id, family) {
			return family
		}
	}
	switch {
	case strings.Contains(id, "opus"):
		return "claude-opus-4-5"
	case strings.Contains(id, "sonnet"):
		return "claude-sonnet-4-5"
	case strings.Contains(id, "haiku"):
		return "claude-haiku-4-5"
	}
	return id
}

// ParseUSDMicros parses a decimal USD string ("5.00", "0.125") into
// micro-USD without going through floating point.
func ParseUSDMicros(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty price")
	}

	negative := false
	if strings.HasPrefix(trimmed, "-") {
		negative = true
		trimmed = trimmed[1:]
	}

	whole := trimmed
	frac := ""
	if idx := strings.Index(trimmed, "."); idx >= 0 {
		whole, frac = trimmed[:idx], trimmed[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 6 {
		frac = frac[:6]
	}
	for len(frac) < 6 {
		frac += "0"
	}

	var micros int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid price %q", value)
		}
		micros = micros*10 + int64(r-'0')
	}
	if negative {
		micros = -micros
	}
	return micros, nil
}

// defaultPricing returns the built-in table for ap-northeast-2 (Seoul).
func defaultPricing() map[string]map[string]ModelPricing {
	const region = "ap-northeast-2"
	effective := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	build := func(modelID string, input, output, cacheWrite, cacheRead int64) ModelPricing {
		return ModelPricing{
			ModelID:                    modelID,
			Region:                     region,
			InputPerMillionMicros:      input,
			OutputPerMillionMicros:     output,
			CacheWritePerMillionMicros: cacheWrite,
			CacheReadPerMillionMicros:  cacheRead,
			EffectiveDate:              effective,
		}
	}

	return map[string]map[string]ModelPricing{
		region: {
			"claude-opus-4-5":   build("claude-opus-4-5", 5_000_000, 25_000_000, 6_250_000, 500_000),
			"claude-sonnet-4-5": build("claude-sonnet-4-5", 3_000_000, 15_000_000, 3_750_000, 300_000),
			"claude-haiku-4-5":  build("claude-haiku-4-5", 1_000_000, 5_000_000, 1_250_000, 100_000),
		},
	}
}
