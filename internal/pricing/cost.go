package pricing

// CostBreakdown itemizes the cost of one request in micro-USD.
type CostBreakdown struct {
	InputMicros      int64
	OutputMicros     int64
	CacheWriteMicros int64
	CacheReadMicros  int64
	TotalMicros      int64
}

// CalculateCost applies unit prices to token counts. Each line item is
// tokens/1,000,000 x price, rounded half-up at micro-USD resolution.
func CalculateCost(inputTokens, outputTokens, cacheWriteTokens, cacheReadTokens int64, p ModelPricing) CostBreakdown {
	breakdown := CostBreakdown{
		InputMicros:      tokenCostMicros(inputTokens, p.InputPerMillionMicros),
		OutputMicros:     tokenCostMicros(outputTokens, p.OutputPerMillionMicros),
		CacheWriteMicros: tokenCostMicros(cacheWriteTokens, p.CacheWritePerMillionMicros),
		CacheReadMicros:  tokenCostMicros(cacheReadTokens, p.CacheReadPerMillionMicros),
	}
	breakdown.TotalMicros = breakdown.InputMicros + breakdown.OutputMicros +
		breakdown.CacheWriteMicros + breakdown.CacheReadMicros
	return breakdown
}

// tokenCostMicros computes tokens x pricePerMillion / 1,000,000 with
// half-up rounding. Token counts and prices are never negative.
func tokenCostMicros(tokens, perMillionMicros int64) int64 {
	if tokens <= 0 || perMillionMicros <= 0 {
		return 0
	}
	return (tokens*perMillionMicros + MicrosPerUSD/2) / MicrosPerUSD
}
