package meter

import "math"

// CostModel converts upstream token counts into micro-USD. Pricing is
// process-wide configuration: per-1K-token input and output prices plus a
// markup fraction applied on top. The model argument is accepted for logging
// and future per-model pricing; it does not affect the result today.
type CostModel struct {
	// InputPricePerK and OutputPricePerK are USD per 1000 tokens.
	InputPricePerK  float64
	OutputPricePerK float64

	// MarkupFraction is added on top of the base cost, e.g. 0.15 for 15%.
	MarkupFraction float64
}

// Cost returns the marked-up cost in micro-USD, rounded half away from zero
// to the nearest micro. Token counts must come straight from the upstream
// provider's usage report; this function never estimates.
func (m CostModel) Cost(inputTokens, outputTokens int64, model string) int64 {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0
	}
	base := float64(inputTokens)/1000*m.InputPricePerK + float64(outputTokens)/1000*m.OutputPricePerK
	total := base * (1 + m.MarkupFraction)
	if total < 0 {
		return 0
	}
	return int64(math.Round(total * 1_000_000))
}
