package budget

// Pricing is a configurable per-million-token cost table. Defaults
// match spec.md's $3/$15 text and $1/$5 vision-haiku rates.
type Pricing struct {
	TextInputPer1M   float64
	TextOutputPer1M  float64
	VisionInputPer1M float64
	VisionOutputPer1M float64
}

func DefaultPricing() Pricing {
	return Pricing{
		TextInputPer1M:    3.00,
		TextOutputPer1M:   15.00,
		VisionInputPer1M:  1.00,
		VisionOutputPer1M: 5.00,
	}
}

// Cost computes cost = input/1e6*price_in + output/1e6*price_out,
// rounded to 6-decimal precision as spec.md requires.
func Cost(inputTokens, outputTokens int64, pricePerMIn, pricePerMOut float64) float64 {
	c := float64(inputTokens)/1_000_000*pricePerMIn + float64(outputTokens)/1_000_000*pricePerMOut
	return round6(c)
}

func round6(v float64) float64 {
	const scale = 1_000_000.0
	return float64(int64(v*scale+0.5)) / scale
}

// TextCost and VisionCost apply the two configured rate pairs.
func (p Pricing) TextCost(inputTokens, outputTokens int64) float64 {
	return Cost(inputTokens, outputTokens, p.TextInputPer1M, p.TextOutputPer1M)
}

func (p Pricing) VisionCost(inputTokens, outputTokens int64) float64 {
	return Cost(inputTokens, outputTokens, p.VisionInputPer1M, p.VisionOutputPer1M)
}

// CostFor applies whichever of TextCost/VisionCost matches op's
// pricing class.
func (p Pricing) CostFor(op OperationType, inputTokens, outputTokens int64) float64 {
	if op.IsVisionPriced() {
		return p.VisionCost(inputTokens, outputTokens)
	}
	return p.TextCost(inputTokens, outputTokens)
}
