// Package cost converts model token usage into the micro-USD amounts
// persisted on job records. Pricing is read once at process start and is
// immutable for the process lifetime; analytics consume the stored amount and
// never recompute it.
package cost

import "math"

// Pricing holds per-1k-token rates in micro-USD, plus an optional per-minute
// audio rate.
type Pricing struct {
	InRateMicros    float64
	OutRateMicros   float64
	AudioRateMicros float64
}

// Usage is the token usage reported by the AI provider for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Estimate returns the charge in micro-USD and the total token count.
// It is pure and deterministic given its inputs and the pricing.
func (p Pricing) Estimate(usage Usage, audioSeconds float64) (int64, int) {
	total := usage.PromptTokens + usage.CompletionTokens
	amount := float64(usage.PromptTokens)/1000*p.InRateMicros +
		float64(usage.CompletionTokens)/1000*p.OutRateMicros
	if audioSeconds > 0 && p.AudioRateMicros > 0 {
		amount += audioSeconds / 60 * p.AudioRateMicros
	}
	return int64(math.Ceil(amount)), total
}
