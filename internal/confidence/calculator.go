// Package confidence implements the ConfidenceCalculator (4.E): a pure,
// stateless composition of price-gap, freshness, whale, and ML signals into
// a single score clamped to 0.95.
package confidence

import "math"

// WhaleSentiment is the directional read on recent whale activity for a pair.
type WhaleSentiment string

const (
	WhaleBullish WhaleSentiment = "bullish"
	WhaleBearish WhaleSentiment = "bearish"
	WhaleNeutral WhaleSentiment = "neutral"
)

// WhaleSignal summarizes whale activity feeding into the confidence boost.
type WhaleSignal struct {
	Sentiment       WhaleSentiment
	SuperWhaleCount int
	NetFlowUsd      float64
}

// MLSignal is the (optional) model prediction feeding into the confidence
// boost. Present is false when no prediction was available (fail-open).
type MLSignal struct {
	Present    bool
	Confidence float64
	Aligned    bool // predicted direction agrees with the detected direction
}

// Config holds the tunable multipliers and thresholds, all with the spec's
// defaults.
type Config struct {
	BullishMultiplier        float64
	BearishMultiplier        float64
	SuperWhaleMultiplier     float64
	SignificantFlowThreshold float64
	SignificantFlowMultiplier float64
	MLMinConfidence          float64
	MLAlignedBoost           float64
	MLOpposedPenalty         float64
}

// DefaultConfig matches the spec's literal defaults.
func DefaultConfig() Config {
	return Config{
		BullishMultiplier:         1.15,
		BearishMultiplier:         0.85,
		SuperWhaleMultiplier:      1.25,
		SignificantFlowThreshold:  100_000,
		SignificantFlowMultiplier: 1.1,
		MLMinConfidence:           0.6,
		MLAlignedBoost:            1.2,
		MLOpposedPenalty:          0.8,
	}
}

// Calculator is a pure function object: it holds only configuration, no
// mutable state.
type Calculator struct {
	cfg Config
}

// New builds a Calculator with the given configuration.
func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Calculate composes the final confidence score. ageMinutes is the age of
// the oldest price sample feeding the candidate, in minutes.
func (c *Calculator) Calculate(highPrice, lowPrice, ageMinutes float64, whale *WhaleSignal, ml *MLSignal) float64 {
	base := baseConfidence(highPrice, lowPrice)
	if base == 0 {
		return 0
	}

	freshness := math.Max(0.1, 1-ageMinutes*0.1)
	whaleBoost := c.whaleBoost(whale)
	mlBoost := c.mlBoost(ml)

	return math.Min(0.95, base*freshness*whaleBoost*mlBoost)
}

func baseConfidence(highPrice, lowPrice float64) float64 {
	if !validPositive(highPrice) || !validPositive(lowPrice) {
		return 0
	}
	ratio := highPrice/lowPrice - 1
	return math.Min(ratio, 0.5) * 2
}

func validPositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func (c *Calculator) whaleBoost(whale *WhaleSignal) float64 {
	boost := 1.0
	if whale == nil {
		return boost
	}
	switch whale.Sentiment {
	case WhaleBullish:
		boost *= c.cfg.BullishMultiplier
	case WhaleBearish:
		boost *= c.cfg.BearishMultiplier
	}
	if whale.SuperWhaleCount > 0 {
		boost *= c.cfg.SuperWhaleMultiplier
	}
	if math.Abs(whale.NetFlowUsd) > c.cfg.SignificantFlowThreshold {
		boost *= c.cfg.SignificantFlowMultiplier
	}
	return boost
}

func (c *Calculator) mlBoost(ml *MLSignal) float64 {
	if ml == nil || !ml.Present || math.Abs(ml.Confidence) < c.cfg.MLMinConfidence {
		return 1
	}
	if ml.Aligned {
		return c.cfg.MLAlignedBoost
	}
	return c.cfg.MLOpposedPenalty
}
