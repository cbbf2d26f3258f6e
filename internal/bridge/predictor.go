// Package bridge implements the BridgeLatencyPredictor (4.D) and the
// BridgeRecoveryManager (4.J), plus the BridgeRouter/BridgeRouterFactory
// collaborator interfaces the core depends on but does not implement.
//
// The predictor is grounded on the sharded ring-cache shape of
// pkg/cache.ShardedPriceCache, generalized from a flat symbol->price map to
// a per-route ring buffer of historical samples (via pkg/ringbuf).
package bridge

import (
	"math"
	"sync"
	"time"

	"xarb-core/pkg/ringbuf"
)

// Sample is one observed (or simulated) bridge transfer outcome.
type Sample struct {
	Latency         float64 // seconds
	CostWei         float64
	Success         bool
	Timestamp       time.Time
	CongestionLevel float64
	GasPrice        float64
}

// ConservativeEstimate is the built-in fallback used when a route has fewer
// than 10 samples.
type ConservativeEstimate struct {
	LatencySec float64
	CostEth    float64
}

// defaultConservativeTable is the partial table from the spec's external
// interfaces section; callers may extend it via RegisterConservative.
var defaultConservativeTable = map[string]ConservativeEstimate{
	"ethereum-arbitrum-stargate": {LatencySec: 180, CostEth: 0.001},
	"ethereum-polygon-stargate":  {LatencySec: 180, CostEth: 0.001},
	"arbitrum-optimism-stargate": {LatencySec: 90, CostEth: 0.0003},
	"ethereum-arbitrum-across":   {LatencySec: 120, CostEth: 0.002},
	"arbitrum-ethereum-native":   {LatencySec: 604800, CostEth: 0.005},
	"default":                    {LatencySec: 300, CostEth: 0.0015},
}

const ringCapacity = 1000

type routeModel struct {
	samples *ringbuf.Buffer[Sample]

	mu     sync.Mutex
	mean   float64
	stdDev float64
	trend  float64
}

// Prediction is predictLatency's result.
type Prediction struct {
	LatencySec float64
	CostWei    float64
	Confidence float64
	SampleSize int
	FromTable  bool
}

// Urgency is the tier that latencyWeights maps to the weight of latency in
// the optimal bridge score.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

var latencyWeights = map[Urgency]float64{
	UrgencyLow:    0.2,
	UrgencyMedium: 0.4,
	UrgencyHigh:   0.6,
}

// Predictor maintains per-route ring buffers exclusively; it exposes only
// derived values (predictions, scores), never the raw ring buffer.
type Predictor struct {
	mu                sync.RWMutex
	routes            map[string]*routeModel
	conservativeTable map[string]ConservativeEstimate
}

// NewPredictor creates an empty predictor seeded with the default
// conservative table.
func NewPredictor() *Predictor {
	table := make(map[string]ConservativeEstimate, len(defaultConservativeTable))
	for k, v := range defaultConservativeTable {
		table[k] = v
	}
	return &Predictor{
		routes:            make(map[string]*routeModel),
		conservativeTable: table,
	}
}

// RegisterConservative adds or overrides a conservative fallback entry.
func (p *Predictor) RegisterConservative(routeKey string, est ConservativeEstimate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conservativeTable[routeKey] = est
}

func routeKey(src, dst, bridgeName string) string {
	return src + "-" + dst + "-" + bridgeName
}

func (p *Predictor) modelFor(key string) *routeModel {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.routes[key]
	if !ok {
		m = &routeModel{samples: ringbuf.New[Sample](ringCapacity)}
		p.routes[key] = m
	}
	return m
}

// congestionLevel is a time-of-day step function: peak hours (12-18 UTC) are
// the busiest, the rest of the daytime (6-12, 18-22) is moderate, and the
// remaining off-peak hours are quiet.
func congestionLevel(now time.Time) float64 {
	h := now.UTC().Hour()
	switch {
	case h >= 12 && h < 18:
		return 0.7
	case h >= 6 && h < 22:
		return 0.4
	default:
		return 0.1
	}
}

// UpdateModel appends a sample to the route's ring buffer and recomputes the
// sufficient-statistics model {mean, stdDev, trend}.
func (p *Predictor) UpdateModel(src, dst, bridgeName string, s Sample) {
	key := routeKey(src, dst, bridgeName)
	m := p.modelFor(key)
	m.samples.Push(s)

	successes := successfulLatencies(m.samples.Snapshot())
	mean, stdDev := meanStdDev(successes)
	trend := olsSlope(successes)

	m.mu.Lock()
	m.mean, m.stdDev, m.trend = mean, stdDev, trend
	m.mu.Unlock()
}

func successfulLatencies(samples []Sample) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s.Success {
			out = append(out, s.Latency)
		}
	}
	return out
}

func meanStdDev(values []float64) (mean, stdDev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var sqSum float64
	for _, v := range values {
		d := v - mean
		sqSum += d * d
	}
	stdDev = math.Sqrt(sqSum / float64(len(values)))
	return mean, stdDev
}

// olsSlope computes the ordinary-least-squares slope of (index, value) with
// a zero-denominator guard (returns 0 when all indices coincide, i.e. fewer
// than 2 points).
func olsSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumX2 float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// PredictLatency returns the predicted latency/cost for a route given a
// transfer amount (token units, used only for the cost estimate).
func (p *Predictor) PredictLatency(src, dst, bridgeName string, amount float64) Prediction {
	key := routeKey(src, dst, bridgeName)

	p.mu.RLock()
	m, ok := p.routes[key]
	p.mu.RUnlock()

	samples := 0
	if ok {
		samples = len(successfulLatencies(m.samples.Snapshot()))
	}

	if samples < 10 {
		est, ok := p.conservativeTable[key]
		if !ok {
			est = p.conservativeTable["default"]
		}
		cong := congestionLevel(time.Now())
		return Prediction{
			LatencySec: est.LatencySec,
			CostWei:    0.001 * amount * (1 + cong*0.5) * 1e18,
			Confidence: 0.3,
			SampleSize: samples,
			FromTable:  true,
		}
	}

	last50 := m.samples.Last(50)
	successSamples := successfulLatencies(last50)
	weighted := weightedMean(successSamples)

	cong := congestionLevel(time.Now())
	cost := 0.001 * amount * (1 + cong*0.5) * 1e18

	m.mu.Lock()
	mean, stdDev := m.mean, m.stdDev
	m.mu.Unlock()

	var variance float64
	if stdDev > 0 {
		variance = stdDev * stdDev
	}
	confFromVariance := 0.1
	if mean != 0 {
		confFromVariance = math.Max(0.1, 1-variance/(mean*mean))
	}
	confidence := math.Min(1, float64(samples)/50) * confFromVariance

	return Prediction{
		LatencySec: weighted,
		CostWei:    cost,
		Confidence: confidence,
		SampleSize: samples,
		FromTable:  false,
	}
}

// weightedMean applies w_i = e^{i/N} with i=0 the oldest sample, weighting
// recent samples higher.
func weightedMean(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	var weightedSum, weightSum float64
	for i, v := range values {
		w := math.Exp(float64(i) / float64(n))
		weightedSum += w * v
		weightSum += w
	}
	if weightSum == 0 {
		return 0
	}
	return weightedSum / weightSum
}

// PredictOptimalBridge scores every bridgeName registered for (src, dst) and
// returns the best one.
func (p *Predictor) PredictOptimalBridge(src, dst string, amount float64, urgency Urgency, bridgeNames []string) (bestBridge string, bestScore float64, found bool) {
	latencyWeight, ok := latencyWeights[urgency]
	if !ok {
		latencyWeight = latencyWeights[UrgencyMedium]
	}

	bestScore = math.Inf(-1)
	for _, name := range bridgeNames {
		pred := p.PredictLatency(src, dst, name, amount)
		normLatency := math.Max(0, 1-pred.LatencySec/3600)
		normCost := math.Max(0, 1-pred.CostWei/(amount*1e18))
		score := latencyWeight*normLatency + 0.3*normCost + 0.1*pred.Confidence

		if score > bestScore {
			bestScore = score
			bestBridge = name
			found = true
		}
	}
	return bestBridge, bestScore, found
}

// Cleanup drops samples older than maxAge and removes routes left empty.
func (p *Predictor) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, m := range p.routes {
		removed += m.samples.RemoveWhere(func(s Sample) bool {
			return s.Timestamp.Before(cutoff)
		})
		if m.samples.Len() == 0 {
			delete(p.routes, key)
		}
	}
	return removed
}
