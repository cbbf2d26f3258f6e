package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictLatencyFallsBackToConservativeTableUnder10Samples(t *testing.T) {
	p := NewPredictor()

	for i := 0; i < 5; i++ {
		p.UpdateModel("ethereum", "arbitrum", "stargate", Sample{Latency: 150, Success: true, Timestamp: time.Now()})
	}

	pred := p.PredictLatency("ethereum", "arbitrum", "stargate", 1)
	assert.True(t, pred.FromTable)
	assert.Equal(t, 180.0, pred.LatencySec)
	assert.Equal(t, 5, pred.SampleSize)
}

func TestPredictLatencyUsesModelAt10Samples(t *testing.T) {
	p := NewPredictor()

	for i := 0; i < 12; i++ {
		p.UpdateModel("ethereum", "arbitrum", "stargate", Sample{Latency: 100, Success: true, Timestamp: time.Now()})
	}

	pred := p.PredictLatency("ethereum", "arbitrum", "stargate", 1)
	assert.False(t, pred.FromTable)
	assert.Equal(t, 12, pred.SampleSize)
	assert.InDelta(t, 100, pred.LatencySec, 0.01)
}

func TestPredictLatencyIgnoresFailedSamplesForLatencyAverage(t *testing.T) {
	p := NewPredictor()

	for i := 0; i < 12; i++ {
		p.UpdateModel("ethereum", "arbitrum", "stargate", Sample{Latency: 100, Success: true, Timestamp: time.Now()})
	}
	for i := 0; i < 20; i++ {
		p.UpdateModel("ethereum", "arbitrum", "stargate", Sample{Latency: 99999, Success: false, Timestamp: time.Now()})
	}

	pred := p.PredictLatency("ethereum", "arbitrum", "stargate", 1)
	assert.Equal(t, 12, pred.SampleSize, "failed samples must not count toward sample size")
	assert.InDelta(t, 100, pred.LatencySec, 0.01)
}

func TestUnknownRouteFallsBackToDefaultTableEntry(t *testing.T) {
	p := NewPredictor()
	pred := p.PredictLatency("polygon", "base", "wormhole", 1)
	assert.True(t, pred.FromTable)
	assert.Equal(t, 300.0, pred.LatencySec)
}

func TestRegisterConservativeOverridesDefaultTable(t *testing.T) {
	p := NewPredictor()
	p.RegisterConservative("polygon-base-wormhole", ConservativeEstimate{LatencySec: 42, CostEth: 0.0001})

	pred := p.PredictLatency("polygon", "base", "wormhole", 1)
	assert.Equal(t, 42.0, pred.LatencySec)
}

func TestPredictOptimalBridgePicksHighestScore(t *testing.T) {
	p := NewPredictor()
	p.RegisterConservative("ethereum-arbitrum-fast", ConservativeEstimate{LatencySec: 10, CostEth: 0.0001})
	p.RegisterConservative("ethereum-arbitrum-slow", ConservativeEstimate{LatencySec: 5000, CostEth: 0.0001})

	best, _, found := p.PredictOptimalBridge("ethereum", "arbitrum", 1, UrgencyHigh, []string{"fast", "slow"})
	require.True(t, found)
	assert.Equal(t, "fast", best)
}

func TestCleanupRemovesStaleSamplesAndEmptyRoutes(t *testing.T) {
	p := NewPredictor()
	p.UpdateModel("ethereum", "arbitrum", "stargate", Sample{Latency: 100, Success: true, Timestamp: time.Now().Add(-48 * time.Hour)})

	removed := p.Cleanup(24 * time.Hour)
	assert.Equal(t, 1, removed)

	pred := p.PredictLatency("ethereum", "arbitrum", "stargate", 1)
	assert.Equal(t, 0, pred.SampleSize)
}

func TestCostEstimatorConvertsWeiToTokenUnits(t *testing.T) {
	p := NewPredictor()
	est := NewCostEstimator(p, "")

	cost := est.EstimateCost(nil, "ethereum", "arbitrum", 1)
	assert.Greater(t, cost, 0.0)
	assert.Less(t, cost, 1.0)
}
