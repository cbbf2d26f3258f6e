package detector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"xarb-core/internal/confidence"
	"xarb-core/internal/priceindex"
	"xarb-core/pkg/busproto"
)

type fixedCostEstimator struct{ cost float64 }

func (f fixedCostEstimator) EstimateCost(ctx context.Context, src, dst string, amount float64) float64 {
	return f.cost
}

type fakePreValidator struct {
	allow  bool
	reason string
}

func (f fakePreValidator) ValidateOpportunity(ctx context.Context, o busproto.CrossChainOpportunity) (bool, string) {
	return f.allow, f.reason
}

type capturingPublisher struct {
	published []busproto.CrossChainOpportunity
}

func (p *capturingPublisher) Publish(ctx context.Context, o busproto.CrossChainOpportunity) (bool, error) {
	p.published = append(p.published, o)
	return true, nil
}

func newTestDetector(cost float64, allow bool) (*Detector, *priceindex.Manager, *capturingPublisher) {
	pm := priceindex.NewManager(500, 5*time.Minute)
	pub := &capturingPublisher{}
	cfg := DefaultConfig()
	cfg.GasUsdPerChain = map[string]float64{"ethereum": 5, "arbitrum": 5}
	d := New(pm, fixedCostEstimator{cost: cost}, confidence.New(confidence.DefaultConfig()), nil, fakePreValidator{allow: allow}, pub, cfg, nil)
	return d, pm, pub
}

func TestDetectorScenarioAPublishesOpportunity(t *testing.T) {
	d, pm, pub := newTestDetector(5, true)

	now := time.Now().UnixMilli()
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "ethereum", Dex: "uniswap", PairKey: "WETH_USDC", Price: 2500, Timestamp: now})
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WETH_USDC", Price: 2550, Timestamp: now})

	err := d.runOnce(context.Background())
	assert.NoError(t, err)
	assert.Len(t, pub.published, 1)

	cand := pub.published[0]
	assert.InDelta(t, 50, cand.PriceDiff, 0.001)
	assert.InDelta(t, 4.85, cand.NetProfit, 0.01)
	assert.InDelta(t, 2.0, cand.PercentageDiff, 0.001)
}

func TestDetectorRejectsBelowProfitThreshold(t *testing.T) {
	d, pm, pub := newTestDetector(5, true)

	now := time.Now().UnixMilli()
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "ethereum", Dex: "uniswap", PairKey: "WETH_USDC", Price: 2500, Timestamp: now})
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WETH_USDC", Price: 2501, Timestamp: now})

	_ = d.runOnce(context.Background())
	assert.Empty(t, pub.published)
}

func TestDetectorSkipsStalePrices(t *testing.T) {
	d, pm, pub := newTestDetector(5, true)

	stale := time.Now().Add(-time.Minute).UnixMilli()
	fresh := time.Now().UnixMilli()
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "ethereum", Dex: "uniswap", PairKey: "WETH_USDC", Price: 2500, Timestamp: stale})
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WETH_USDC", Price: 2550, Timestamp: fresh})

	_ = d.runOnce(context.Background())
	assert.Empty(t, pub.published)
}

func TestDetectorHonorsPreValidationRejection(t *testing.T) {
	d, pm, pub := newTestDetector(5, false)

	now := time.Now().UnixMilli()
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "ethereum", Dex: "uniswap", PairKey: "WETH_USDC", Price: 2500, Timestamp: now})
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WETH_USDC", Price: 2550, Timestamp: now})

	_ = d.runOnce(context.Background())
	assert.Empty(t, pub.published)
}

func TestDetectorSortsWhaleTriggeredFirst(t *testing.T) {
	d, pm, pub := newTestDetector(1, true)

	now := time.Now().UnixMilli()
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "ethereum", Dex: "uniswap", PairKey: "WETH_USDC", Price: 2500, Timestamp: now})
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WETH_USDC", Price: 2550, Timestamp: now})
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "ethereum", Dex: "uniswap", PairKey: "WBTC_DAI", Price: 2500, Timestamp: now})
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WBTC_DAI", Price: 2600, Timestamp: now})

	d.RecordWhale(busproto.WhaleTransaction{
		Chain: "ethereum", Token: "WETH", Direction: busproto.WhaleBuy,
		USDValue: 50_000, Amount: 10, TransactionHash: "0x1", Timestamp: now,
	})

	_ = d.runOnce(context.Background())
	assert.NotEmpty(t, pub.published)
	assert.True(t, pub.published[0].WhaleTriggered)
}

func TestHandlePendingIntentPublishesWhenBetterPriceExistsElsewhere(t *testing.T) {
	d, pm, pub := newTestDetector(1, true)

	now := time.Now().UnixMilli()
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WETH_USDC", Price: 2550, Timestamp: now})

	intent := busproto.PendingIntent{
		Hash:              "0xabc",
		Router:            "0xrouter",
		Type:              "swap",
		TokenIn:           "USDC",
		TokenOut:          "WETH",
		Sender:            "0xsender",
		ChainID:           1,
		Deadline:          time.Now().Add(time.Minute).UnixMilli(),
		SlippageTolerance: 0.02,
		AmountIn:          busproto.NewBigInt(1_000_000_000_000_000),
		ExpectedAmountOut: busproto.NewBigInt(2_500_000_000_000_000_000), // nolint:gomnd
		Path:              []string{"USDC", "WETH"},
	}
	d.HandlePendingIntent(context.Background(), busproto.PendingOpportunity{Intent: intent, PublishedAt: now})

	assert.Len(t, pub.published, 1)
	cand := pub.published[0]
	assert.Equal(t, "0xabc", cand.PendingIntentHash)
	assert.Equal(t, "arbitrum", cand.SellChain)
	assert.InDelta(t, 2500, cand.SourcePrice, 0.001)
	assert.InDelta(t, 50, cand.PriceDiff, 0.001)
}

func TestHandlePendingIntentDiscardsNearDeadline(t *testing.T) {
	d, pm, pub := newTestDetector(1, true)
	now := time.Now().UnixMilli()
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WETH_USDC", Price: 2550, Timestamp: now})

	intent := busproto.PendingIntent{
		Hash: "0xabc", ChainID: 1,
		Deadline:          time.Now().Add(5 * time.Second).UnixMilli(),
		AmountIn:          busproto.NewBigInt(1_000_000_000_000_000),
		ExpectedAmountOut: busproto.NewBigInt(2_500_000_000_000_000_000),
	}
	d.HandlePendingIntent(context.Background(), busproto.PendingOpportunity{Intent: intent, PublishedAt: now})
	assert.Empty(t, pub.published)
}

func TestHandlePendingIntentDiscardsUnknownChain(t *testing.T) {
	d, pm, pub := newTestDetector(1, true)
	now := time.Now().UnixMilli()
	pm.HandlePriceUpdate(busproto.PriceUpdate{Chain: "arbitrum", Dex: "sushiswap", PairKey: "WETH_USDC", Price: 2550, Timestamp: now})

	intent := busproto.PendingIntent{
		Hash: "0xabc", ChainID: 999999,
		Deadline:          time.Now().Add(time.Minute).UnixMilli(),
		AmountIn:          busproto.NewBigInt(1_000_000_000_000_000),
		ExpectedAmountOut: busproto.NewBigInt(2_500_000_000_000_000_000),
	}
	d.HandlePendingIntent(context.Background(), busproto.PendingOpportunity{Intent: intent, PublishedAt: now})
	assert.Empty(t, pub.published)
}

func TestDetectorOpensLocalCircuitAfterConsecutiveErrors(t *testing.T) {
	d, _, _ := newTestDetector(5, true)
	d.cfg.ErrorThreshold = 2
	d.cfg.ErrorCooldown = time.Minute

	d.recordError()
	assert.True(t, d.circuitOpenUntil.IsZero())
	d.recordError()
	assert.False(t, d.circuitOpenUntil.IsZero())
}
