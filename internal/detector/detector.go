// Package detector implements the Detector (4.H): the tick-driven core that
// scans the indexed price snapshot for cross-chain spreads, enriches
// surviving candidates with whale/ML/confidence signals, and hands them to
// pre-validation and publishing in priority order.
package detector

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"xarb-core/internal/confidence"
	"xarb-core/internal/priceindex"
	"xarb-core/pkg/busproto"
)

// BridgeCostEstimator converts a route and trade amount into a token-unit
// bridge cost. The production wiring backs this with BridgeLatencyPredictor;
// tests can substitute a fixed-cost fake.
type BridgeCostEstimator interface {
	EstimateCost(ctx context.Context, srcChain, dstChain string, amount float64) float64
}

// MLSignalSource resolves an optional ML prediction for a pair, already
// translated into the confidence package's signal shape.
type MLSignalSource interface {
	Signal(ctx context.Context, chain, pairKey string) (confidence.MLSignal, bool)
}

// PreValidator gates publication; ValidateOpportunity mirrors 4.I's
// validateOpportunity contract.
type PreValidator interface {
	ValidateOpportunity(ctx context.Context, o busproto.CrossChainOpportunity) (allowed bool, reason string)
}

// OpportunityPublisher mirrors internal/publisher.Publisher.Publish.
type OpportunityPublisher interface {
	Publish(ctx context.Context, o busproto.CrossChainOpportunity) (bool, error)
}

// Config enumerates the Detector's tunables.
type Config struct {
	DetectionInterval   time.Duration
	MaxPriceAge         time.Duration
	MinProfitThreshold  float64
	FeePercentage       float64
	TradeTokens         float64
	GasUsdPerChain      map[string]float64
	ErrorThreshold      int
	ErrorCooldown       time.Duration
	SuperWhaleUsd       float64
	PendingMinDiffPct   float64
	PendingDeadlineSkew time.Duration

	// ChainIDToName resolves a pending intent's numeric chainId to the chain
	// name keys priceindex.Manager stores prices under. Unknown chain IDs
	// cause the intent to be skipped.
	ChainIDToName map[int64]string
}

// DefaultChainIDToName covers the chains this detector ships with price
// consumers for.
func DefaultChainIDToName() map[int64]string {
	return map[int64]string{
		1:     "ethereum",
		42161: "arbitrum",
		10:    "optimism",
		8453:  "base",
		137:   "polygon",
		56:    "bsc",
		43114: "avalanche",
	}
}

// DefaultConfig matches the spec's literal defaults.
func DefaultConfig() Config {
	return Config{
		DetectionInterval:   100 * time.Millisecond,
		MaxPriceAge:         30 * time.Second,
		MinProfitThreshold:  0.001,
		FeePercentage:       0.003,
		TradeTokens:         0.4,
		GasUsdPerChain:      map[string]float64{},
		ErrorThreshold:      5,
		ErrorCooldown:       30 * time.Second,
		SuperWhaleUsd:       1_000_000,
		PendingMinDiffPct:   0.5,
		PendingDeadlineSkew: 30 * time.Second,
		ChainIDToName:       DefaultChainIDToName(),
	}
}

// Detector is the CrossChain detector core. It owns only its local breaker
// state and whale index; the price store belongs to priceindex.Manager.
type Detector struct {
	cfg Config

	priceManager *priceindex.Manager
	costEst      BridgeCostEstimator
	confCalc     *confidence.Calculator
	mlSource     MLSignalSource
	preValidator PreValidator
	publisher    OpportunityPublisher
	logger       *log.Logger

	whales  *whaleIndex
	breaker *ethRateBreaker

	ticking           atomic.Bool
	consecutiveErrors int
	circuitOpenUntil  time.Time
	mu                sync.Mutex
}

// New wires a Detector against its collaborators.
func New(priceManager *priceindex.Manager, costEst BridgeCostEstimator, confCalc *confidence.Calculator, mlSource MLSignalSource, preValidator PreValidator, pub OpportunityPublisher, cfg Config, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.Default()
	}
	return &Detector{
		cfg:          cfg,
		priceManager: priceManager,
		costEst:      costEst,
		confCalc:     confCalc,
		mlSource:     mlSource,
		preValidator: preValidator,
		publisher:    pub,
		logger:       logger,
		whales:       newWhaleIndex(cfg.SuperWhaleUsd),
		breaker:      newEthRateBreaker(),
	}
}

// RecordWhale feeds a validated whale transaction into the local sentiment
// index; the StreamConsumer's EventWhaleAlert subscriber calls this.
func (d *Detector) RecordWhale(tx busproto.WhaleTransaction) {
	d.whales.Record(tx)
}

// Run drives the tick loop until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Detector) tick(ctx context.Context) {
	if !d.ticking.CompareAndSwap(false, true) {
		return
	}
	defer d.ticking.Store(false)

	d.mu.Lock()
	if time.Now().Before(d.circuitOpenUntil) {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if err := d.runOnce(ctx); err != nil {
		d.logger.Printf("detector: tick error: %v", err)
		d.recordError()
		return
	}
	d.recordSuccess()
}

func (d *Detector) recordError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveErrors++
	if d.consecutiveErrors >= d.cfg.ErrorThreshold {
		d.circuitOpenUntil = time.Now().Add(d.cfg.ErrorCooldown)
		d.logger.Printf("detector: local circuit open for %s after %d consecutive errors", d.cfg.ErrorCooldown, d.consecutiveErrors)
	}
}

func (d *Detector) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveErrors = 0
}

func (d *Detector) runOnce(ctx context.Context) error {
	snapshot := d.priceManager.CreateIndexedSnapshot()

	var candidates []busproto.CrossChainOpportunity
	for pairKey, points := range snapshot.ByToken {
		cand, ok := d.evaluatePair(ctx, pairKey, points)
		if !ok {
			continue
		}
		candidates = append(candidates, cand)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].WhaleTriggered != candidates[j].WhaleTriggered {
			return candidates[i].WhaleTriggered
		}
		return candidates[i].NetProfit > candidates[j].NetProfit
	})

	for _, cand := range candidates {
		d.validateAndPublish(ctx, cand)
	}
	return nil
}

// validateAndPublish runs a single candidate through pre-validation and, if
// allowed, publishes it. Shared by the tick loop and the pending-intent path.
func (d *Detector) validateAndPublish(ctx context.Context, cand busproto.CrossChainOpportunity) {
	allowed, reason := d.preValidator.ValidateOpportunity(ctx, cand)
	if !allowed {
		d.logger.Printf("detector: opportunity rejected by pre-validation: %s", reason)
		return
	}
	if _, err := d.publisher.Publish(ctx, cand); err != nil {
		d.logger.Printf("detector: publish error: %v", err)
	}
}

func (d *Detector) evaluatePair(ctx context.Context, pairKey string, points []priceindex.PricePoint) (busproto.CrossChainOpportunity, bool) {
	minPoint, maxPoint, ok := minMaxPricePoint(points, d.cfg.MaxPriceAge)
	if !ok {
		return busproto.CrossChainOpportunity{}, false
	}

	if isETHPair(pairKey) {
		if !d.breaker.Accept(pairKey, maxPoint.Price) {
			return busproto.CrossChainOpportunity{}, false
		}
	}

	priceDiff := maxPoint.Price - minPoint.Price
	bridgeCost := d.costEst.EstimateCost(ctx, minPoint.Chain, maxPoint.Chain, d.cfg.TradeTokens)

	var gasCostPerToken float64
	if d.cfg.TradeTokens != 0 {
		gasUsd := d.cfg.GasUsdPerChain[minPoint.Chain] + d.cfg.GasUsdPerChain[maxPoint.Chain]
		gasCostPerToken = gasUsd / d.cfg.TradeTokens
	}
	swapFeePerToken := d.cfg.FeePercentage * (minPoint.Price + maxPoint.Price)
	netProfit := priceDiff - bridgeCost - gasCostPerToken - swapFeePerToken

	if netProfit <= d.cfg.MinProfitThreshold*minPoint.Price {
		return busproto.CrossChainOpportunity{}, false
	}

	percentageDiff := (priceDiff / minPoint.Price) * 100

	token := tokenFromPairKey(pairKey)
	whaleSignal, whaleTriggered := d.whales.Summary(token)

	ageMinutes := float64(time.Now().UnixMilli()-minPoint.Update.Timestamp) / 60_000
	var whalePtr *confidence.WhaleSignal
	if whaleTriggered {
		whalePtr = &whaleSignal
	}

	var mlPtr *confidence.MLSignal
	// mlPrediction is encoded as 1 (aligned with the detected direction) or 0
	// (opposed); mlConfidence carries the model's raw confidence.
	var mlPrediction, mlConfidence *float64
	if d.mlSource != nil {
		if sig, ok := d.mlSource.Signal(ctx, minPoint.Chain, pairKey); ok {
			mlPtr = &sig
			val := sig.Confidence
			mlConfidence = &val
			dir := 0.0
			if sig.Aligned {
				dir = 1.0
			}
			mlPrediction = &dir
		}
	}

	conf := d.confCalc.Calculate(maxPoint.Price, minPoint.Price, ageMinutes, whalePtr, mlPtr)

	cand := busproto.CrossChainOpportunity{
		TokenIn:         token,
		TokenOut:        token,
		BuyChain:        minPoint.Chain,
		BuyDex:          minPoint.Dex,
		SellChain:       maxPoint.Chain,
		SellDex:         maxPoint.Dex,
		SourcePrice:     minPoint.Price,
		TargetPrice:     maxPoint.Price,
		PriceDiff:       priceDiff,
		PercentageDiff:  percentageDiff,
		EstimatedProfit: priceDiff,
		BridgeCost:      bridgeCost,
		NetProfit:       netProfit,
		Confidence:      conf,
		CreatedAt:       time.Now().UnixMilli(),
		WhaleTriggered:  whaleTriggered,
		MLPrediction:    mlPrediction,
		MLConfidence:    mlConfidence,
	}
	if whaleTriggered {
		cand.WhaleDirection = string(whaleSignal.Sentiment)
	}
	return cand, true
}

// HandlePendingIntent runs the pending-opportunity path: derive postSwapPrice
// from the intent's own execution amounts, look for a better price on
// another chain for the token the swap acquires, and validate/publish if
// the opportunity clears the same cost model as a regular tick candidate.
// The StreamConsumer's EventPendingIntent subscriber calls this.
func (d *Detector) HandlePendingIntent(ctx context.Context, p busproto.PendingOpportunity) {
	cand, ok := d.evaluatePendingIntent(ctx, p)
	if !ok {
		return
	}
	d.validateAndPublish(ctx, cand)
}

func (d *Detector) evaluatePendingIntent(ctx context.Context, p busproto.PendingOpportunity) (busproto.CrossChainOpportunity, bool) {
	intent := p.Intent

	if time.Until(time.UnixMilli(intent.Deadline)) < d.cfg.PendingDeadlineSkew {
		return busproto.CrossChainOpportunity{}, false
	}

	srcChain, ok := d.cfg.ChainIDToName[intent.ChainID]
	if !ok {
		d.logger.Printf("detector: pending intent %s: unknown chainId %d", intent.Hash, intent.ChainID)
		return busproto.CrossChainOpportunity{}, false
	}
	if intent.AmountIn == nil || intent.ExpectedAmountOut == nil {
		return busproto.CrossChainOpportunity{}, false
	}
	amountIn := intent.AmountIn.TokenFloat()
	amountOut := intent.ExpectedAmountOut.TokenFloat()
	if amountIn <= 0 || amountOut <= 0 {
		return busproto.CrossChainOpportunity{}, false
	}
	postSwapPrice := amountOut / amountIn

	best, ok := d.bestOtherChainPrice(srcChain, priceindex.NormalizeToken(intent.TokenOut))
	if !ok {
		return busproto.CrossChainOpportunity{}, false
	}

	priceDiff := best.Price - postSwapPrice
	if priceDiff <= 0 {
		return busproto.CrossChainOpportunity{}, false
	}
	percentageDiff := (priceDiff / postSwapPrice) * 100
	if percentageDiff < d.cfg.PendingMinDiffPct {
		return busproto.CrossChainOpportunity{}, false
	}

	bridgeCost := d.costEst.EstimateCost(ctx, srcChain, best.Chain, d.cfg.TradeTokens)
	var gasCostPerToken float64
	if d.cfg.TradeTokens != 0 {
		gasUsd := d.cfg.GasUsdPerChain[srcChain] + d.cfg.GasUsdPerChain[best.Chain]
		gasCostPerToken = gasUsd / d.cfg.TradeTokens
	}
	swapFeePerToken := d.cfg.FeePercentage * (postSwapPrice + best.Price)
	netProfit := priceDiff - bridgeCost - gasCostPerToken - swapFeePerToken
	if netProfit <= d.cfg.MinProfitThreshold*postSwapPrice {
		return busproto.CrossChainOpportunity{}, false
	}

	ageMinutes := float64(time.Now().UnixMilli()-best.Update.Timestamp) / 60_000
	conf := d.confCalc.Calculate(best.Price, postSwapPrice, ageMinutes, nil, nil)

	// Slippage bands checked highest-first: a pending intent tolerating more
	// slippage is discounted more heavily, since the actual fill is less
	// certain to land near expectedAmountOut.
	switch {
	case intent.SlippageTolerance > 0.03:
		conf *= 0.7
	case intent.SlippageTolerance > 0.01:
		conf *= 0.9
	}

	return busproto.CrossChainOpportunity{
		TokenIn:           intent.TokenIn,
		TokenOut:          intent.TokenOut,
		BuyChain:          srcChain,
		SellChain:         best.Chain,
		SellDex:           best.Dex,
		SourcePrice:       postSwapPrice,
		TargetPrice:       best.Price,
		PriceDiff:         priceDiff,
		PercentageDiff:    percentageDiff,
		EstimatedProfit:   priceDiff,
		BridgeCost:        bridgeCost,
		NetProfit:         netProfit,
		Confidence:        conf,
		CreatedAt:         time.Now().UnixMilli(),
		PendingIntentHash: intent.Hash,
	}, true
}

// bestOtherChainPrice scans every chain but excludeChain for the
// highest-priced, fresh point matching token (after normalization).
func (d *Detector) bestOtherChainPrice(excludeChain, token string) (priceindex.PricePoint, bool) {
	snapshot := d.priceManager.CreateIndexedSnapshot()
	var best priceindex.PricePoint
	found := false
	cutoff := time.Now().Add(-d.cfg.MaxPriceAge).UnixMilli()
	for pairKey, points := range snapshot.ByToken {
		if tokenFromPairKey(pairKey) != token {
			continue
		}
		for _, p := range points {
			if p.Chain == excludeChain {
				continue
			}
			if !validFinitePositive(p.Price) || p.Update.Timestamp < cutoff {
				continue
			}
			if !found || p.Price > best.Price {
				best = p
				found = true
			}
		}
	}
	return best, found
}

func minMaxPricePoint(points []priceindex.PricePoint, maxAge time.Duration) (min, max priceindex.PricePoint, ok bool) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	found := false
	for _, p := range points {
		if !validFinitePositive(p.Price) || p.Update.Timestamp < cutoff {
			continue
		}
		if !found {
			min, max = p, p
			found = true
			continue
		}
		if p.Price < min.Price {
			min = p
		}
		if p.Price > max.Price {
			max = p
		}
	}
	if !found || min.Price == max.Price {
		return priceindex.PricePoint{}, priceindex.PricePoint{}, false
	}
	return min, max, true
}

func validFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// tokenFromPairKey returns the base token of a normalized "TOKEN0_TOKEN1"
// pair key.
func tokenFromPairKey(pairKey string) string {
	for i := len(pairKey) - 1; i >= 0; i-- {
		if pairKey[i] == '_' {
			return pairKey[:i]
		}
	}
	return pairKey
}
