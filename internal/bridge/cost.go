package bridge

import "context"

// CostEstimator adapts a Predictor into the detector's BridgeCostEstimator
// contract, converting the wei-denominated prediction into the token-unit
// cost the netProfit formula expects.
type CostEstimator struct {
	predictor  *Predictor
	bridgeName string
}

// NewCostEstimator wires a CostEstimator against a route predictor, using
// bridgeName as the default bridge consulted for every route.
func NewCostEstimator(predictor *Predictor, bridgeName string) *CostEstimator {
	if bridgeName == "" {
		bridgeName = "stargate"
	}
	return &CostEstimator{predictor: predictor, bridgeName: bridgeName}
}

// EstimateCost implements detector.BridgeCostEstimator.
func (e *CostEstimator) EstimateCost(ctx context.Context, srcChain, dstChain string, amount float64) float64 {
	pred := e.predictor.PredictLatency(srcChain, dstChain, e.bridgeName, amount)
	return pred.CostWei / 1e18
}
