// Package prevalidate implements the PreValidationOrchestrator (4.I):
// budget-gated, sampled simulation of a candidate opportunity before it is
// allowed to publish.
//
// Adapted from internal/risk.Manager's mutex-guarded config+metrics shape,
// replacing its DB-backed daily trade/loss limits with an in-memory monthly
// simulation budget and a pluggable simulation callback.
package prevalidate

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"xarb-core/pkg/busproto"
)

// SimulationRequest is handed to the simulation callback.
type SimulationRequest struct {
	Chain         string
	TokenPair     string
	Dex           string
	TradeSizeUsd  float64
	ExpectedPrice float64
}

// SimulationResult is the callback's verdict.
type SimulationResult struct {
	Success      bool
	WouldRevert  bool
}

// SimulationCallback runs an opportunity through an execution simulator
// (e.g. a forked-chain dry run). It is the out-of-scope collaborator; a nil
// callback means pre-validation always fail-opens.
type SimulationCallback func(ctx context.Context, req SimulationRequest) (SimulationResult, error)

// Config tunes the orchestrator's budget, sampling, and timeout behavior.
type Config struct {
	Enabled               bool
	MonthlyBudget         int
	MinProfitForValidation float64
	SampleRate            float64
	MaxLatency            time.Duration
	DefaultTradeSizeUsd   float64
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MonthlyBudget:          1000,
		MinProfitForValidation: 10,
		SampleRate:             0.1,
		MaxLatency:             2 * time.Second,
		DefaultTradeSizeUsd:    1000,
	}
}

// Metrics is the orchestrator's snapshot surface.
type Metrics struct {
	BudgetUsed      int
	BudgetRemaining int
	SuccessCount    int
	FailCount       int
	SuccessRate     float64
}

// Orchestrator is the PreValidationOrchestrator. State is mutex-guarded; the
// simulation callback is invoked outside the lock.
type Orchestrator struct {
	cfg      Config
	callback SimulationCallback
	rng      func() float64

	mu              sync.Mutex
	budgetUsed      int
	budgetResetTime time.Time
	successCount    int
	failCount       int
}

// New wires an Orchestrator. callback may be nil (fail-open always).
func New(callback SimulationCallback, cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:             cfg,
		callback:        callback,
		rng:             rand.Float64,
		budgetResetTime: time.Now(),
	}
}

// ValidateOpportunity is the 4.I decision tree.
func (o *Orchestrator) ValidateOpportunity(ctx context.Context, opp busproto.CrossChainOpportunity) (allowed bool, reason string) {
	if !o.cfg.Enabled {
		return true, "not_enabled"
	}

	o.resetIfNewMonth()

	o.mu.Lock()
	budgetExhausted := o.budgetUsed >= o.cfg.MonthlyBudget
	o.mu.Unlock()

	if budgetExhausted || opp.NetProfit < o.cfg.MinProfitForValidation || o.rng() >= o.cfg.SampleRate {
		return true, "not_sampled"
	}

	if o.callback == nil {
		return true, "validated_pass"
	}

	tradeSize := o.cfg.DefaultTradeSizeUsd
	if opp.TradeSizeUsd != nil {
		tradeSize = *opp.TradeSizeUsd
	}
	req := SimulationRequest{
		Chain:         opp.BuyChain,
		TokenPair:     opp.TokenIn + "_" + opp.TokenOut,
		Dex:           opp.BuyDex,
		TradeSizeUsd:  tradeSize,
		ExpectedPrice: opp.SourcePrice,
	}

	o.mu.Lock()
	o.budgetUsed++
	o.mu.Unlock()

	result, ok := o.raceSimulation(ctx, req)
	if !ok {
		return true, "validated_pass"
	}

	if result.Success && !result.WouldRevert {
		o.mu.Lock()
		o.successCount++
		o.mu.Unlock()
		return true, "validated_pass"
	}

	o.mu.Lock()
	o.failCount++
	o.mu.Unlock()
	return false, "validated_fail"
}

func (o *Orchestrator) raceSimulation(ctx context.Context, req SimulationRequest) (SimulationResult, bool) {
	timeout := o.cfg.MaxLatency
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result SimulationResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := o.callback(callCtx, req)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-callCtx.Done():
		return SimulationResult{}, false
	case out := <-done:
		if out.err != nil {
			return SimulationResult{}, false
		}
		return out.result, true
	}
}

func (o *Orchestrator) resetIfNewMonth() {
	now := time.Now()
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.budgetResetTime.Before(startOfMonth) {
		o.budgetUsed = 0
		o.budgetResetTime = now
	}
}

// Metrics returns a snapshot of the orchestrator's counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()

	remaining := o.cfg.MonthlyBudget - o.budgetUsed
	if remaining < 0 {
		remaining = 0
	}
	total := o.successCount + o.failCount
	rate := 0.0
	if total > 0 {
		rate = float64(o.successCount) / float64(total)
	}
	return Metrics{
		BudgetUsed:      o.budgetUsed,
		BudgetRemaining: remaining,
		SuccessCount:    o.successCount,
		FailCount:       o.failCount,
		SuccessRate:     rate,
	}
}
