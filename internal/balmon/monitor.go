// Package balmon implements the BalanceMonitor (4.L): periodic, per-chain
// native balance polling that surfaces low-balance and drift signals.
//
// Adapted from internal/balance.Manager's ticker-driven sync loop and
// RWMutex-guarded cache, replaced here with independent per-(chain,wallet)
// polling fanned out in parallel each cycle, since unlike a single exchange
// account there is one balance per chain to track.
package balmon

import (
	"context"
	"io"
	"log"
	"math/big"
	"sync"
	"time"
)

// Provider is the chain RPC surface the monitor polls. Satisfied by an
// ethclient.Client-backed adapter per chain.
type Provider interface {
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
}

// Wallet is a single chain+address pair to poll.
type Wallet struct {
	Chain   string
	Address string
}

// ChainBalance is the per-wallet snapshot entry.
type ChainBalance struct {
	Chain         string
	Address       string
	BalanceWei    *big.Int
	BalanceEth    float64
	LastCheckedAt time.Time
	Healthy       bool
	Error         string
}

// Config tunes polling cadence and alert thresholds.
type Config struct {
	CheckInterval          time.Duration
	LowBalanceThresholdEth float64
	Disabled               bool
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:          60 * time.Second,
		LowBalanceThresholdEth: 0.01,
	}
}

// Snapshot is the defensive-copy view returned by GetSnapshot.
type Snapshot struct {
	Balances     map[string]ChainBalance
	Timestamp    time.Time
	HealthyCount int
	FailedCount  int
}

// Monitor is the BalanceMonitor.
type Monitor struct {
	wallets   []Wallet
	providers map[string]Provider
	cfg       Config
	logger    *log.Logger

	mu       sync.RWMutex
	balances map[string]ChainBalance

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a Monitor against a fixed set of wallets and their per-chain
// providers.
func New(wallets []Wallet, providers map[string]Provider, cfg Config, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Monitor{
		wallets:   wallets,
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		balances:  make(map[string]ChainBalance),
		stopCh:    make(chan struct{}),
	}
}

func walletKey(w Wallet) string {
	return w.Chain + ":" + w.Address
}

// Start performs one immediate check, then schedules further checks every
// CheckInterval until ctx is canceled or Stop is called. Disabled is a true
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.cfg.Disabled {
		return
	}
	m.logger.Printf("balmon: starting, interval=%s wallets=%d", m.cfg.CheckInterval, len(m.wallets))

	m.checkAll(ctx)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkAll(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background polling loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// checkAll polls every wallet concurrently; one wallet's failure does not
// affect the others (the allSettled equivalent).
func (m *Monitor) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range m.wallets {
		wg.Add(1)
		go func(w Wallet) {
			defer wg.Done()
			m.checkOne(ctx, w)
		}(w)
	}
	wg.Wait()
}

func (m *Monitor) checkOne(ctx context.Context, w Wallet) {
	provider, ok := m.providers[w.Chain]
	if !ok {
		m.store(ChainBalance{Chain: w.Chain, Address: w.Address, Healthy: false, Error: "No provider available", LastCheckedAt: time.Now()})
		return
	}

	wei, err := provider.BalanceAt(ctx, w.Address)
	if err != nil {
		entry := ChainBalance{Chain: w.Chain, Address: w.Address, Healthy: false, Error: err.Error(), LastCheckedAt: time.Now()}
		m.store(entry)
		m.logger.Printf("balmon: balance check failed chain=%s address=%s: %v", w.Chain, w.Address, err)
		return
	}

	eth := weiToEth(wei)
	entry := ChainBalance{Chain: w.Chain, Address: w.Address, BalanceWei: wei, BalanceEth: eth, LastCheckedAt: time.Now(), Healthy: true}

	if eth < m.cfg.LowBalanceThresholdEth {
		m.logger.Printf("balmon: low balance chain=%s address=%s balanceEth=%f threshold=%f", w.Chain, w.Address, eth, m.cfg.LowBalanceThresholdEth)
	}

	if previous, ok := m.previousWei(w); ok && previous.Cmp(wei) != 0 {
		direction := "increased"
		if wei.Cmp(previous) < 0 {
			direction = "decreased"
		}
		m.logger.Printf("balmon: balance changed chain=%s previous=%s current=%s direction=%s", w.Chain, previous.String(), wei.String(), direction)
	}

	m.store(entry)
}

func (m *Monitor) previousWei(w Wallet) (*big.Int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.balances[walletKey(w)]
	if !ok || entry.BalanceWei == nil {
		return nil, false
	}
	return entry.BalanceWei, true
}

func (m *Monitor) store(entry ChainBalance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[entry.Chain+":"+entry.Address] = entry
}

// GetSnapshot returns a defensive copy of the monitor's current balances.
func (m *Monitor) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	balances := make(map[string]ChainBalance, len(m.balances))
	healthy, failed := 0, 0
	for k, v := range m.balances {
		balances[k] = v
		if v.Healthy {
			healthy++
		} else {
			failed++
		}
	}
	return Snapshot{Balances: balances, Timestamp: time.Now(), HealthyCount: healthy, FailedCount: failed}
}

func weiToEth(wei *big.Int) float64 {
	f := new(big.Float).SetInt(wei)
	f.Quo(f, big.NewFloat(1e18))
	eth, _ := f.Float64()
	return eth
}
