package balmon

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	balance *big.Int
	err     error
}

func (f fakeProvider) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balance, nil
}

func ethWei(eth float64) *big.Int {
	f := new(big.Float).Mul(big.NewFloat(eth), big.NewFloat(1e18))
	wei, _ := f.Int(nil)
	return wei
}

func TestCheckOneHealthyBalance(t *testing.T) {
	wallets := []Wallet{{Chain: "ethereum", Address: "0xabc"}}
	providers := map[string]Provider{"ethereum": fakeProvider{balance: ethWei(1.5)}}
	m := New(wallets, providers, DefaultConfig(), nil)

	m.checkAll(context.Background())

	snap := m.GetSnapshot()
	require.Equal(t, 1, snap.HealthyCount)
	require.Equal(t, 0, snap.FailedCount)
	entry := snap.Balances["ethereum:0xabc"]
	assert.True(t, entry.Healthy)
	assert.InDelta(t, 1.5, entry.BalanceEth, 0.0001)
}

func TestMissingProviderMarksUnhealthy(t *testing.T) {
	wallets := []Wallet{{Chain: "base", Address: "0xdef"}}
	m := New(wallets, map[string]Provider{}, DefaultConfig(), nil)

	m.checkAll(context.Background())

	snap := m.GetSnapshot()
	entry := snap.Balances["base:0xdef"]
	assert.False(t, entry.Healthy)
	assert.Equal(t, "No provider available", entry.Error)
}

func TestProviderErrorMarksUnhealthy(t *testing.T) {
	wallets := []Wallet{{Chain: "ethereum", Address: "0xabc"}}
	providers := map[string]Provider{"ethereum": fakeProvider{err: errors.New("rpc timeout")}}
	m := New(wallets, providers, DefaultConfig(), nil)

	m.checkAll(context.Background())

	snap := m.GetSnapshot()
	entry := snap.Balances["ethereum:0xabc"]
	assert.False(t, entry.Healthy)
	assert.Equal(t, "rpc timeout", entry.Error)
}

func TestDriftIsDetectedAcrossChecks(t *testing.T) {
	wallets := []Wallet{{Chain: "ethereum", Address: "0xabc"}}
	prov := &mutableProvider{balance: ethWei(1.0)}
	providers := map[string]Provider{"ethereum": prov}
	var logBuf bytes.Buffer
	m := New(wallets, providers, DefaultConfig(), log.New(&logBuf, "", 0))

	m.checkAll(context.Background())
	prov.balance = ethWei(2.0)
	m.checkAll(context.Background())

	snap := m.GetSnapshot()
	entry := snap.Balances["ethereum:0xabc"]
	assert.InDelta(t, 2.0, entry.BalanceEth, 0.0001)
	assert.Contains(t, logBuf.String(), "direction=increased")
}

type mutableProvider struct{ balance *big.Int }

func (p *mutableProvider) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	return p.balance, nil
}

func TestDisabledMonitorDoesNotCheck(t *testing.T) {
	wallets := []Wallet{{Chain: "ethereum", Address: "0xabc"}}
	providers := map[string]Provider{"ethereum": fakeProvider{balance: ethWei(1.0)}}
	cfg := DefaultConfig()
	cfg.Disabled = true
	m := New(wallets, providers, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	time.Sleep(10 * time.Millisecond)

	snap := m.GetSnapshot()
	assert.Empty(t, snap.Balances)
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	wallets := []Wallet{{Chain: "ethereum", Address: "0xabc"}}
	providers := map[string]Provider{"ethereum": fakeProvider{balance: ethWei(1.0)}}
	m := New(wallets, providers, DefaultConfig(), nil)
	m.checkAll(context.Background())

	snap := m.GetSnapshot()
	delete(snap.Balances, "ethereum:0xabc")

	snap2 := m.GetSnapshot()
	assert.Len(t, snap2.Balances, 1)
}
