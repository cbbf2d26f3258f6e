package consumer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"xarb-core/internal/events"
	"xarb-core/pkg/busproto"
)

func newTestConsumer() (*Consumer, *events.Bus) {
	bus := events.NewBus()
	c := New(nil, bus, nil, DefaultConfig("test-instance"), nil)
	return c, bus
}

func TestValidatePriceAcceptsWellFormed(t *testing.T) {
	c, bus := newTestConsumer()
	ch, unsub := bus.Subscribe(events.EventPriceUpdate, 1)
	defer unsub()

	raw, _ := json.Marshal(busproto.PriceUpdate{
		Chain: "ethereum", Dex: "uniswap", PairKey: "WETH_USDC",
		Price: 2500, Timestamp: time.Now().UnixMilli(),
	})
	ok := c.validatePrice(raw)
	assert.True(t, ok)

	select {
	case <-ch:
	default:
		t.Fatal("expected event to be published")
	}
}

func TestValidatePriceRejectsOutOfBounds(t *testing.T) {
	c, _ := newTestConsumer()
	raw, _ := json.Marshal(busproto.PriceUpdate{
		Chain: "ethereum", Dex: "uniswap", PairKey: "WETH_USDC",
		Price: -1, Timestamp: time.Now().UnixMilli(),
	})
	assert.False(t, c.validatePrice(raw))
}

func TestValidatePriceRejectsMissingFields(t *testing.T) {
	c, _ := newTestConsumer()
	raw, _ := json.Marshal(busproto.PriceUpdate{Price: 1, Timestamp: 1})
	assert.False(t, c.validatePrice(raw))
}

func TestValidateWhaleRejectsBadDirection(t *testing.T) {
	c, _ := newTestConsumer()
	raw, _ := json.Marshal(busproto.WhaleTransaction{
		Chain: "ethereum", Token: "WETH", Direction: "sideways",
		USDValue: 100, Amount: 1, Address: "0xabc", TransactionHash: "0xdef",
		Timestamp: time.Now().UnixMilli(),
	})
	assert.False(t, c.validateWhale(raw))
}

func TestValidateWhaleAcceptsWellFormed(t *testing.T) {
	c, bus := newTestConsumer()
	ch, unsub := bus.Subscribe(events.EventWhaleAlert, 1)
	defer unsub()

	raw, _ := json.Marshal(busproto.WhaleTransaction{
		Chain: "ethereum", Token: "WETH", Direction: busproto.WhaleBuy,
		USDValue: 500_000, Amount: 200, Address: "0xabc", TransactionHash: "0xdef",
		Timestamp: time.Now().UnixMilli(),
	})
	assert.True(t, c.validateWhale(raw))
	select {
	case <-ch:
	default:
		t.Fatal("expected event to be published")
	}
}

func TestValidatePendingRejectsShortPath(t *testing.T) {
	c, _ := newTestConsumer()
	p := busproto.PendingOpportunity{
		Type: "swap",
		Intent: busproto.PendingIntent{
			Hash: "0x1", Router: "0x2", TokenIn: "WETH", TokenOut: "USDC", Sender: "0x3",
			GasPrice: busproto.NewBigInt(1), AmountIn: busproto.NewBigInt(1), ExpectedAmountOut: busproto.NewBigInt(1),
			Path: []string{"WETH"},
		},
	}
	raw, _ := json.Marshal(p)
	assert.False(t, c.validatePending(raw))
}

func TestValidatePendingAcceptsWellFormed(t *testing.T) {
	c, bus := newTestConsumer()
	ch, unsub := bus.Subscribe(events.EventPendingIntent, 1)
	defer unsub()

	p := busproto.PendingOpportunity{
		Type: "swap",
		Intent: busproto.PendingIntent{
			Hash: "0x1", Router: "0x2", TokenIn: "WETH", TokenOut: "USDC", Sender: "0x3",
			SlippageTolerance: 0.01,
			GasPrice:          busproto.NewBigInt(1),
			AmountIn:          busproto.NewBigInt(1),
			ExpectedAmountOut: busproto.NewBigInt(1),
			Path:              []string{"WETH", "USDC"},
		},
	}
	raw, _ := json.Marshal(p)
	assert.True(t, c.validatePending(raw))
	select {
	case <-ch:
	default:
		t.Fatal("expected event to be published")
	}
}

func TestValidatePendingRejectsSlippageOutOfRange(t *testing.T) {
	c, _ := newTestConsumer()
	p := busproto.PendingOpportunity{
		Type: "swap",
		Intent: busproto.PendingIntent{
			Hash: "0x1", Router: "0x2", TokenIn: "WETH", TokenOut: "USDC", Sender: "0x3",
			SlippageTolerance: 0.9,
			GasPrice:          busproto.NewBigInt(1),
			AmountIn:          busproto.NewBigInt(1),
			ExpectedAmountOut: busproto.NewBigInt(1),
			Path:              []string{"WETH", "USDC"},
		},
	}
	raw, _ := json.Marshal(p)
	assert.False(t, c.validatePending(raw))
}
