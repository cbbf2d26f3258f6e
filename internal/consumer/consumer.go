// Package consumer implements the StreamConsumer (4.B): concurrent
// multi-stream polling with per-type validation, ack-once discipline, and a
// self-scheduling poll loop that never stacks a new cycle on top of a slow
// one.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"regexp"
	"sync/atomic"
	"time"

	"xarb-core/internal/bus"
	"xarb-core/internal/events"
	"xarb-core/pkg/busproto"
)

const (
	streamPriceUpdates        = "stream:price-updates"
	streamWhaleAlerts         = "stream:whale-alerts"
	streamPendingOpportunities = "stream:pending-opportunities"
)

// Config enumerates the StreamConsumer's tunables, mirroring the spec's
// configuration surface.
type Config struct {
	InstanceID      string
	ConsumerGroup   string
	PollInterval    time.Duration
	PriceBatch      int64
	WhaleBatch      int64
	PendingBatch    int64
	BlockTimeout    time.Duration
	MinValidPrice   float64
	MaxValidPrice   float64
}

// DefaultConfig matches the spec's literal defaults.
func DefaultConfig(instanceID string) Config {
	return Config{
		InstanceID:    instanceID,
		ConsumerGroup: "detector-core",
		PollInterval:  100 * time.Millisecond,
		PriceBatch:    50,
		WhaleBatch:    10,
		PendingBatch:  20,
		BlockTimeout:  time.Second,
		MinValidPrice: 1e-12,
		MaxValidPrice: 1e12,
	}
}

// RunningPredicate reports whether the owning state machine is currently
// RUNNING; the consumer is a no-op poll cycle otherwise.
type RunningPredicate func() bool

var numericStringRe = regexp.MustCompile(`^\d+$`)

// Consumer drives the three domain streams into typed local events.
type Consumer struct {
	busClient *bus.Client
	bus       *events.Bus
	running   RunningPredicate
	cfg       Config
	logger    *log.Logger

	consuming atomic.Bool
	stopped   atomic.Bool
}

// New wires a Consumer. running may be nil, in which case the consumer is
// always considered eligible to poll.
func New(busClient *bus.Client, eventBus *events.Bus, running RunningPredicate, cfg Config, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{
		busClient: busClient,
		bus:       eventBus,
		running:   running,
		cfg:       cfg,
		logger:    logger,
	}
}

// Init creates the consumer groups for all three streams (idempotent).
func (c *Consumer) Init(ctx context.Context) error {
	for _, stream := range []string{streamPriceUpdates, streamWhaleAlerts, streamPendingOpportunities} {
		if err := c.busClient.CreateConsumerGroup(ctx, stream, c.cfg.ConsumerGroup); err != nil {
			return fmt.Errorf("consumer: init %s: %w", stream, err)
		}
	}
	return nil
}

// Run drives the self-scheduling poll loop until ctx is cancelled or Stop is
// called. Each cycle schedules the next only after it completes, so a slow
// poll never stacks.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if c.stopped.Load() {
			return
		}
		c.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Stop halts the loop after its current cycle.
func (c *Consumer) Stop() {
	c.stopped.Store(true)
}

func (c *Consumer) pollOnce(ctx context.Context) {
	if c.running != nil && !c.running() {
		return
	}
	if !c.consuming.CompareAndSwap(false, true) {
		return
	}
	defer c.consuming.Store(false)

	type streamResult struct {
		name    string
		entries []bus.Entry
		err     error
	}
	results := make(chan streamResult, 3)

	go func() {
		e, err := c.busClient.Read(ctx, streamPriceUpdates, c.cfg.ConsumerGroup, c.cfg.InstanceID, c.cfg.PriceBatch, int(c.cfg.BlockTimeout.Milliseconds()))
		results <- streamResult{name: streamPriceUpdates, entries: e, err: err}
	}()
	go func() {
		e, err := c.busClient.Read(ctx, streamWhaleAlerts, c.cfg.ConsumerGroup, c.cfg.InstanceID, c.cfg.WhaleBatch, int(c.cfg.BlockTimeout.Milliseconds()))
		results <- streamResult{name: streamWhaleAlerts, entries: e, err: err}
	}()
	go func() {
		e, err := c.busClient.Read(ctx, streamPendingOpportunities, c.cfg.ConsumerGroup, c.cfg.InstanceID, c.cfg.PendingBatch, int(c.cfg.BlockTimeout.Milliseconds()))
		results <- streamResult{name: streamPendingOpportunities, entries: e, err: err}
	}()

	for i := 0; i < 3; i++ {
		r := <-results
		if r.err != nil {
			c.logger.Printf("consumer: read %s: %v", r.name, r.err)
			c.bus.Publish(events.EventConsumerError, r.err)
			continue
		}
		c.handleEntries(ctx, r.name, r.entries)
	}
}

func (c *Consumer) handleEntries(ctx context.Context, stream string, entries []bus.Entry) {
	for i, entry := range entries {
		valid := c.validateAndEmit(stream, entry.Data)
		_ = valid // invalid items are ack'd the same as valid ones: poison-message discipline
		// Items unpacked from one batch envelope share the stream message ID;
		// that ID is acked once, after its last item.
		if i+1 < len(entries) && entries[i+1].ID == entry.ID {
			continue
		}
		if err := c.busClient.Ack(ctx, stream, c.cfg.ConsumerGroup, entry.ID); err != nil {
			c.logger.Printf("consumer: ack %s/%s: %v", stream, entry.ID, err)
		}
	}
}

func (c *Consumer) validateAndEmit(stream string, data json.RawMessage) bool {
	switch stream {
	case streamPriceUpdates:
		return c.validatePrice(data)
	case streamWhaleAlerts:
		return c.validateWhale(data)
	case streamPendingOpportunities:
		return c.validatePending(data)
	default:
		return false
	}
}

func (c *Consumer) validatePrice(data json.RawMessage) bool {
	var u busproto.PriceUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		c.logger.Printf("consumer: invalid price payload: %v", err)
		return false
	}
	if u.Chain == "" || u.Dex == "" || u.PairKey == "" {
		c.logger.Printf("consumer: invalid price: missing chain/dex/pairKey")
		return false
	}
	if math.IsNaN(u.Price) || math.IsInf(u.Price, 0) || u.Price <= c.cfg.MinValidPrice || u.Price >= c.cfg.MaxValidPrice {
		c.logger.Printf("consumer: invalid price: %v out of bounds", u.Price)
		return false
	}
	if u.Timestamp <= 0 {
		c.logger.Printf("consumer: invalid price: non-positive timestamp")
		return false
	}
	if u.PipelineTimestamps == nil {
		u.PipelineTimestamps = make(map[string]int64)
	}
	u.PipelineTimestamps["consumedAt"] = time.Now().UnixMilli()
	c.bus.Publish(events.EventPriceUpdate, u)
	return true
}

func (c *Consumer) validateWhale(data json.RawMessage) bool {
	var w busproto.WhaleTransaction
	if err := json.Unmarshal(data, &w); err != nil {
		c.logger.Printf("consumer: invalid whale payload: %v", err)
		return false
	}
	if math.IsNaN(w.USDValue) || math.IsInf(w.USDValue, 0) || w.USDValue < 0 || w.USDValue > 1e11 {
		c.logger.Printf("consumer: invalid whale: usdValue out of bounds")
		return false
	}
	if math.IsNaN(w.Amount) || math.IsInf(w.Amount, 0) || w.Amount <= 0 {
		c.logger.Printf("consumer: invalid whale: amount must be positive")
		return false
	}
	if w.Token == "" || w.TransactionHash == "" {
		c.logger.Printf("consumer: invalid whale: missing token/transactionHash")
		return false
	}
	if w.Direction != busproto.WhaleBuy && w.Direction != busproto.WhaleSell {
		c.logger.Printf("consumer: invalid whale: unknown direction %q", w.Direction)
		return false
	}
	if w.Timestamp <= 0 {
		c.logger.Printf("consumer: invalid whale: non-positive timestamp")
		return false
	}
	c.bus.Publish(events.EventWhaleAlert, w)
	return true
}

func (c *Consumer) validatePending(data json.RawMessage) bool {
	var p busproto.PendingOpportunity
	if err := json.Unmarshal(data, &p); err != nil {
		c.logger.Printf("consumer: invalid pending payload: %v", err)
		return false
	}
	intent := p.Intent
	if intent.Hash == "" || intent.Router == "" || intent.TokenIn == "" || intent.TokenOut == "" || intent.Sender == "" {
		c.logger.Printf("consumer: invalid pending: missing required string field")
		return false
	}
	if p.Type == "" {
		c.logger.Printf("consumer: invalid pending: missing type")
		return false
	}
	if intent.SlippageTolerance < 0 || intent.SlippageTolerance > 0.5 {
		c.logger.Printf("consumer: invalid pending: slippageTolerance out of range")
		return false
	}
	if !validNumericBigInt(intent.GasPrice) || !validNumericBigInt(intent.AmountIn) || !validNumericBigInt(intent.ExpectedAmountOut) {
		c.logger.Printf("consumer: invalid pending: malformed numeric string field")
		return false
	}
	if len(intent.Path) < 2 {
		c.logger.Printf("consumer: invalid pending: path too short")
		return false
	}
	c.bus.Publish(events.EventPendingIntent, p)
	return true
}

func validNumericBigInt(b *busproto.BigInt) bool {
	if b == nil {
		return false
	}
	return numericStringRe.MatchString(b.String())
}
