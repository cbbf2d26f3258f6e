// Package publisher implements the OpportunityPublisher (4.G): fingerprint
// dedup against a recent-publish cache, and the material-improvement
// republish rule.
package publisher

import (
	"context"
	"sync"
	"time"

	"xarb-core/pkg/busproto"
)

const epsilon = 1e-9

// Bus is the minimal surface the publisher needs to hand opportunities off
// to the cross-process channel.
type Bus interface {
	Add(ctx context.Context, stream string, payload any) error
}

const opportunityStream = "stream:opportunities"

type recentEntry struct {
	netProfit float64
	expiresAt time.Time
}

// Config tunes the dedup window and republish threshold.
type Config struct {
	DedupeWindow        time.Duration
	MinProfitImprovement float64
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{
		DedupeWindow:         30 * time.Second,
		MinProfitImprovement: 0.1,
	}
}

// Publisher owns the recent-fingerprints cache exclusively.
type Publisher struct {
	bus Bus
	cfg Config

	mu     sync.Mutex
	recent map[string]recentEntry
}

// New wires a Publisher against its bus.
func New(bus Bus, cfg Config) *Publisher {
	return &Publisher{
		bus:    bus,
		cfg:    cfg,
		recent: make(map[string]recentEntry),
	}
}

// Publish applies the dedup/republish rule and, if it passes, publishes the
// opportunity's wire form. Returns whether it actually published.
func (p *Publisher) Publish(ctx context.Context, o busproto.CrossChainOpportunity) (bool, error) {
	fingerprint := o.Fingerprint()

	p.mu.Lock()
	p.evictExpiredLocked()
	prev, seen := p.recent[fingerprint]
	shouldPublish := !seen || p.materialImprovement(prev.netProfit, o.NetProfit)
	if shouldPublish {
		p.recent[fingerprint] = recentEntry{
			netProfit: o.NetProfit,
			expiresAt: time.Now().Add(p.cfg.DedupeWindow),
		}
	}
	p.mu.Unlock()

	if !shouldPublish {
		return false, nil
	}

	if err := p.bus.Add(ctx, opportunityStream, o.ToWire()); err != nil {
		return false, err
	}
	return true, nil
}

// materialImprovement implements the branch-free previous<=0 rule: when the
// previous netProfit was non-positive, any strictly greater new value
// republishes unconditionally (improvement=1.0), otherwise it doesn't
// (improvement=0), sidestepping a division by a non-positive denominator.
func (p *Publisher) materialImprovement(previous, next float64) bool {
	var improvement float64
	if previous <= 0 {
		if next > previous {
			improvement = 1.0
		}
	} else {
		improvement = (next - previous) / max(previous, epsilon)
	}
	return improvement >= p.cfg.MinProfitImprovement
}

func (p *Publisher) evictExpiredLocked() {
	now := time.Now()
	for fp, entry := range p.recent {
		if now.After(entry.expiresAt) {
			delete(p.recent, fp)
		}
	}
}
