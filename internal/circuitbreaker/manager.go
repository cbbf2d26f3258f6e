// Package circuitbreaker implements the CircuitBreakerManager (4.K): a
// per-chain breaker created lazily on first access, publishing every state
// transition to the bus so a restarting instance can restore recent OPENs.
//
// Adapted from internal/gateway.Manager's lazily-created, failure-threshold
// plus cooldown-timeout pool, collapsed from a per-connection LRU pool to a
// per-chain map since chains are a small, fixed set that never needs
// eviction.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"xarb-core/pkg/busproto"
)

const breakerEventStream = "stream:circuit-breaker"
const restorationScanCount = 200

// busReader is the bus surface the manager depends on: publish a transition
// and replay recent ones on startup. Satisfied by *internal/bus.Client.
type busReader interface {
	ReadRecent(ctx context.Context, stream string, count int64) ([]json.RawMessage, error)
	Add(ctx context.Context, stream string, payload any) error
}

// Config tunes a breaker's thresholds.
type Config struct {
	FailureThreshold    int
	CooldownPeriod      time.Duration
	HalfOpenMaxAttempts int
	Service             string
	InstanceID          string
}

// DefaultConfig matches the spec's defaults (cooldown aligned with ADR-018).
func DefaultConfig(service, instanceID string) Config {
	return Config{
		FailureThreshold:    5,
		CooldownPeriod:      300 * time.Second,
		HalfOpenMaxAttempts: 1,
		Service:             service,
		InstanceID:          instanceID,
	}
}

type breaker struct {
	mu                  sync.Mutex
	state               busproto.CircuitState
	consecutiveFailures int
	cooldownUntil       time.Time
	halfOpenInFlight    int
}

// Manager owns all per-chain breakers exclusively; getters return read-only
// snapshots, never the live breaker.
type Manager struct {
	cfg  Config
	bus  busReader
	logger func(format string, args ...any)

	mu       sync.Mutex
	breakers map[string]*breaker
}

// New wires a Manager against its bus.
func New(bus busReader, cfg Config, logger func(format string, args ...any)) *Manager {
	if logger == nil {
		logger = func(string, ...any) {}
	}
	return &Manager{cfg: cfg, bus: bus, breakers: make(map[string]*breaker), logger: logger}
}

func (m *Manager) breakerFor(chain string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[chain]
	if !ok {
		b = &breaker{state: busproto.CircuitClosed}
		m.breakers[chain] = b
	}
	return b
}

// State is a read-only view of a chain's breaker.
type State struct {
	State               busproto.CircuitState
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// GetState returns a snapshot of a chain's breaker, creating it CLOSED if
// unseen.
func (m *Manager) GetState(chain string) State {
	b := m.breakerFor(chain)
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{State: b.state, ConsecutiveFailures: b.consecutiveFailures, CooldownUntil: b.cooldownUntil}
}

// CanExecute reports whether chain currently accepts a call, advancing
// OPEN to HALF_OPEN when the cooldown has elapsed.
func (m *Manager) CanExecute(chain string) bool {
	b := m.breakerFor(chain)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.state == busproto.CircuitOpen && now.After(b.cooldownUntil) {
		m.transitionLocked(b, chain, busproto.CircuitHalfOpen, "cooldown elapsed")
	}

	switch b.state {
	case busproto.CircuitClosed:
		return true
	case busproto.CircuitHalfOpen:
		if b.halfOpenInFlight >= m.cfg.HalfOpenMaxAttempts {
			return false
		}
		b.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess resets CLOSED's counter or closes a HALF_OPEN breaker.
func (m *Manager) RecordSuccess(chain string) {
	b := m.breakerFor(chain)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case busproto.CircuitClosed:
		b.consecutiveFailures = 0
	case busproto.CircuitHalfOpen:
		b.halfOpenInFlight = 0
		b.consecutiveFailures = 0
		m.transitionLocked(b, chain, busproto.CircuitClosed, "probe succeeded")
	}
}

// RecordFailure increments the failure counter in any state and may open
// (or re-open) the breaker.
func (m *Manager) RecordFailure(chain string) {
	b := m.breakerFor(chain)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++

	if b.state == busproto.CircuitHalfOpen {
		b.halfOpenInFlight = 0
		b.cooldownUntil = time.Now().Add(m.cfg.CooldownPeriod)
		m.transitionLocked(b, chain, busproto.CircuitOpen, "probe failed")
		return
	}

	if b.state == busproto.CircuitClosed && b.consecutiveFailures >= m.cfg.FailureThreshold {
		b.cooldownUntil = time.Now().Add(m.cfg.CooldownPeriod)
		m.transitionLocked(b, chain, busproto.CircuitOpen, fmt.Sprintf("%d consecutive failures", b.consecutiveFailures))
	}
}

// transitionLocked must be called with b.mu held. It publishes the event
// envelope asynchronously (best-effort; a publish failure does not block or
// revert the local transition).
func (m *Manager) transitionLocked(b *breaker, chain string, next busproto.CircuitState, reason string) {
	previous := b.state
	b.state = next

	event := busproto.CircuitBreakerEvent{
		Service:             m.cfg.Service,
		InstanceID:          m.cfg.InstanceID,
		Chain:               chain,
		PreviousState:       previous,
		NewState:            next,
		Reason:              reason,
		Timestamp:           time.Now().UnixMilli(),
		ConsecutiveFailures: b.consecutiveFailures,
		CooldownRemainingMs: cooldownRemainingMs(b.cooldownUntil),
	}
	go func() {
		if err := m.bus.Add(context.Background(), breakerEventStream, event); err != nil {
			m.logger("circuitbreaker: publish transition for %s: %v", chain, err)
		}
	}()
}

func cooldownRemainingMs(until time.Time) int64 {
	remaining := time.Until(until)
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// RestoreFromBus reads up to 200 recent breaker events and, for each chain,
// keeps only the latest. If that latest event is OPEN and still within its
// cooldown window, the chain's breaker is force-opened with reason "Restored
// from restart" so a restarting instance doesn't immediately hammer a sick
// chain.
func (m *Manager) RestoreFromBus(ctx context.Context) error {
	raws, err := m.bus.ReadRecent(ctx, breakerEventStream, restorationScanCount)
	if err != nil {
		return fmt.Errorf("circuitbreaker: restore: %w", err)
	}

	latest := make(map[string]busproto.CircuitBreakerEvent)
	for _, raw := range raws {
		var event busproto.CircuitBreakerEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		if existing, ok := latest[event.Chain]; !ok || event.Timestamp > existing.Timestamp {
			latest[event.Chain] = event
		}
	}

	now := time.Now()
	for chain, event := range latest {
		if event.NewState != busproto.CircuitOpen {
			continue
		}
		age := time.Duration(now.UnixMilli()-event.Timestamp) * time.Millisecond
		if age >= m.cfg.CooldownPeriod {
			continue
		}

		b := m.breakerFor(chain)
		b.mu.Lock()
		b.state = busproto.CircuitOpen
		b.consecutiveFailures = event.ConsecutiveFailures
		b.cooldownUntil = now.Add(m.cfg.CooldownPeriod - age)
		b.mu.Unlock()
		m.logger("circuitbreaker: restored %s as OPEN (Restored from restart)", chain)
	}
	return nil
}
