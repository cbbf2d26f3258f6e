// Package ml implements the MLPredictionManager (4.F): a bounded per-pair
// price history feeding a pluggable Predictor, with a singleflight cache
// collapsing duplicate concurrent calls and a hard per-call latency budget.
package ml

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultHistoryCap = 100
const minPointsForPrediction = 10

// PricePoint is one FIFO entry.
type PricePoint struct {
	Price     float64
	Timestamp int64
}

// Prediction is a model's output for one pair.
type Prediction struct {
	Direction  string // "up" | "down"
	Confidence float64
}

// Predictor is the out-of-scope model collaborator. Implementations may call
// out to a remote inference service; Predict must respect ctx cancellation.
type Predictor interface {
	Predict(ctx context.Context, chain, pairKey string, history []PricePoint) (Prediction, error)
}

// history is a bounded FIFO of recent price points for one (chain, pairKey).
type history struct {
	mu     sync.Mutex
	points []PricePoint
	cap    int
}

func newHistory(cap int) *history {
	return &history{cap: cap}
}

func (h *history) push(p PricePoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = append(h.points, p)
	if len(h.points) > h.cap {
		h.points = h.points[len(h.points)-h.cap:]
	}
}

func (h *history) snapshot() []PricePoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PricePoint, len(h.points))
	copy(out, h.points)
	return out
}

// cacheEntry is one single-flight cache slot.
type cacheEntry struct {
	prediction Prediction
	ok         bool
	expiresAt  time.Time
}

// Config tunes the manager's history depth, cache lifetime, and call budget.
type Config struct {
	HistoryCap  int
	CacheTTL    time.Duration
	MaxLatency  time.Duration
	Disabled    bool
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{
		HistoryCap: defaultHistoryCap,
		CacheTTL:   5 * time.Second,
		MaxLatency: 200 * time.Millisecond,
	}
}

// Manager is the MLPredictionManager. It owns per-pair history exclusively;
// the predictor never sees more than a read-only snapshot.
type Manager struct {
	cfg       Config
	predictor Predictor

	mu        sync.Mutex
	histories map[string]*history

	group singleflight.Group

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

func pairID(chain, pairKey string) string {
	return chain + ":" + pairKey
}

// NewManager wires a Manager against a Predictor. A nil predictor or
// cfg.Disabled makes every call fail-open with no prediction.
func NewManager(predictor Predictor, cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		predictor: predictor,
		histories: make(map[string]*history),
		cache:     make(map[string]cacheEntry),
	}
}

func (m *Manager) historyFor(chain, pairKey string) *history {
	key := pairID(chain, pairKey)
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.histories[key]
	if !ok {
		cap := m.cfg.HistoryCap
		if cap <= 0 {
			cap = defaultHistoryCap
		}
		h = newHistory(cap)
		m.histories[key] = h
	}
	return h
}

// RecordPrice appends a price observation to the pair's bounded FIFO.
func (m *Manager) RecordPrice(chain, pairKey string, price float64, timestamp int64) {
	m.historyFor(chain, pairKey).push(PricePoint{Price: price, Timestamp: timestamp})
}

// Predict returns a prediction for (chain, pairKey), or (Prediction{}, false)
// when the manager is disabled, has insufficient history, the singleflight
// call times out, or the predictor errors. All of those are fail-open: the
// caller proceeds without an ML signal rather than blocking or erroring.
func (m *Manager) Predict(ctx context.Context, chain, pairKey string) (Prediction, bool) {
	if m.cfg.Disabled || m.predictor == nil {
		return Prediction{}, false
	}

	key := pairID(chain, pairKey)

	if cached, ok := m.cachedPrediction(key); ok {
		return cached.prediction, cached.ok
	}

	points := m.historyFor(chain, pairKey).snapshot()
	if len(points) < minPointsForPrediction {
		return Prediction{}, false
	}

	type result struct {
		prediction Prediction
		ok         bool
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		pred, ok := m.predictWithTimeout(ctx, chain, pairKey, points)
		m.storeCache(key, pred, ok)
		return result{prediction: pred, ok: ok}, nil
	})
	if err != nil {
		return Prediction{}, false
	}
	r := v.(result)
	return r.prediction, r.ok
}

func (m *Manager) predictWithTimeout(ctx context.Context, chain, pairKey string, points []PricePoint) (Prediction, bool) {
	timeout := m.cfg.MaxLatency
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		prediction Prediction
		err        error
	}
	done := make(chan outcome, 1)
	go func() {
		pred, err := m.predictor.Predict(callCtx, chain, pairKey, points)
		done <- outcome{prediction: pred, err: err}
	}()

	select {
	case <-callCtx.Done():
		return Prediction{}, false
	case out := <-done:
		if out.err != nil {
			return Prediction{}, false
		}
		return out.prediction, true
	}
}

func (m *Manager) cachedPrediction(key string) (cacheEntry, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	entry, ok := m.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return cacheEntry{}, false
	}
	return entry, true
}

func (m *Manager) storeCache(key string, pred Prediction, ok bool) {
	ttl := m.cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache[key] = cacheEntry{prediction: pred, ok: ok, expiresAt: time.Now().Add(ttl)}
}

// PrefetchPredictions fans Predict out across pairs in parallel and returns a
// map of only the pairs that produced a prediction. A disabled manager
// returns an empty map.
func (m *Manager) PrefetchPredictions(ctx context.Context, pairs []string, chainOf func(pairKey string) string) map[string]Prediction {
	out := make(map[string]Prediction)
	if m.cfg.Disabled || m.predictor == nil {
		return out
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, pairKey := range pairs {
		pairKey := pairKey
		wg.Add(1)
		go func() {
			defer wg.Done()
			chain := ""
			if chainOf != nil {
				chain = chainOf(pairKey)
			}
			pred, ok := m.Predict(ctx, chain, pairKey)
			if !ok {
				return
			}
			mu.Lock()
			out[fmt.Sprintf("%s:%s", chain, pairKey)] = pred
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}
