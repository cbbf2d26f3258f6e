// Package priceindex implements the PriceDataManager and IndexedSnapshot:
// a hierarchical chain -> dex -> pairKey price store with periodic cleanup
// and a token-normalized by-token index for cross-chain comparison.
//
// Adapted from internal/state.Manager's mutex-guarded map-of-maps shape,
// generalized from a single-symbol position store to the three-level price
// hierarchy the detector needs.
package priceindex

import (
	"math"
	"strings"
	"sync"
	"time"

	"xarb-core/pkg/busproto"
)

// tokenEquivalence canonicalizes wrapped/bridged token aliases so the same
// underlying asset compares across chains (e.g. WETH.e on Avalanche and ETH
// on a rollup both become WETH).
var tokenEquivalence = map[string]string{
	"WETH.e": "WETH",
	"ETH":    "WETH",
	"BTCB":   "WBTC",
	"fUSDT":  "USDT",
}

func normalizeToken(token string) string {
	return NormalizeToken(token)
}

// NormalizeToken canonicalizes a wrapped/bridged token alias the same way
// the by-token index does, so callers outside this package (e.g. the
// pending-intent path) can match against it consistently.
func NormalizeToken(token string) string {
	if canon, ok := tokenEquivalence[token]; ok {
		return canon
	}
	return token
}

// normalizePairKey keeps only the final two underscore-delimited segments of
// a pair key, tolerating a DEX-name prefix (e.g. "sushi_WETH_USDC" ->
// "WETH_USDC"), then canonicalizes each token.
func normalizePairKey(pairKey string) string {
	segments := strings.Split(pairKey, "_")
	if len(segments) < 2 {
		return pairKey
	}
	t0 := normalizeToken(segments[len(segments)-2])
	t1 := normalizeToken(segments[len(segments)-1])
	return t0 + "_" + t1
}

// PricePoint is one entry of an IndexedSnapshot's by-token grouping.
type PricePoint struct {
	Chain   string
	Dex     string
	PairKey string
	Price   float64
	Update  busproto.PriceUpdate
}

// IndexedSnapshot is an immutable, point-in-time view built from the store.
// Once returned to a caller it is never mutated by the manager.
type IndexedSnapshot struct {
	ByToken   map[string][]PricePoint
	Raw       map[string]map[string]map[string]busproto.PriceUpdate
	Version   int64
	Timestamp time.Time
}

// maxSafeVersion mirrors the language-neutral "approaching 2^53-1" guard;
// Go's int64 has far more headroom, but the counter still resets so this
// component's behavior matches the spec regardless of host width.
const maxSafeVersion = (int64(1) << 53) - 1

// Manager owns the chain -> dex -> pairKey -> PriceUpdate store exclusively;
// every reader gets an immutable snapshot, never the live map.
type Manager struct {
	mu    sync.RWMutex
	store map[string]map[string]map[string]busproto.PriceUpdate

	writesSinceCleanup int
	cleanupEveryNWrites int
	maxAge              time.Duration

	version int64
}

// NewManager creates an empty PriceDataManager. cleanupEveryNWrites triggers
// handlePriceUpdate's periodic cleanup; maxAge is the default cell TTL (5m
// per the data model unless overridden).
func NewManager(cleanupEveryNWrites int, maxAge time.Duration) *Manager {
	if cleanupEveryNWrites <= 0 {
		cleanupEveryNWrites = 500
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Manager{
		store:               make(map[string]map[string]map[string]busproto.PriceUpdate),
		cleanupEveryNWrites:  cleanupEveryNWrites,
		maxAge:               maxAge,
		version:              1,
	}
}

// HandlePriceUpdate overwrites the cell for (chain, dex, pairKey) and
// periodically triggers cleanup.
func (m *Manager) HandlePriceUpdate(u busproto.PriceUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dexes, ok := m.store[u.Chain]
	if !ok {
		dexes = make(map[string]map[string]busproto.PriceUpdate)
		m.store[u.Chain] = dexes
	}
	pairs, ok := dexes[u.Dex]
	if !ok {
		pairs = make(map[string]busproto.PriceUpdate)
		dexes[u.Dex] = pairs
	}
	pairs[u.PairKey] = u
	m.bumpVersionLocked()

	m.writesSinceCleanup++
	if m.writesSinceCleanup >= m.cleanupEveryNWrites {
		m.writesSinceCleanup = 0
		m.cleanupLocked(m.maxAge)
	}
}

// Cleanup removes cells older than maxAge and prunes empty branches.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked(maxAge)
}

func (m *Manager) cleanupLocked(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	removed := 0

	for chain, dexes := range m.store {
		for dex, pairs := range dexes {
			for pairKey, u := range pairs {
				if u.Timestamp < cutoff {
					delete(pairs, pairKey)
					removed++
				}
			}
			if len(pairs) == 0 {
				delete(dexes, dex)
			}
		}
		if len(dexes) == 0 {
			delete(m.store, chain)
		}
	}
	if removed > 0 {
		m.bumpVersionLocked()
	}
	return removed
}

// Clear empties the entire store (e.g. on explicit clear()).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = make(map[string]map[string]map[string]busproto.PriceUpdate)
	m.bumpVersionLocked()
}

func (m *Manager) bumpVersionLocked() {
	m.version++
	if m.version >= maxSafeVersion {
		m.version = 1
	}
}

// CreateIndexedSnapshot builds the by-token index and a raw copy of the
// store. The returned snapshot is never mutated after return.
func (m *Manager) CreateIndexedSnapshot() IndexedSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	raw := make(map[string]map[string]map[string]busproto.PriceUpdate, len(m.store))
	byToken := make(map[string][]PricePoint)

	for chain, dexes := range m.store {
		rawDexes := make(map[string]map[string]busproto.PriceUpdate, len(dexes))
		for dex, pairs := range dexes {
			rawPairs := make(map[string]busproto.PriceUpdate, len(pairs))
			for pairKey, u := range pairs {
				rawPairs[pairKey] = u

				if !validPrice(u.Price) {
					continue
				}
				norm := normalizePairKey(pairKey)
				byToken[norm] = append(byToken[norm], PricePoint{
					Chain:   chain,
					Dex:     dex,
					PairKey: pairKey,
					Price:   u.Price,
					Update:  u,
				})
			}
			rawDexes[dex] = rawPairs
		}
		raw[chain] = rawDexes
	}

	return IndexedSnapshot{
		ByToken:   byToken,
		Raw:       raw,
		Version:   m.version,
		Timestamp: time.Now(),
	}
}

func validPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p > 0
}

// Version returns the current snapshot-invalidation counter.
func (m *Manager) Version() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}
