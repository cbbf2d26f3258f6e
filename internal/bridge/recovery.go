package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"xarb-core/internal/bus"
	"xarb-core/pkg/busproto"
	"xarb-core/pkg/envelope"
)

const recoveryKeyPattern = "bridge:recovery:*"

// RecoveryMetrics is the counter surface the recovery manager updates on
// every scan outcome.
type RecoveryMetrics interface {
	IncAbandonedBridges()
	IncRecoveredBridges()
	IncFailedRecoveries()
}

// RecoveryAuditLogger persists a durable record of every terminal recovery
// decision, independent of the bus.
type RecoveryAuditLogger interface {
	LogRecoveryOutcome(ctx context.Context, bridgeID, status, reason string)
}

// RecoveryConfig configures BridgeRecoveryManager's scan cadence and limits.
type RecoveryConfig struct {
	CheckInterval           time.Duration
	MaxAge                  time.Duration
	MaxConcurrentRecoveries int
	ScanPageSize            int64
	// RouterCallsPerSecond caps the rate of outbound BridgeRouter.GetStatus
	// calls across all in-flight recoveries, independent of
	// MaxConcurrentRecoveries (which only bounds concurrency, not
	// throughput). Zero disables the limiter.
	RouterCallsPerSecond float64
}

// DefaultRecoveryConfig matches the spec's defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		CheckInterval:           60 * time.Second,
		MaxAge:                  24 * time.Hour,
		MaxConcurrentRecoveries: 3,
		ScanPageSize:            100,
		RouterCallsPerSecond:    10,
	}
}

// RecoveryManager is the BridgeRecoveryManager (4.J): it scans persisted
// bridge states and advances, completes, or abandons them.
type RecoveryManager struct {
	busClient     *bus.Client
	signer        *envelope.Signer
	routerFactory BridgeRouterFactory
	metrics       RecoveryMetrics
	audit         RecoveryAuditLogger
	cfg           RecoveryConfig
	logger        *log.Logger

	isChecking atomic.Bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool

	routerLimiter *rate.Limiter
}

// NewRecoveryManager wires a RecoveryManager. metrics/audit may be nil.
func NewRecoveryManager(busClient *bus.Client, signer *envelope.Signer, routerFactory BridgeRouterFactory, metrics RecoveryMetrics, audit RecoveryAuditLogger, cfg RecoveryConfig, logger *log.Logger) *RecoveryManager {
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rate.Limiter
	if cfg.RouterCallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RouterCallsPerSecond), 1)
	}
	return &RecoveryManager{
		busClient:     busClient,
		signer:        signer,
		routerFactory: routerFactory,
		metrics:       metrics,
		audit:         audit,
		cfg:           cfg,
		logger:        logger,
		stopCh:        make(chan struct{}),
		routerLimiter: limiter,
	}
}

// waitForRouterSlot blocks until the router call rate limiter admits one
// more call, or ctx is cancelled. A nil limiter (RouterCallsPerSecond <= 0)
// never blocks.
func (r *RecoveryManager) waitForRouterSlot(ctx context.Context) error {
	if r.routerLimiter == nil {
		return nil
	}
	return r.routerLimiter.Wait(ctx)
}

// Start runs one initial scan then schedules a scan every CheckInterval.
func (r *RecoveryManager) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.scanOnce(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.scanOnce(ctx)
			}
		}
	}()
}

// Stop halts the scan loop.
func (r *RecoveryManager) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

func (r *RecoveryManager) scanOnce(ctx context.Context) {
	if !r.isChecking.CompareAndSwap(false, true) {
		return
	}
	defer r.isChecking.Store(false)

	var cursor uint64
	var keys []string
	for {
		page, next, err := r.busClient.Scan(ctx, cursor, recoveryKeyPattern, r.cfg.ScanPageSize)
		if err != nil {
			r.logger.Printf("bridge recovery: scan error: %v", err)
			return
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	actionable := make([]string, 0, len(keys))
	states := make(map[string]busproto.BridgeRecoveryState, len(keys))
	for _, key := range keys {
		state, ok := r.readState(ctx, key)
		if !ok {
			continue
		}
		switch state.Status {
		case busproto.BridgeStatusPending, busproto.BridgeStatusBridging, busproto.BridgeStatusBridgeCompletedSellPend:
			actionable = append(actionable, key)
			states[key] = state
		}
	}

	r.processBatched(ctx, actionable, states)
}

// readState loads and verifies one persisted entry, deleting it if it is
// corrupt (unparseable) and logging+skipping it if HMAC verification fails.
func (r *RecoveryManager) readState(ctx context.Context, key string) (busproto.BridgeRecoveryState, bool) {
	raw, found, err := r.busClient.Get(ctx, key)
	if err != nil || !found {
		return busproto.BridgeRecoveryState{}, false
	}

	var env envelope.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Printf("bridge recovery: corrupt entry %s, deleting: %v", key, err)
		if delErr := r.busClient.Del(ctx, key); delErr != nil {
			r.logger.Printf("bridge recovery: delete corrupt entry %s: %v", key, delErr)
		}
		return busproto.BridgeRecoveryState{}, false
	}

	var state busproto.BridgeRecoveryState
	signed, err := r.signer.Open(env, &state)
	if err != nil {
		switch err {
		case envelope.ErrVerificationFailed, envelope.ErrUnsignedRejected:
			r.logger.Printf("bridge recovery: rejecting entry %s: %v", key, err)
			return busproto.BridgeRecoveryState{}, false
		default:
			r.logger.Printf("bridge recovery: corrupt entry %s, deleting: %v", key, err)
			if delErr := r.busClient.Del(ctx, key); delErr != nil {
				r.logger.Printf("bridge recovery: delete corrupt entry %s: %v", key, delErr)
			}
			return busproto.BridgeRecoveryState{}, false
		}
	}
	if !signed {
		r.logger.Printf("bridge recovery: accepted unsigned legacy entry %s (HMAC signing disabled)", key)
	}
	return state, true
}

func (r *RecoveryManager) processBatched(ctx context.Context, keys []string, states map[string]busproto.BridgeRecoveryState) {
	limit := r.cfg.MaxConcurrentRecoveries
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for _, key := range keys {
		key, state := key, states[key]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.processOne(ctx, key, state)
		}()
	}
	wg.Wait()
}

func (r *RecoveryManager) processOne(ctx context.Context, key string, state busproto.BridgeRecoveryState) {
	age := time.Since(time.UnixMilli(state.InitiatedAt))
	if age > r.cfg.MaxAge {
		r.persistTerminal(ctx, key, state, busproto.BridgeStatusFailed, "Bridge abandoned: exceeded max age")
		if r.metrics != nil {
			r.metrics.IncAbandonedBridges()
		}
		return
	}

	router, ok := r.routerFactory.FindSupportedRouter(state.SourceChain, state.DestChain, state.BridgeToken)
	if !ok {
		r.logger.Printf("bridge recovery: no supported router for %s->%s/%s yet, bridgeId=%s", state.SourceChain, state.DestChain, state.BridgeToken, state.BridgeID)
		return
	}

	if state.Status == busproto.BridgeStatusBridgeCompletedSellPend {
		r.attemptSellRecovery(ctx, router, state)
		return
	}

	if err := r.waitForRouterSlot(ctx); err != nil {
		return
	}
	status, err := router.GetStatus(ctx, state.BridgeID)
	if err != nil {
		r.logger.Printf("bridge recovery: transient error checking %s: %v", state.BridgeID, err)
		return
	}

	switch status.Status {
	case "completed":
		r.persistTerminal(ctx, key, state, busproto.BridgeStatusRecovered, "")
		if r.metrics != nil {
			r.metrics.IncRecoveredBridges()
		}
	case "failed", "refunded":
		reason := status.ErrorMessage
		if reason == "" {
			reason = fmt.Sprintf("bridge router reported %s", status.Status)
		}
		r.persistTerminal(ctx, key, state, busproto.BridgeStatusFailed, reason)
		if r.metrics != nil {
			r.metrics.IncFailedRecoveries()
		}
	case "pending", "bridging":
		state.Status = busproto.BridgeRecoveryStatus(status.Status)
		state.LastCheckAt = time.Now().UnixMilli()
		r.persist(ctx, key, state, int64(r.cfg.MaxAge.Seconds()))
	}
}

// attemptSellRecovery only confirms bridge completion; the actual sell is
// executed later by the execution engine, which owns wallets. State is left
// unchanged either way.
func (r *RecoveryManager) attemptSellRecovery(ctx context.Context, router BridgeRouter, state busproto.BridgeRecoveryState) {
	if err := r.waitForRouterSlot(ctx); err != nil {
		return
	}
	status, err := router.GetStatus(ctx, state.BridgeID)
	if err != nil {
		r.logger.Printf("bridge recovery: sell-recovery status check failed for %s: %v", state.BridgeID, err)
		return
	}
	r.logger.Printf("bridge recovery: bridge %s status=%s, deferring sell to execution engine", state.BridgeID, status.Status)
}

func (r *RecoveryManager) persistTerminal(ctx context.Context, key string, state busproto.BridgeRecoveryState, status busproto.BridgeRecoveryStatus, reason string) {
	state.Status = status
	state.ErrorMessage = reason
	r.persist(ctx, key, state, 3600)
	if r.audit != nil {
		r.audit.LogRecoveryOutcome(ctx, state.BridgeID, string(status), reason)
	}
}

func (r *RecoveryManager) persist(ctx context.Context, key string, state busproto.BridgeRecoveryState, ttlSeconds int64) {
	env, err := r.signer.Sign(state)
	if err != nil {
		r.logger.Printf("bridge recovery: sign state %s: %v", key, err)
		return
	}
	if err := r.busClient.Set(ctx, key, env, ttlSeconds); err != nil {
		r.logger.Printf("bridge recovery: persist %s: %v", key, err)
	}
}

// RecoveryKey builds the bridge:recovery:<bridgeId> key used on the bus.
func RecoveryKey(bridgeID string) string {
	return "bridge:recovery:" + bridgeID
}
