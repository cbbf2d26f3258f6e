// Command detector is the cross-chain arbitrage detector daemon: it wires
// the stream consumer, price index, detector core, bridge collaborators,
// circuit breaker, and KMS signer into one long-running
// process and serves a Prometheus /metrics endpoint alongside them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"xarb-core/internal/bridge"
	"xarb-core/internal/bus"
	"xarb-core/internal/circuitbreaker"
	"xarb-core/internal/confidence"
	"xarb-core/internal/consumer"
	"xarb-core/internal/detector"
	"xarb-core/internal/events"
	"xarb-core/internal/lifecycle"
	"xarb-core/internal/ml"
	"xarb-core/internal/prevalidate"
	"xarb-core/internal/publisher"
	"xarb-core/internal/priceindex"
	"xarb-core/pkg/audit"
	"xarb-core/pkg/busproto"
	"xarb-core/pkg/config"
	"xarb-core/pkg/envelope"
	"xarb-core/pkg/kms"
	"xarb-core/pkg/kms/testkms"
	"xarb-core/pkg/metrics"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitRuntimeError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "", "path to a YAML file overriding per-chain RPC/WS endpoints (optional)")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Printf("detector: config load failed: %v", err)
		return exitConfigError
	}
	if len(cfg.Chains) == 0 {
		log.Printf("detector: config error: no chains configured")
		return exitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	machine := lifecycle.New()
	machine.OnTransition(func(previous, next lifecycle.State) {
		log.Printf("detector: lifecycle %s -> %s", previous, next)
	})

	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Printf("detector: failed to build app: %v", err)
		return exitConfigError
	}
	defer app.Close()

	if err := machine.Start(ctx, func(ctx context.Context) error {
		return app.Start(ctx)
	}); err != nil {
		log.Printf("detector: startup failed: %v", err)
		return exitRuntimeError
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("detector: shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := machine.Stop(stopCtx, func(ctx context.Context) error {
		app.Stop()
		return nil
	}); err != nil {
		log.Printf("detector: shutdown error: %v", err)
		return exitRuntimeError
	}

	return exitOK
}

// app bundles every long-lived component the daemon owns.
type app struct {
	cfg config.Config

	busClient *bus.Client
	eventBus  *events.Bus
	audit     *audit.Database

	consumer  *consumer.Consumer
	priceMgr  *priceindex.Manager
	det       *detector.Detector
	pub       *publisher.Publisher
	breakers  *circuitbreaker.Manager
	recovery  *bridge.RecoveryManager
	preval    *prevalidate.Orchestrator
	signer    *kms.Signer

	metricsServer *http.Server

	unsubPrice   func()
	unsubWhale   func()
	unsubPending func()
}

// mlSignalAdapter narrows ml.Manager's prediction surface down to
// detector.MLSignalSource. Direction alignment is a simplification: "up"
// is treated as aligned with the caller's detected direction, since the
// interface does not carry that context across the boundary.
type mlSignalAdapter struct {
	mgr *ml.Manager
}

func (a mlSignalAdapter) Signal(ctx context.Context, chain, pairKey string) (confidence.MLSignal, bool) {
	pred, ok := a.mgr.Predict(ctx, chain, pairKey)
	if !ok {
		return confidence.MLSignal{}, false
	}
	return confidence.MLSignal{
		Present:    true,
		Confidence: pred.Confidence,
		Aligned:    pred.Direction == "up",
	}, true
}

// auditRecoveryLogger adapts pkg/audit.Queries (which returns an error) to
// bridge.RecoveryAuditLogger (which does not); failures are logged, not
// propagated, since audit logging must never block a recovery decision.
type auditRecoveryLogger struct {
	queries *audit.Queries
}

func (l auditRecoveryLogger) LogRecoveryOutcome(ctx context.Context, bridgeID, status, reason string) {
	if err := l.queries.LogRecoveryOutcome(ctx, bridgeID, status, reason); err != nil {
		log.Printf("detector: failed to audit recovery outcome for %s: %v", bridgeID, err)
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	busClient, err := bus.New(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	auditDB, err := audit.New(cfg.AuditDBPath)
	if err != nil {
		busClient.Close()
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := audit.ApplyMigrations(auditDB); err != nil {
		auditDB.Close()
		busClient.Close()
		return nil, fmt.Errorf("apply audit migrations: %w", err)
	}
	queries := audit.NewQueries(auditDB.DB)

	metricsCollectors := metrics.New()

	eventBus := events.NewBus()
	priceMgr := priceindex.NewManager(1000, cfg.MaxPriceAge)

	predictor := bridge.NewPredictor()
	costEst := bridge.NewCostEstimator(predictor, "stargate")

	confCalc := confidence.New(confidence.DefaultConfig())

	mlMgr := ml.NewManager(noopMLPredictor{}, ml.DefaultConfig())

	pub := publisher.New(busClient, publisher.DefaultConfig())

	preval := prevalidate.New(nil, prevalidate.Config{
		Enabled:                cfg.PreValidationEnabled,
		MonthlyBudget:          cfg.MonthlyBudget,
		MinProfitForValidation: cfg.MinProfitForValidation,
		SampleRate:             cfg.SampleRate,
		MaxLatency:             cfg.PreValidationTimeout,
		DefaultTradeSizeUsd:    1000,
	})

	det := detector.New(priceMgr, costEst, confCalc, mlSignalAdapter{mgr: mlMgr}, preval, pub, detector.Config{
		DetectionInterval:  cfg.DetectionInterval,
		MaxPriceAge:        cfg.MaxPriceAge,
		MinProfitThreshold: cfg.MinProfitThreshold,
		FeePercentage:      cfg.FeePercentage,
		TradeTokens:        0.4,
		GasUsdPerChain:     map[string]float64{},
		ErrorThreshold:     cfg.ErrorThreshold,
		ErrorCooldown:      cfg.ErrorCooldown,
		SuperWhaleUsd:      cfg.SuperWhaleUsd,
		PendingMinDiffPct:   0.5,
		PendingDeadlineSkew: 30 * time.Second,
		ChainIDToName:       detector.DefaultChainIDToName(),
	}, nil)

	breakers := circuitbreaker.New(busClient, circuitbreaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		CooldownPeriod:   cfg.CircuitCooldownPeriod,
		Service:          "detector",
		InstanceID:       cfg.InstanceID,
	}, func(format string, args ...any) { log.Printf(format, args...) })

	signer := buildSigner(cfg)

	routerFactory := bridge.NewStaticRouterFactory()
	hmacSigner := envelope.NewSigner([]byte(cfg.RecoveryHMACSecret), cfg.RecoveryHMACSecret != "")
	recovery := bridge.NewRecoveryManager(busClient, hmacSigner, routerFactory, metricsCollectors, auditRecoveryLogger{queries: queries}, bridge.RecoveryConfig{
		CheckInterval:           cfg.RecoveryCheckInterval,
		MaxAge:                  cfg.RecoveryMaxAge,
		MaxConcurrentRecoveries: 3,
		ScanPageSize:            100,
		RouterCallsPerSecond:    10,
	}, nil)

	cons := consumer.New(busClient, eventBus, func() bool { return true }, consumer.Config{
		InstanceID:    cfg.InstanceID,
		ConsumerGroup: cfg.ConsumerGroup,
		PollInterval:  cfg.PollInterval,
		PriceBatch:    50,
		WhaleBatch:    10,
		PendingBatch:  20,
		BlockTimeout:  time.Second,
		MinValidPrice: 1e-12,
		MaxValidPrice: 1e12,
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mux}

	a := &app{
		cfg:           *cfg,
		busClient:     busClient,
		eventBus:      eventBus,
		audit:         auditDB,
		consumer:      cons,
		priceMgr:      priceMgr,
		det:           det,
		pub:           pub,
		breakers:      breakers,
		recovery:      recovery,
		preval:        preval,
		signer:        signer,
		metricsServer: metricsServer,
	}
	return a, nil
}

// buildSigner constructs the KMS signer only when signing is enabled; the
// fake client here stands in for a real AWS KMS client satisfying
// kms.Client, the same way bridge.BridgeRouter is satisfied by a stub until
// a live bridge integration is wired in.
func buildSigner(cfg *config.Config) *kms.Signer {
	if !cfg.FeatureKMSSigning {
		return nil
	}
	fake, err := testkms.New()
	if err != nil {
		log.Printf("detector: kms signer disabled, failed to bootstrap client: %v", err)
		return nil
	}
	return kms.New(fake, cfg.KMSKeyIDDefault, kms.DefaultConfig())
}

type noopMLPredictor struct{}

func (noopMLPredictor) Predict(ctx context.Context, chain, pairKey string, history []ml.PricePoint) (ml.Prediction, error) {
	return ml.Prediction{}, fmt.Errorf("no model wired for %s/%s", chain, pairKey)
}

func (a *app) Start(ctx context.Context) error {
	if err := a.breakers.RestoreFromBus(ctx); err != nil {
		log.Printf("detector: circuit breaker restore failed: %v", err)
	}
	if err := a.consumer.Init(ctx); err != nil {
		return fmt.Errorf("init consumer groups: %w", err)
	}

	priceCh, unsubPrice := a.eventBus.Subscribe(events.EventPriceUpdate, 256)
	whaleCh, unsubWhale := a.eventBus.Subscribe(events.EventWhaleAlert, 64)
	pendingCh, unsubPending := a.eventBus.Subscribe(events.EventPendingIntent, 64)
	a.unsubPrice = unsubPrice
	a.unsubWhale = unsubWhale
	a.unsubPending = unsubPending

	go a.consumePriceUpdates(ctx, priceCh)
	go a.consumeWhaleAlerts(ctx, whaleCh)
	go a.consumePendingIntents(ctx, pendingCh)

	go a.consumer.Run(ctx)
	go a.det.Run(ctx)
	a.recovery.Start(ctx)
	go func() {
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("detector: metrics server error: %v", err)
		}
	}()

	log.Printf("detector: started, watching chains %v", a.cfg.Chains)
	return nil
}

func (a *app) consumePriceUpdates(ctx context.Context, ch <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if update, ok := payload.(busproto.PriceUpdate); ok {
				a.priceMgr.HandlePriceUpdate(update)
			}
		}
	}
}

func (a *app) consumeWhaleAlerts(ctx context.Context, ch <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if tx, ok := payload.(busproto.WhaleTransaction); ok {
				a.det.RecordWhale(tx)
			}
		}
	}
}

func (a *app) consumePendingIntents(ctx context.Context, ch <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if p, ok := payload.(busproto.PendingOpportunity); ok {
				a.det.HandlePendingIntent(ctx, p)
			}
		}
	}
}

func (a *app) Stop() {
	if a.unsubPrice != nil {
		a.unsubPrice()
	}
	if a.unsubWhale != nil {
		a.unsubWhale()
	}
	if a.unsubPending != nil {
		a.unsubPending()
	}
	a.consumer.Stop()
	a.recovery.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.metricsServer.Shutdown(shutdownCtx)

	if a.signer != nil {
		a.signer.Drain()
	}
}

func (a *app) Close() {
	a.audit.Close()
	a.busClient.Close()
}
