package busproto

// PriceUpdate is the payload carried on stream:price-updates.
type PriceUpdate struct {
	Chain       string  `json:"chain"`
	Dex         string  `json:"dex"`
	PairKey     string  `json:"pairKey"`
	Token0      string  `json:"token0"`
	Token1      string  `json:"token1"`
	Price       float64 `json:"price"`
	Reserve0    float64 `json:"reserve0"`
	Reserve1    float64 `json:"reserve1"`
	BlockNumber int64   `json:"blockNumber"`
	Timestamp   int64   `json:"timestamp"`
	LatencyMs   int64   `json:"latency"`

	PipelineTimestamps map[string]int64 `json:"pipelineTimestamps,omitempty"`
}

// WhaleDirection is the side of a whale transaction.
type WhaleDirection string

const (
	WhaleBuy  WhaleDirection = "buy"
	WhaleSell WhaleDirection = "sell"
)

// WhaleTransaction is the payload carried on stream:whale-alerts.
type WhaleTransaction struct {
	Chain           string         `json:"chain"`
	Token           string         `json:"token"`
	Direction       WhaleDirection `json:"direction"`
	USDValue        float64        `json:"usdValue"`
	Amount          float64        `json:"amount"`
	Address         string         `json:"address"`
	TransactionHash string         `json:"transactionHash"`
	Dex             string         `json:"dex"`
	Impact          float64        `json:"impact"`
	Timestamp       int64          `json:"timestamp"`
}

// PendingIntent describes a not-yet-mined swap intent observed in the mempool.
type PendingIntent struct {
	Hash               string  `json:"hash"`
	Router             string  `json:"router"`
	Type               string  `json:"type"`
	TokenIn            string  `json:"tokenIn"`
	TokenOut           string  `json:"tokenOut"`
	Sender             string  `json:"sender"`
	ChainID            int64   `json:"chainId"`
	Deadline           int64   `json:"deadline"`
	Nonce              int64   `json:"nonce"`
	SlippageTolerance  float64 `json:"slippageTolerance"`
	GasPrice           *BigInt `json:"gasPrice"`
	AmountIn           *BigInt `json:"amountIn"`
	ExpectedAmountOut  *BigInt `json:"expectedAmountOut"`
	Path               []string `json:"path"`
	FirstSeen          int64   `json:"firstSeen"`
}

// PendingOpportunity is the payload carried on stream:pending-opportunities.
type PendingOpportunity struct {
	Type        string        `json:"type"`
	Intent      PendingIntent `json:"intent"`
	PublishedAt int64         `json:"publishedAt"`
}

// CrossChainOpportunity is the Detector's internal representation of a
// candidate trade, enriched progressively through the detection pipeline.
type CrossChainOpportunity struct {
	TokenIn      string  `json:"tokenIn"`
	TokenOut     string  `json:"tokenOut"`
	BuyChain     string  `json:"buyChain"`
	BuyDex       string  `json:"buyDex"`
	SellChain    string  `json:"sellChain"`
	SellDex      string  `json:"sellDex"`
	SourcePrice  float64 `json:"sourcePrice"`
	TargetPrice  float64 `json:"targetPrice"`
	PriceDiff    float64 `json:"priceDiff"`

	// PercentageDiff is expressed in percent, not ratio: (hi-lo)/lo*100.
	PercentageDiff  float64 `json:"percentageDiff"`
	EstimatedProfit float64 `json:"estimatedProfit"`
	BridgeCost      float64 `json:"bridgeCost"`
	NetProfit       float64 `json:"netProfit"`
	Confidence      float64 `json:"confidence"`
	CreatedAt       int64   `json:"createdAt"`

	TradeSizeUsd *float64 `json:"tradeSizeUsd,omitempty"`

	WhaleTriggered bool     `json:"whaleTriggered,omitempty"`
	WhaleDirection string   `json:"whaleDirection,omitempty"`
	MLPrediction   *float64 `json:"mlPrediction,omitempty"`
	MLConfidence   *float64 `json:"mlConfidence,omitempty"`

	PendingIntentHash string `json:"pendingIntentHash,omitempty"`
}

// Fingerprint returns the opportunity dedup key per the glossary's tuple.
func (o CrossChainOpportunity) Fingerprint() string {
	return o.TokenIn + "|" + o.BuyChain + "|" + o.BuyDex + "|" + o.SellChain + "|" + o.SellDex
}

// OpportunityWire is the canonical shape published to stream:opportunities.
type OpportunityWire struct {
	Type             string  `json:"type"`
	BuyChain         string  `json:"buyChain"`
	SellChain        string  `json:"sellChain"`
	TokenIn          string  `json:"tokenIn"`
	TokenOut         string  `json:"tokenOut"`
	BridgeRequired   bool    `json:"bridgeRequired"`
	SourcePrice      float64 `json:"sourcePrice"`
	TargetPrice      float64 `json:"targetPrice"`
	PriceDiff        float64 `json:"priceDiff"`
	PercentageDiff   float64 `json:"percentageDiff"`
	EstimatedProfit  float64 `json:"estimatedProfit"`
	BridgeCost       float64 `json:"bridgeCost"`
	NetProfit        float64 `json:"netProfit"`
	Confidence       float64 `json:"confidence"`
	CreatedAt        int64   `json:"createdAt"`

	WhaleTriggered bool     `json:"whaleTriggered,omitempty"`
	WhaleDirection string   `json:"whaleDirection,omitempty"`
	MLPrediction   *float64 `json:"mlPrediction,omitempty"`
	MLConfidence   *float64 `json:"mlConfidence,omitempty"`

	PendingIntentHash string `json:"pendingIntentHash,omitempty"`
}

// ToWire converts a detector-internal opportunity to its published form.
func (o CrossChainOpportunity) ToWire() OpportunityWire {
	return OpportunityWire{
		Type:              "cross-chain",
		BuyChain:          o.BuyChain,
		SellChain:         o.SellChain,
		TokenIn:           o.TokenIn,
		TokenOut:          o.TokenOut,
		BridgeRequired:    true,
		SourcePrice:       o.SourcePrice,
		TargetPrice:       o.TargetPrice,
		PriceDiff:         o.PriceDiff,
		PercentageDiff:    o.PercentageDiff,
		EstimatedProfit:   o.EstimatedProfit,
		BridgeCost:        o.BridgeCost,
		NetProfit:         o.NetProfit,
		Confidence:        o.Confidence,
		CreatedAt:         o.CreatedAt,
		WhaleTriggered:    o.WhaleTriggered,
		WhaleDirection:    o.WhaleDirection,
		MLPrediction:      o.MLPrediction,
		MLConfidence:      o.MLConfidence,
		PendingIntentHash: o.PendingIntentHash,
	}
}

// BridgeRecoveryStatus enumerates the lifecycle of an in-flight bridge.
type BridgeRecoveryStatus string

const (
	BridgeStatusPending                 BridgeRecoveryStatus = "pending"
	BridgeStatusBridging                BridgeRecoveryStatus = "bridging"
	BridgeStatusBridgeCompletedSellPend BridgeRecoveryStatus = "bridge_completed_sell_pending"
	BridgeStatusRecovered               BridgeRecoveryStatus = "recovered"
	BridgeStatusFailed                  BridgeRecoveryStatus = "failed"
)

// BridgeRecoveryState is persisted (HMAC-signed) under bridge:recovery:<bridgeId>.
type BridgeRecoveryState struct {
	OpportunityID   string               `json:"opportunityId"`
	BridgeID        string               `json:"bridgeId"`
	SourceTxHash    string               `json:"sourceTxHash"`
	SourceChain     string               `json:"sourceChain"`
	DestChain       string               `json:"destChain"`
	BridgeToken     string               `json:"bridgeToken"`
	BridgeAmount    *BigInt              `json:"bridgeAmount"`
	SellDex         string               `json:"sellDex"`
	ExpectedProfit  float64              `json:"expectedProfit"`
	TokenIn         string               `json:"tokenIn"`
	TokenOut        string               `json:"tokenOut"`
	InitiatedAt     int64                `json:"initiatedAt"`
	BridgeProtocol  string               `json:"bridgeProtocol"`
	Status          BridgeRecoveryStatus `json:"status"`
	LastCheckAt     int64                `json:"lastCheckAt,omitempty"`
	ErrorMessage    string               `json:"errorMessage,omitempty"`
}

// CircuitState enumerates a per-chain breaker's state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerEvent is published onto stream:circuit-breaker on every
// transition, so a restarting instance can restore recent OPENs.
type CircuitBreakerEvent struct {
	Service              string       `json:"service"`
	InstanceID            string       `json:"instanceId"`
	Chain                string       `json:"chain"`
	PreviousState        CircuitState `json:"previousState"`
	NewState              CircuitState `json:"newState"`
	Reason                string       `json:"reason"`
	Timestamp             int64        `json:"timestamp"`
	ConsecutiveFailures   int          `json:"consecutiveFailures"`
	CooldownRemainingMs   int64        `json:"cooldownRemainingMs"`
}

// ChainBalance is the BalanceMonitor's per-chain poll result.
type ChainBalance struct {
	Chain          string  `json:"chain"`
	Address        string  `json:"address"`
	BalanceWei     *BigInt `json:"balanceWei"`
	BalanceEth     float64 `json:"balanceEth"`
	LastCheckedAt  int64   `json:"lastCheckedAt"`
	Healthy        bool    `json:"healthy"`
	Error          string  `json:"error,omitempty"`
}
