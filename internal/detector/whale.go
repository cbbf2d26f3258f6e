package detector

import (
	"regexp"
	"sync"
	"time"

	"xarb-core/internal/confidence"
	"xarb-core/pkg/busproto"
)

// whaleWindow is how long a whale transaction keeps influencing a token's
// sentiment summary.
const whaleWindow = 5 * time.Minute

type whaleRecord struct {
	direction busproto.WhaleDirection
	usdValue  float64
	super     bool
	at        time.Time
}

// whaleIndex aggregates recent whale activity per token into the sentiment
// summary the confidence calculator and detector need.
type whaleIndex struct {
	mu             sync.Mutex
	byToken        map[string][]whaleRecord
	superWhaleUsd  float64
}

func newWhaleIndex(superWhaleUsd float64) *whaleIndex {
	return &whaleIndex{
		byToken:       make(map[string][]whaleRecord),
		superWhaleUsd: superWhaleUsd,
	}
}

func (w *whaleIndex) Record(tx busproto.WhaleTransaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byToken[tx.Token] = append(w.byToken[tx.Token], whaleRecord{
		direction: tx.Direction,
		usdValue:  tx.USDValue,
		super:     tx.USDValue >= w.superWhaleUsd,
		at:        time.Unix(0, tx.Timestamp*int64(time.Millisecond)),
	})
}

// Summary returns (signal, triggered) for a token: triggered is false when no
// whale activity exists inside the window, in which case the caller attaches
// no whale fields to the candidate at all.
func (w *whaleIndex) Summary(token string) (confidence.WhaleSignal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-whaleWindow)
	records := w.byToken[token]
	kept := records[:0]
	var buy, sell int
	var netFlow float64
	var superCount int
	for _, r := range records {
		if r.at.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
		switch r.direction {
		case busproto.WhaleBuy:
			buy++
			netFlow += r.usdValue
		case busproto.WhaleSell:
			sell++
			netFlow -= r.usdValue
		}
		if r.super {
			superCount++
		}
	}
	w.byToken[token] = kept

	if len(kept) == 0 {
		return confidence.WhaleSignal{}, false
	}

	sentiment := confidence.WhaleNeutral
	switch {
	case buy > sell:
		sentiment = confidence.WhaleBullish
	case sell > buy:
		sentiment = confidence.WhaleBearish
	}

	return confidence.WhaleSignal{
		Sentiment:       sentiment,
		SuperWhaleCount: superCount,
		NetFlowUsd:      netFlow,
	}, true
}

// ethPairRe recognizes the ETH-denominated pairs the rate-of-change breaker
// watches: (WETH|ETH) on one side, a major stablecoin on the other.
var ethPairRe = regexp.MustCompile(`(?i)(WETH|_ETH_|^ETH_).*(USDC|USDT|DAI|BUSD)|(USDC|USDT|DAI|BUSD).*(WETH|_ETH_|^ETH_)`)

func isETHPair(pairKey string) bool {
	return ethPairRe.MatchString(pairKey)
}
