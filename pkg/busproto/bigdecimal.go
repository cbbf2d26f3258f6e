// Package busproto defines the wire types exchanged over the message bus
// streams: price updates, whale alerts, pending intents and the published
// cross-chain opportunity.
package busproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
)

var decimalStringRe = regexp.MustCompile(`^\d+$`)

// ErrNotDecimalString is returned when a wire value is not an unsigned
// decimal integer string (e.g. "123456789000000000").
var ErrNotDecimalString = errors.New("busproto: value is not a decimal-digit string")

// BigInt wraps math/big.Int so amountIn/expectedAmountOut/gasPrice travel the
// bus as the numeric string the spec requires instead of a JSON number,
// avoiding float/int64 precision drift on 18-decimal token amounts.
type BigInt struct {
	big.Int
}

// NewBigInt builds a BigInt from an int64, mainly for tests.
func NewBigInt(v int64) *BigInt {
	b := &BigInt{}
	b.SetInt64(v)
	return b
}

// ParseBigInt parses a decimal digit string into a BigInt.
func ParseBigInt(s string) (*BigInt, error) {
	if !decimalStringRe.MatchString(s) {
		return nil, fmt.Errorf("%w: %q", ErrNotDecimalString, s)
	}
	b := &BigInt{}
	if _, ok := b.SetString(s, 10); !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotDecimalString, s)
	}
	return b, nil
}

// MarshalJSON renders the value as a quoted decimal string.
func (b BigInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Int.String())
}

// UnmarshalJSON accepts only a `^\d+$` decimal string, per the wire contract.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("busproto: decode decimal string: %w", err)
	}
	parsed, err := ParseBigInt(s)
	if err != nil {
		return err
	}
	b.Int = parsed.Int
	return nil
}

func (b BigInt) String() string {
	return b.Int.String()
}

// weiPerToken is the standard 18-decimal ERC-20 scale.
var weiPerToken = new(big.Float).SetFloat64(1e18)

// TokenFloat converts a wei-denominated BigInt to a token-unit float64, the
// same scale internal/bridge.CostEstimator applies to bridge cost
// predictions. Precision beyond float64 is not needed once a value leaves
// the wire representation for arithmetic.
func (b *BigInt) TokenFloat() float64 {
	f := new(big.Float).SetInt(&b.Int)
	f.Quo(f, weiPerToken)
	out, _ := f.Float64()
	return out
}
