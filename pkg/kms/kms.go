// Package kms implements the KmsSigner (4.M): an HSM-backed ECDSA signer
// over secp256k1 fronted by a concurrency gate and a failure-threshold
// circuit breaker, matching the shape of pkg/crypto.KeyManager's
// mutex-guarded, versioned key cache but replacing local AES keys with a
// remote KMS client and address derivation from an SPKI public key.
package kms

import (
	"context"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrCircuitOpen = errors.New("ERR_KMS_CIRCUIT_OPEN")
	ErrQueueFull   = errors.New("ERR_KMS_QUEUE_FULL")
	ErrTimeout     = errors.New("ERR_KMS_TIMEOUT")
	ErrDraining    = errors.New("ERR_KMS_DRAINING")
	ErrRecovery    = errors.New("ERR_KMS_RECOVERY")
	ErrBadSPKI     = errors.New("malformed SPKI public key")
	ErrBadDER      = errors.New("malformed DER signature")
)

// Client is the remote HSM surface the Signer delegates to.
type Client interface {
	GetPublicKey(ctx context.Context, keyID string) ([]byte, error)
	Sign(ctx context.Context, keyID string, digest [32]byte) ([]byte, error)
}

// Config tunes the concurrency gate, timeout, and circuit breaker.
type Config struct {
	MaxConcurrentSigns int
	MaxSignQueueSize   int
	KmsTimeout         time.Duration
	FailureThreshold   int
	CooldownPeriod     time.Duration
}

// DefaultConfig matches the spec's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSigns: 3,
		MaxSignQueueSize:   100,
		KmsTimeout:         5 * time.Second,
		FailureThreshold:   5,
		CooldownPeriod:     300 * time.Second,
	}
}

// Signer is the KmsSigner: one per (chain, keyID).
type Signer struct {
	client Client
	keyID  string
	cfg    Config

	addressOnce sync.Once
	address     string
	addressErr  error

	sem       chan struct{}
	queueMu   sync.Mutex
	queueSize int

	mu                  sync.Mutex
	consecutiveFailures int
	circuitOpenUntil    time.Time
	draining            bool
}

// New wires a Signer against a KMS client and key ID.
func New(client Client, keyID string, cfg Config) *Signer {
	return &Signer{
		client: client,
		keyID:  keyID,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrentSigns),
	}
}

// GetAddress derives and caches the signer's Ethereum address from the KMS
// public key, computed at most once.
func (s *Signer) GetAddress(ctx context.Context) (string, error) {
	s.addressOnce.Do(func() {
		spki, err := s.client.GetPublicKey(ctx, s.keyID)
		if err != nil {
			s.addressErr = fmt.Errorf("kms: get public key: %w", err)
			return
		}
		addr, err := addressFromSPKI(spki)
		if err != nil {
			s.addressErr = err
			return
		}
		s.address = addr
	})
	return s.address, s.addressErr
}

// addressFromSPKI walks the SPKI DER structure by hand: outer SEQUENCE,
// AlgorithmIdentifier SEQUENCE (skipped), then a BIT STRING whose content is
// a 0x00 unused-bits byte followed by an uncompressed EC point (0x04 || x ||
// y). keccak256(x||y)'s last 20 bytes, EIP-55 checksummed, is the address.
func addressFromSPKI(der []byte) (string, error) {
	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(der, &seq); err != nil {
		return "", fmt.Errorf("%w: outer sequence: %v", ErrBadSPKI, err)
	}
	if seq.Class != asn1.ClassUniversal || seq.Tag != asn1.TagSequence {
		return "", fmt.Errorf("%w: not a sequence", ErrBadSPKI)
	}

	rest := seq.Bytes
	var algo asn1.RawValue
	rest2, err := asn1.Unmarshal(rest, &algo)
	if err != nil {
		return "", fmt.Errorf("%w: algorithm identifier: %v", ErrBadSPKI, err)
	}

	var bitString asn1.BitString
	if _, err := asn1.Unmarshal(rest2, &bitString); err != nil {
		return "", fmt.Errorf("%w: bit string: %v", ErrBadSPKI, err)
	}

	point := bitString.Bytes
	if len(point) != 65 {
		return "", fmt.Errorf("%w: unexpected point length %d", ErrBadSPKI, len(point))
	}
	if point[0] != 0x04 {
		return "", fmt.Errorf("%w: expected uncompressed point tag 0x04", ErrBadSPKI)
	}

	xy := point[1:]
	hash := crypto.Keccak256(xy)
	addr := hash[len(hash)-20:]
	return checksumHex(addr), nil
}

func checksumHex(addr []byte) string {
	hexAddr := fmt.Sprintf("%x", addr)
	hash := crypto.Keccak256([]byte(hexAddr))
	var b strings.Builder
	b.WriteString("0x")
	for i, c := range hexAddr {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
			continue
		}
		hashByte := hash[i/2]
		var nibble byte
		if i%2 == 0 {
			nibble = hashByte >> 4
		} else {
			nibble = hashByte & 0x0f
		}
		if nibble >= 8 {
			b.WriteRune(c - 32)
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Sign implements the 4.M sign pipeline: circuit/drain check, concurrency
// gate, timeout race, DER parse, s-normalization, v-recovery.
func (s *Signer) Sign(ctx context.Context, digest [32]byte) (r, sOut *big.Int, v byte, err error) {
	if err := s.preflight(); err != nil {
		return nil, nil, 0, err
	}

	if err := s.acquire(); err != nil {
		return nil, nil, 0, err
	}
	defer s.release()

	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		return nil, nil, 0, ErrDraining
	}

	der, err := s.callWithTimeout(ctx, digest)
	if err != nil {
		s.recordFailure()
		return nil, nil, 0, err
	}

	r, sOut, err = parseDERSignature(der)
	if err != nil {
		s.recordFailure()
		return nil, nil, 0, fmt.Errorf("%w: %v", ErrBadDER, err)
	}
	sOut = normalizeS(sOut)

	address, err := s.GetAddress(ctx)
	if err != nil {
		s.recordFailure()
		return nil, nil, 0, err
	}

	v, err = recoverV(digest, r, sOut, address)
	if err != nil {
		s.recordFailure()
		return nil, nil, 0, err
	}

	s.recordSuccess()
	return r, sOut, v, nil
}

func (s *Signer) preflight() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return ErrDraining
	}
	if !s.circuitOpenUntil.IsZero() && time.Now().Before(s.circuitOpenUntil) {
		return ErrCircuitOpen
	}
	return nil
}

func (s *Signer) acquire() error {
	s.queueMu.Lock()
	if s.queueSize >= s.cfg.MaxSignQueueSize {
		s.queueMu.Unlock()
		return ErrQueueFull
	}
	s.queueSize++
	s.queueMu.Unlock()

	s.sem <- struct{}{}

	s.queueMu.Lock()
	s.queueSize--
	s.queueMu.Unlock()
	return nil
}

func (s *Signer) release() {
	<-s.sem
}

func (s *Signer) callWithTimeout(ctx context.Context, digest [32]byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.KmsTimeout)
	defer cancel()

	type outcome struct {
		der []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		der, err := s.client.Sign(callCtx, s.keyID, digest)
		done <- outcome{der: der, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, ErrTimeout
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("kms: sign: %w", out.err)
		}
		return out.der, nil
	}
}

func (s *Signer) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	if s.consecutiveFailures >= s.cfg.FailureThreshold {
		s.circuitOpenUntil = time.Now().Add(s.cfg.CooldownPeriod)
	}
}

func (s *Signer) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.circuitOpenUntil = time.Time{}
}

// Drain marks the signer as draining. Sign calls that start afterwards see
// ErrDraining at the top of Sign; calls waiting for a concurrency slot see it
// once they obtain the slot, before any KMS call. Drain does not wake those
// waiters early, and calls already waiting on KMS run to completion.
func (s *Signer) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}

// parseDERSignature does a length-validated TLV walk of a DER ECDSA
// signature (SEQUENCE of two INTEGERs), rejecting truncated or mis-tagged
// input, and strips each INTEGER's leading sign byte.
func parseDERSignature(der []byte) (r, s *big.Int, err error) {
	type rs struct {
		R *big.Int
		S *big.Int
	}
	var sig rs
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, err
	}
	if sig.R == nil || sig.S == nil || sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
		return nil, nil, errors.New("non-positive r or s")
	}
	return sig.R, sig.S, nil
}

var secp256k1HalfN = new(big.Int).Rsh(crypto.S256().Params().N, 1)

// normalizeS enforces EIP-2's low-s rule.
func normalizeS(s *big.Int) *big.Int {
	if s.Cmp(secp256k1HalfN) > 0 {
		return new(big.Int).Sub(crypto.S256().Params().N, s)
	}
	return s
}

// recoverV tries both recovery IDs and returns whichever recovers to
// address.
func recoverV(digest [32]byte, r, s *big.Int, address string) (byte, error) {
	sig := make([]byte, 65)
	rBytes := math.U256Bytes(new(big.Int).Set(r))
	sBytes := math.U256Bytes(new(big.Int).Set(s))
	copy(sig[0:32], rBytes)
	copy(sig[32:64], sBytes)

	for _, recID := range []byte{0, 1} {
		sig[64] = recID
		pub, err := crypto.SigToPub(digest[:], sig)
		if err != nil {
			continue
		}
		if strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address) {
			return recID + 27, nil
		}
	}
	return 0, ErrRecovery
}
