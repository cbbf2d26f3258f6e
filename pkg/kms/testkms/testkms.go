// Package testkms provides an in-process fake of kms.Client backed by a
// real ecdsa key, for tests that need a working signer without a network
// call to a real HSM.
package testkms

import (
	"context"
	"crypto/ecdsa"
	"encoding/asn1"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Fake is a kms.Client backed by a locally generated key.
type Fake struct {
	key   *ecdsa.PrivateKey
	delay time.Duration

	mu    sync.Mutex
	calls int
	err   error
}

// New generates a fresh secp256k1 key to back the fake.
func New() (*Fake, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Fake{key: key}, nil
}

// SetDelay makes every Sign call sleep before returning, for timeout tests.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// SetError makes every subsequent Sign call fail with err.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times Sign has been invoked.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// GetPublicKey returns the SPKI DER encoding of the fake key's public point.
func (f *Fake) GetPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	pub := f.key.PublicKey
	point := elliptic65(&pub)

	type bitStringSeq struct {
		Algo asn1.RawValue
		Key  asn1.BitString
	}
	algo, _ := asn1.Marshal(asn1.RawValue{Tag: asn1.TagSequence, Class: asn1.ClassUniversal, IsCompound: true, Bytes: []byte{}})
	seq := bitStringSeq{
		Algo: asn1.RawValue{FullBytes: algo},
		Key:  asn1.BitString{Bytes: point, BitLength: len(point) * 8},
	}
	return asn1.Marshal(seq)
}

func elliptic65(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	pub.X.FillBytes(out[1:33])
	pub.Y.FillBytes(out[33:65])
	return out
}

// Sign produces a DER-encoded (r, s) signature over digest.
func (f *Fake) Sign(ctx context.Context, keyID string, digest [32]byte) ([]byte, error) {
	f.mu.Lock()
	delay, err, calls := f.delay, f.err, f.calls
	f.calls = calls + 1
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	sig, sigErr := crypto.Sign(digest[:], f.key)
	if sigErr != nil {
		return nil, sigErr
	}
	return derFromCompact(sig)
}

func derFromCompact(sig []byte) ([]byte, error) {
	type rs struct {
		R *big.Int
		S *big.Int
	}
	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	return asn1.Marshal(rs{R: r, S: s})
}

// Address returns the fake key's address, useful for test assertions.
func (f *Fake) Address() string {
	return crypto.PubkeyToAddress(f.key.PublicKey).Hex()
}
