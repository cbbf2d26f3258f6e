package kms

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignTransaction implements 4.M's signTransaction(tx): hash the unsigned
// transaction per EIP-155, sign the hash through the same gated pipeline
// Sign uses, attach (r,s,v), and return the RLP-encoded signed transaction.
// Grounded on core/types.EIP155Signer's Hash/WithSignature contract.
func (s *Signer) SignTransaction(ctx context.Context, chainID *big.Int, tx *types.Transaction) ([]byte, error) {
	signer := types.NewEIP155Signer(chainID)
	digest := signer.Hash(tx)

	r, sOut, v, err := s.Sign(ctx, digest)
	if err != nil {
		return nil, err
	}

	sig, err := encodeSignature(r, sOut, v)
	if err != nil {
		return nil, err
	}
	signedTx, err := tx.WithSignature(signer, sig)
	if err != nil {
		return nil, fmt.Errorf("kms: attach signature: %w", err)
	}
	return signedTx.MarshalBinary()
}

// SignMessage implements 4.M's signMessage(msg): EIP-191
// "\x19Ethereum Signed Message:\n<len><msg>" hashing, signed through the
// same pipeline as Sign.
func (s *Signer) SignMessage(ctx context.Context, msg []byte) (r, sOut *big.Int, v byte, err error) {
	return s.Sign(ctx, textHash(msg))
}

// textHash computes the EIP-191 personal-message digest by hand; no
// accounts.TextHash equivalent is available without pulling in the full
// accounts package, and the hash itself is a two-line keccak256 of a
// length-prefixed message.
func textHash(msg []byte) [32]byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return [32]byte(crypto.Keccak256(append([]byte(prefix), msg...)))
}

// SignTypedData implements 4.M's signTypedData(domain, types, value): EIP-712
// domain-separator plus struct-hash digest, signed through the same
// pipeline as Sign.
func (s *Signer) SignTypedData(ctx context.Context, data TypedData) (r, sOut *big.Int, v byte, err error) {
	digest, err := data.Hash()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("kms: hash typed data: %w", err)
	}
	return s.Sign(ctx, digest)
}

// encodeSignature packs (r,s,v) into the 65-byte form Transaction.WithSignature
// expects: [R(32) || S(32) || recoveryID(1)]. Sign returns v already offset
// by 27 (Ethereum's historical convention); WithSignature wants the raw
// recovery id instead.
func encodeSignature(r, s *big.Int, v byte) ([]byte, error) {
	if v < 27 {
		return nil, fmt.Errorf("kms: unexpected recovery byte %d", v)
	}
	sig := make([]byte, 65)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	sig[64] = v - 27
	return sig, nil
}
