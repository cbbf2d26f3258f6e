package kms

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"xarb-core/pkg/kms/testkms"
)

func TestSignTransactionRecoversToSignerAddress(t *testing.T) {
	fake, err := testkms.New()
	require.NoError(t, err)
	s := New(fake, "key-1", DefaultConfig())

	to := common.HexToAddress("0x000000000000000000000000000000000000aa")
	tx := types.NewTransaction(0, to, big.NewInt(0), 21000, big.NewInt(1_000_000_000), nil)
	chainID := big.NewInt(1)

	raw, err := s.SignTransaction(context.Background(), chainID, tx)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	var signed types.Transaction
	require.NoError(t, signed.UnmarshalBinary(raw))

	from, err := types.Sender(types.NewEIP155Signer(chainID), &signed)
	require.NoError(t, err)
	assert.Equal(t, fake.Address(), from.Hex())
}

func TestSignMessageProducesRecoverableSignature(t *testing.T) {
	fake, err := testkms.New()
	require.NoError(t, err)
	s := New(fake, "key-1", DefaultConfig())

	r, sOut, v, err := s.SignMessage(context.Background(), []byte("hello world"))
	require.NoError(t, err)

	digest := textHash([]byte("hello world"))
	sig, err := encodeSignature(r, sOut, v)
	require.NoError(t, err)

	pub, err := crypto.SigToPub(digest[:], sig)
	require.NoError(t, err)
	assert.Equal(t, fake.Address(), crypto.PubkeyToAddress(*pub).Hex())
}

func TestSignTypedDataProducesRecoverableSignature(t *testing.T) {
	fake, err := testkms.New()
	require.NoError(t, err)
	s := New(fake, "key-1", DefaultConfig())

	data := TypedData{
		Domain: TypedDataDomain{
			Name:    "xarb-core",
			Version: "1",
			ChainID: big.NewInt(1),
		},
		Types: map[string][]TypedDataField{
			"Order": {
				{Name: "tokenIn", Type: "string"},
				{Name: "tokenOut", Type: "string"},
				{Name: "amountIn", Type: "uint256"},
			},
		},
		PrimaryType: "Order",
		Message: map[string]any{
			"tokenIn":  "WETH",
			"tokenOut": "USDC",
			"amountIn": big.NewInt(1_000_000),
		},
	}

	r, sOut, v, err := s.SignTypedData(context.Background(), data)
	require.NoError(t, err)

	digest, err := data.Hash()
	require.NoError(t, err)
	sig, err := encodeSignature(r, sOut, v)
	require.NoError(t, err)

	pub, err := crypto.SigToPub(digest[:], sig)
	require.NoError(t, err)
	assert.Equal(t, fake.Address(), crypto.PubkeyToAddress(*pub).Hex())
}

func TestTypedDataHashIsDeterministic(t *testing.T) {
	data := TypedData{
		Domain: TypedDataDomain{Name: "xarb-core", Version: "1"},
		Types: map[string][]TypedDataField{
			"Ping": {{Name: "value", Type: "string"}},
		},
		PrimaryType: "Ping",
		Message:     map[string]any{"value": "pong"},
	}

	h1, err := data.Hash()
	require.NoError(t, err)
	h2, err := data.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
