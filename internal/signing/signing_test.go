package signing

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewSignerFromKey(key)
}

func TestSignAndVerify(t *testing.T) {
	s := newTestSigner(t)
	price := decimal.RequireFromString("43250.12")

	sig, err := s.Sign("BTC-USD", price, "chainlink-1")
	require.NoError(t, err)
	require.Len(t, sig, crypto.SignatureLength)

	require.NoError(t, Verify(s.Address(), "BTC-USD", price, "chainlink-1", sig))

	// 同值不同表示应得到相同摘要
	assert.NoError(t, Verify(s.Address(), "BTC-USD", decimal.RequireFromString("43250.120"), "chainlink-1", sig))
}

func TestVerifyRejectsTamperedTuple(t *testing.T) {
	s := newTestSigner(t)
	price := decimal.NewFromInt(100)
	sig, err := s.Sign("ETH-USD", price, "pyth-1")
	require.NoError(t, err)

	assert.ErrorIs(t, Verify(s.Address(), "ETH-USD", decimal.NewFromInt(101), "pyth-1", sig), ErrSignerMismatch)
	assert.ErrorIs(t, Verify(s.Address(), "ETH-USD", price, "band-1", sig), ErrSignerMismatch)
	assert.Error(t, Verify(s.Address(), "ETH-USD", price, "pyth-1", sig[:10]))
}

func TestNewSignerFromHex(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hexutil.Encode(crypto.FromECDSA(key))

	s, err := NewSigner(hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	_, err = NewSigner("")
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = NewSigner("zz")
	assert.Error(t, err)
}

func TestRegistryVerify(t *testing.T) {
	s := newTestSigner(t)
	other := newTestSigner(t)
	reg := NewRegistry()
	reg.Trust("band-1", s.Address())

	price := decimal.RequireFromString("1.0001")
	sig, err := s.Sign("USDC-USD", price, "band-1")
	require.NoError(t, err)
	assert.NoError(t, reg.Verify("band-1", "USDC-USD", price, sig))

	forged, err := other.Sign("USDC-USD", price, "band-1")
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Verify("band-1", "USDC-USD", price, forged), ErrSignerMismatch)
	assert.ErrorIs(t, reg.Verify("unknown", "USDC-USD", price, sig), ErrUnknownSigner)

	assert.Error(t, reg.TrustHex("x", "not-an-address"))
	require.NoError(t, reg.TrustHex("x", other.Address().Hex()))
	got, ok := reg.Lookup("x")
	assert.True(t, ok)
	assert.Equal(t, other.Address(), got)
}

func TestNilSigner(t *testing.T) {
	var s *Signer
	_, err := s.Sign("a", decimal.NewFromInt(1), "o")
	assert.ErrorIs(t, err, ErrNoKey)
}
