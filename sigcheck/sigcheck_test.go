package sigcheck

import (
	"testing"

	"github.com/btcgate/btc-gateway-server/errcode"

	"github.com/stretchr/testify/require"
)

type memNonceStore struct {
	last map[uint64]uint64
}

func newMemNonceStore() *memNonceStore {
	return &memNonceStore{last: make(map[uint64]uint64)}
}

func (s *memNonceStore) Advance(gatewayID uint64, nonce uint64) (bool, error) {
	if nonce <= s.last[gatewayID] {
		return false, nil
	}
	s.last[gatewayID] = nonce
	return true, nil
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("post", "/gateways/1/orders",
		map[string]string{"amount": "10", "description": "beer"}, "7")
	require.Equal(t, "POST\n/gateways/1/orders\namount=10&description=beer\n7", got)

	// Param order must not matter: keys are sorted.
	same := CanonicalString("POST", "/gateways/1/orders",
		map[string]string{"description": "beer", "amount": "10"}, "7")
	require.Equal(t, got, same)
}

func TestSignPayload(t *testing.T) {
	body := []byte(`{"id":1,"status":2}`)
	sig := SignPayload("secret", body, "42")
	require.Len(t, sig, 64)
	require.Equal(t, sig, SignPayload("secret", body, "42"))
	require.NotEqual(t, sig, SignPayload("secret", body, "43"))
	require.NotEqual(t, sig, SignPayload("other", body, "42"))
}

func TestValidator_Validate(t *testing.T) {
	const secret = "topsecret"
	params := map[string]string{"amount": "10"}

	sign := func(nonce string) string {
		return ComputeSignature(secret, "POST", "/gateways/1/orders", params, nonce)
	}

	t.Run("valid_signature_and_increasing_nonce", func(t *testing.T) {
		v := NewValidator(newMemNonceStore())
		require.NoError(t, v.Validate(1, secret, "POST", "/gateways/1/orders", params, "1", sign("1")))
		require.NoError(t, v.Validate(1, secret, "POST", "/gateways/1/orders", params, "2", sign("2")))
	})

	t.Run("replayed_nonce_rejected", func(t *testing.T) {
		v := NewValidator(newMemNonceStore())
		require.NoError(t, v.Validate(1, secret, "POST", "/gateways/1/orders", params, "5", sign("5")))

		err := v.Validate(1, secret, "POST", "/gateways/1/orders", params, "5", sign("5"))
		require.Error(t, err)
		apiErr, ok := errcode.AsAPIError(err)
		require.True(t, ok)
		require.Equal(t, 409, apiErr.HTTPStatus)
		require.Contains(t, apiErr.Message, "X-Nonce")
		require.Contains(t, apiErr.Message, "5")

		err = v.Validate(1, secret, "POST", "/gateways/1/orders", params, "4", sign("4"))
		require.Error(t, err)
	})

	t.Run("nonces_independent_per_gateway", func(t *testing.T) {
		v := NewValidator(newMemNonceStore())
		require.NoError(t, v.Validate(1, secret, "POST", "/gateways/1/orders", params, "9", sign("9")))
		require.NoError(t, v.Validate(2, secret, "POST", "/gateways/1/orders", params, "9", sign("9")))
	})

	t.Run("bad_signature", func(t *testing.T) {
		v := NewValidator(newMemNonceStore())
		err := v.Validate(1, secret, "POST", "/gateways/1/orders", params, "1", "deadbeef")
		require.Error(t, err)
		apiErr, ok := errcode.AsAPIError(err)
		require.True(t, ok)
		require.Equal(t, "X-Signature is invalid", apiErr.Message)
	})

	t.Run("forged_signature_does_not_burn_nonce", func(t *testing.T) {
		v := NewValidator(newMemNonceStore())
		require.Error(t, v.Validate(1, secret, "POST", "/gateways/1/orders", params, "3", "deadbeef"))
		// The nonce is still usable with a proper signature.
		require.NoError(t, v.Validate(1, secret, "POST", "/gateways/1/orders", params, "3", sign("3")))
	})

	t.Run("non_numeric_nonce", func(t *testing.T) {
		v := NewValidator(newMemNonceStore())
		err := v.Validate(1, secret, "POST", "/gateways/1/orders", params, "abc", sign("abc"))
		require.Error(t, err)
		apiErr, ok := errcode.AsAPIError(err)
		require.True(t, ok)
		require.Contains(t, apiErr.Message, "X-Nonce")
	})

	t.Run("wrong_secret", func(t *testing.T) {
		v := NewValidator(newMemNonceStore())
		bad := ComputeSignature("othersecret", "POST", "/gateways/1/orders", params, "1")
		require.Error(t, v.Validate(1, secret, "POST", "/gateways/1/orders", params, "1", bad))
	})
}
