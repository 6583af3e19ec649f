package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalPayload(t *testing.T) {
	t.Run("Should serialize with fixed key order and no extra whitespace", func(t *testing.T) {
		ts := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
		payload, err := canonicalPayload("rule.executed", map[string]any{"rule_id": "r-1"}, ts, "wh-1")
		require.NoError(t, err)
		assert.Equal(t,
			`{"event":"rule.executed","data":{"rule_id":"r-1"},"timestamp":"2026-08-26T12:00:00Z","webhookId":"wh-1"}`,
			string(payload))
	})
	t.Run("Should be deterministic for identical inputs", func(t *testing.T) {
		ts := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
		data := map[string]any{"a": 1, "b": 2, "c": 3}
		first, err := canonicalPayload("x", data, ts, "id")
		require.NoError(t, err)
		second, err := canonicalPayload("x", data, ts, "id")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestSignVerify(t *testing.T) {
	ts := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	payload, err := canonicalPayload("issue.updated", map[string]any{"key": "PROJ-1"}, ts, "wh-2")
	require.NoError(t, err)

	t.Run("Should round-trip sign and verify", func(t *testing.T) {
		sig := Sign(payload, "s3cret")
		assert.True(t, Verify(payload, sig, "s3cret"))
		assert.Contains(t, sig, "sha256=")
	})
	t.Run("Should fail when the payload is mutated", func(t *testing.T) {
		sig := Sign(payload, "s3cret")
		mutated := append([]byte(nil), payload...)
		mutated[0] ^= 0x01
		assert.False(t, Verify(mutated, sig, "s3cret"))
	})
	t.Run("Should fail when the signature is mutated", func(t *testing.T) {
		sig := []byte(Sign(payload, "s3cret"))
		last := sig[len(sig)-1]
		if last == 'f' {
			sig[len(sig)-1] = '0'
		} else {
			sig[len(sig)-1] = 'f'
		}
		assert.False(t, Verify(payload, string(sig), "s3cret"))
	})
	t.Run("Should fail under a different secret", func(t *testing.T) {
		sig := Sign(payload, "s3cret")
		assert.False(t, Verify(payload, sig, "other"))
	})
	t.Run("Should reject signatures without the scheme prefix", func(t *testing.T) {
		assert.False(t, Verify(payload, "deadbeef", "s3cret"))
		assert.False(t, Verify(payload, "", "s3cret"))
	})
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Run("Should grow exponentially up to the cap", func(t *testing.T) {
		policy := RetryPolicy{MaxRetries: 5, InitialDelayMS: 100, BackoffMultiplier: 2, MaxDelayMS: 1000}
		assert.Equal(t, 100*time.Millisecond, policy.Delay(0))
		assert.Equal(t, 200*time.Millisecond, policy.Delay(1))
		assert.Equal(t, 400*time.Millisecond, policy.Delay(2))
		assert.Equal(t, 800*time.Millisecond, policy.Delay(3))
		assert.Equal(t, time.Second, policy.Delay(4))
		assert.Equal(t, time.Second, policy.Delay(10))
	})
}
