package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewWebhookVerifier("shared-secret", 5*time.Minute)

	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"broker_order_id":"bo-1","status":"filled"}`)
	ts, sig := v.SignAt(body, now.Unix())

	require.NoError(t, v.verifyAt(ts, body, sig, now))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := NewWebhookVerifier("shared-secret", 5*time.Minute)

	now := time.Unix(1_700_000_000, 0)
	ts, sig := v.SignAt([]byte(`{"filled_qty":40}`), now.Unix())

	err := v.verifyAt(ts, []byte(`{"filled_qty":400}`), sig, now)
	assert.ErrorContains(t, err, "signature mismatch")
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signer := NewWebhookVerifier("secret-a", 5*time.Minute)
	verifier := NewWebhookVerifier("secret-b", 5*time.Minute)

	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	ts, sig := signer.SignAt(body, now.Unix())

	assert.Error(t, verifier.verifyAt(ts, body, sig, now))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v := NewWebhookVerifier("shared-secret", 5*time.Minute)

	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	ts, sig := v.SignAt(body, now.Add(-6*time.Minute).Unix())

	err := v.verifyAt(ts, body, sig, now)
	assert.ErrorContains(t, err, "outside tolerance")
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	v := NewWebhookVerifier("shared-secret", 5*time.Minute)

	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	ts, sig := v.SignAt(body, now.Add(10*time.Minute).Unix())

	assert.Error(t, v.verifyAt(ts, body, sig, now))
}

func TestVerifyZeroToleranceSkipsSkewCheck(t *testing.T) {
	v := NewWebhookVerifier("shared-secret", 0)

	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	ts, sig := v.SignAt(body, now.Add(-24*time.Hour).Unix())

	assert.NoError(t, v.verifyAt(ts, body, sig, now))
}

func TestVerifyMalformedTimestamp(t *testing.T) {
	v := NewWebhookVerifier("shared-secret", 5*time.Minute)

	err := v.Verify("not-a-number", []byte(`{}`), "sig")
	assert.ErrorContains(t, err, "parse webhook timestamp")
}

func TestStringRedactsSecret(t *testing.T) {
	v := NewWebhookVerifier("super-secret-value", time.Minute)
	assert.NotContains(t, v.String(), "secret-value")
	assert.Contains(t, v.String(), "****")
}
