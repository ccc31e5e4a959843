package stripe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refillpoint/fulfillment-backend/pkg/config"
)

func TestNewClientValidatesKeys(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		cfg  config.StripeConfig
	}{
		{name: "missing key", cfg: config.StripeConfig{Secret: "whsec_1"}},
		{name: "missing secret", cfg: config.StripeConfig{APIKey: "sk_test_1"}},
		{name: "live key in test env", cfg: config.StripeConfig{APIKey: "sk_live_1", Secret: "whsec_1", Env: "test"}},
		{name: "unknown env", cfg: config.StripeConfig{APIKey: "sk_test_1", Secret: "whsec_1", Env: "staging"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient(ctx, tc.cfg, nil)
			require.Error(t, err)
		})
	}

	client, err := NewClient(ctx, config.StripeConfig{APIKey: "rk_live_1", Secret: "whsec_1", Env: "LIVE"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "live", client.Environment())
}

func TestWebhookVerifierAcceptsSignedPayload(t *testing.T) {
	verifier, err := NewWebhookVerifier("whsec_test")
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)
	event, err := verifier.ConstructEvent(payload, SignPayload(payload, "whsec_test", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "payment_intent.succeeded", string(event.Type))
}

func TestWebhookVerifierRejectsTampering(t *testing.T) {
	verifier, err := NewWebhookVerifier("whsec_test")
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded"}`)
	header := SignPayload(payload, "whsec_test", time.Now())

	_, err = verifier.ConstructEvent([]byte(`{"id":"evt_2","object":"event"}`), header)
	assert.Error(t, err)

	_, err = verifier.ConstructEvent(payload, SignPayload(payload, "whsec_other", time.Now()))
	assert.Error(t, err)

	_, err = verifier.ConstructEvent(payload, SignPayload(payload, "whsec_test", time.Now().Add(-time.Hour)))
	assert.Error(t, err, "stale timestamps fall outside the tolerance")

	_, err = verifier.ConstructEvent(payload, "")
	assert.Error(t, err)
}
