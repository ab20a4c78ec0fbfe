package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ManuelReschke/PayRecon/internal/pkg/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

const testPayload = `{
	"id": "evt_1",
	"object": "event",
	"type": "invoice.paid",
	"created": 1760000000,
	"livemode": false,
	"api_version": "2020-08-27",
	"data": {"object": {"id": "in_1", "object": "invoice", "subscription": "sub_1"}}
}`

func sign(payload []byte, secret string, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestNewAuthenticatorRefusesMissingSecretInProduction(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{Production: true, AllowInsecure: true})
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestNewAuthenticatorRequiresExplicitInsecureMode(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{})
	assert.Error(t, err)

	a, err := NewAuthenticator(AuthConfig{AllowInsecure: true})
	require.NoError(t, err)
	assert.True(t, a.Insecure())
}

func TestAuthenticateValidSignature(t *testing.T) {
	a, err := NewAuthenticator(AuthConfig{Secret: testSecret})
	require.NoError(t, err)

	payload := []byte(testPayload)
	env, verified, err := a.Authenticate(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)

	assert.True(t, verified)
	assert.Equal(t, "evt_1", env.ID)
	assert.Equal(t, "invoice.paid", env.Kind)
	assert.Equal(t, time.Unix(1760000000, 0).UTC(), env.Created)

	inv, err := env.Invoice()
	require.NoError(t, err)
	assert.Equal(t, "in_1", inv.ID)
}

func TestAuthenticateRejects(t *testing.T) {
	a, err := NewAuthenticator(AuthConfig{Secret: testSecret})
	require.NoError(t, err)
	payload := []byte(testPayload)

	tests := []struct {
		name      string
		payload   []byte
		signature string
	}{
		{"missing header", payload, ""},
		{"wrong secret", payload, sign(payload, "whsec_other", time.Now())},
		{"tampered body", []byte(testPayload + " "), sign(payload, testSecret, time.Now())},
		{"stale timestamp", payload, sign(payload, testSecret, time.Now().Add(-time.Hour))},
		{"garbage header", payload, "not-a-signature"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, verified, err := a.Authenticate(tt.payload, tt.signature)
			require.Error(t, err)
			assert.False(t, verified)

			var se *billing.SecurityError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, CodeInvalidSignature, se.Code)
			assert.Equal(t, 400, se.Status)
		})
	}
}

func TestAuthenticateInsecureMode(t *testing.T) {
	a, err := NewAuthenticator(AuthConfig{AllowInsecure: true})
	require.NoError(t, err)

	env, verified, err := a.Authenticate([]byte(testPayload), "")
	require.NoError(t, err)
	assert.False(t, verified)
	assert.Equal(t, "invoice.paid", env.Kind)

	_, _, err = a.Authenticate([]byte(`{not json`), "")
	var se *billing.SecurityError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, CodeMalformedPayload, se.Code)
}

func TestAuthenticateRejectsEventWithoutObject(t *testing.T) {
	a, err := NewAuthenticator(AuthConfig{Secret: testSecret})
	require.NoError(t, err)

	payload := []byte(`{"id": "evt_2", "object": "event", "type": "invoice.paid", "created": 1760000000}`)
	_, _, err = a.Authenticate(payload, sign(payload, testSecret, time.Now()))

	var se *billing.SecurityError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, CodeMalformedPayload, se.Code)
}
