package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestAPIKeyVerifier(t *testing.T) {
	hashes := hashKey(t, "ak_one") + ", not-a-hash ," + hashKey(t, "ak_two")
	v := newAPIKeyVerifier(hashes)
	require.NotNil(t, v)
	assert.True(t, v.enabled())
	assert.Len(t, v.hashes, 2)

	assert.True(t, v.verify("ak_one"))
	assert.True(t, v.verify("ak_two"))
	assert.False(t, v.verify("ak_three"))
	assert.False(t, v.verify(""))

	_, cached := v.verified.Load(generateSignature("ak_one"))
	assert.True(t, cached)
	_, cached = v.verified.Load(generateSignature("ak_three"))
	assert.False(t, cached)
}

func TestAPIKeyVerifierDisabled(t *testing.T) {
	assert.Nil(t, newAPIKeyVerifier(""))
	assert.Nil(t, newAPIKeyVerifier(" , garbage"))

	var v *apiKeyVerifier
	assert.False(t, v.enabled())
	assert.True(t, v.verify(""))
}

func TestAPIKeyFromRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/chat", nil)
	assert.Empty(t, apiKeyFromRequest(r))

	r.Header.Set("Authorization", "Bearer eyJhbGciOi")
	assert.Empty(t, apiKeyFromRequest(r), "session tokens are not gateway keys")

	r.Header.Set("Authorization", "Bearer ak_bearer")
	assert.Equal(t, "ak_bearer", apiKeyFromRequest(r))

	r.Header.Set("X-API-Key", " ak_header ")
	assert.Equal(t, "ak_header", apiKeyFromRequest(r))
}
