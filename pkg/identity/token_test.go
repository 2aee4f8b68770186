package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_RoundTrip(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	tm := NewTokenManager(ks, "did:web:provider", map[string]any{"region": "EU"}, map[string]string{"member": "true"})

	tok, err := tm.Token(context.Background(), "https://consumer.example/protocol")
	require.NoError(t, err)

	agent, err := tm.AgentFromAuthorization("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "did:web:provider", agent.Identity)
	assert.Equal(t, "EU", agent.Claims["region"])
	assert.Equal(t, "true", agent.Attributes["member"])
}

func TestTokenManager_RotatedKeysStillVerify(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	tm := NewTokenManager(ks, "p", nil, nil)

	tok, err := tm.Token(context.Background(), "aud")
	require.NoError(t, err)
	require.NoError(t, ks.Rotate())

	_, err = tm.Validate(tok)
	assert.NoError(t, err)

	for i := 0; i < maxRetiredKeys+1; i++ {
		require.NoError(t, ks.Rotate())
	}
	_, err = tm.Validate(tok)
	assert.Error(t, err, "evicted keys no longer verify")
}

func TestTokenManager_RejectsExpiredAndUnknown(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	tm := NewTokenManager(ks, "p", nil, nil)

	now := time.Now()
	tm.clock = func() time.Time { return now }
	tok, err := tm.Token(context.Background(), "aud")
	require.NoError(t, err)

	tm.clock = func() time.Time { return now.Add(time.Hour) }
	_, err = tm.Validate(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	other, err := NewInMemoryKeySet()
	require.NoError(t, err)
	foreign, err := NewTokenManager(other, "stranger", nil, nil).Token(context.Background(), "aud")
	require.NoError(t, err)
	_, err = tm.AgentFromAuthorization("Bearer " + foreign)
	assert.Error(t, err)

	_, err = tm.AgentFromAuthorization("Basic abc")
	assert.Error(t, err)
}

func TestKeySet_TrustedCounterPartyKey(t *testing.T) {
	ours, err := NewInMemoryKeySet()
	require.NoError(t, err)
	theirs, err := NewInMemoryKeySet()
	require.NoError(t, err)

	kid, pub := theirs.Current()
	ours.Trust(kid, pub)

	tok, err := NewTokenManager(theirs, "did:web:consumer", nil, nil).Token(context.Background(), "aud")
	require.NoError(t, err)
	agent, err := NewTokenManager(ours, "did:web:provider", nil, nil).AgentFromAuthorization("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "did:web:consumer", agent.Identity)
}

func TestKeySetFromSeed_StableKeyID(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	a, err := NewKeySetFromSeed(seed)
	require.NoError(t, err)
	b, err := NewKeySetFromSeed(seed)
	require.NoError(t, err)

	kidA, pubA := a.Current()
	kidB, _ := b.Current()
	assert.Equal(t, kidA, kidB)
	assert.Equal(t, KeyID(pubA), kidA)

	tok, err := NewTokenManager(a, "did:web:a", nil, nil).Token(context.Background(), "aud")
	require.NoError(t, err)
	agent, err := NewTokenManager(b, "did:web:b", nil, nil).AgentFromAuthorization("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "did:web:a", agent.Identity)

	_, err = NewKeySetFromSeed([]byte("short"))
	assert.Error(t, err)
}

func TestParsePublicKey(t *testing.T) {
	ks, err := NewInMemoryKeySet()
	require.NoError(t, err)
	_, pub := ks.Current()

	for _, enc := range []string{base64.StdEncoding.EncodeToString(pub), base64.RawURLEncoding.EncodeToString(pub)} {
		got, err := ParsePublicKey(enc)
		require.NoError(t, err)
		assert.Equal(t, pub, got)
	}
	_, err = ParsePublicKey("AAAA")
	assert.Error(t, err)
	_, err = ParsePublicKey("not base64 !")
	assert.Error(t, err)
}
