// Package identity signs the bearer tokens the connector presents to
// counter-parties and verifies the ones presented to it.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// maxRetiredKeys bounds how many rotated-out signing keys stay verifiable.
const maxRetiredKeys = 4

// KeySet manages the active signing key and the keys tokens are verified with.
type KeySet interface {
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet holds Ed25519 keys in memory. Rotated keys stay valid for
// verification until evicted; trusted public keys of other participants can
// be added with Trust.
type InMemoryKeySet struct {
	mu         sync.RWMutex
	currentKID string
	private    map[string]ed25519.PrivateKey
	retired    []string
	trusted    map[string]ed25519.PublicKey
}

func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	ks := &InMemoryKeySet{
		private: make(map[string]ed25519.PrivateKey),
		trusted: make(map[string]ed25519.PublicKey),
	}
	if err := ks.Rotate(); err != nil {
		return nil, err
	}
	return ks, nil
}

// NewKeySetFromSeed uses the Ed25519 key derived from seed as the signing
// key. Its kid is derived from the public key, so restarts keep the same kid.
func NewKeySetFromSeed(seed []byte) (*InMemoryKeySet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	kid := KeyID(key.Public().(ed25519.PublicKey))
	return &InMemoryKeySet{
		currentKID: kid,
		private:    map[string]ed25519.PrivateKey{kid: key},
		trusted:    make(map[string]ed25519.PublicKey),
	}, nil
}

// KeyID is the kid published for pub.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// ParsePublicKey decodes a base64 (std or URL alphabet) Ed25519 public key.
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Rotate generates a new signing key.
func (ks *InMemoryKeySet) Rotate() error {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.currentKID != "" {
		ks.retired = append(ks.retired, ks.currentKID)
		if len(ks.retired) > maxRetiredKeys {
			delete(ks.private, ks.retired[0])
			ks.retired = ks.retired[1:]
		}
	}
	kid := uuid.NewString()
	ks.private[kid] = privateKey
	ks.currentKID = kid
	return nil
}

// Trust registers a counter-party verification key.
func (ks *InMemoryKeySet) Trust(kid string, key ed25519.PublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.trusted[kid] = key
}

// Current returns the active key id and its public key.
func (ks *InMemoryKeySet) Current() (string, ed25519.PublicKey) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKID, ks.private[ks.currentKID].Public().(ed25519.PublicKey)
}

func (ks *InMemoryKeySet) Sign(_ context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.private[ks.currentKID]
	kid := ks.currentKID
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		ks.mu.RLock()
		defer ks.mu.RUnlock()
		if key, ok := ks.private[kid]; ok {
			return key.Public(), nil
		}
		if key, ok := ks.trusted[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("key not found: %s", kid)
	}
}
