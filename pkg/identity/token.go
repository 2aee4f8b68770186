package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
)

const DefaultTokenTTL = 5 * time.Minute

// ParticipantClaims are the claims a connector presents about itself.
type ParticipantClaims struct {
	jwt.RegisteredClaims
	Claims     map[string]any    `json:"claims,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Agent converts verified claims into the policy agent they describe.
func (c *ParticipantClaims) Agent() policy.Agent {
	return policy.Agent{Identity: c.Subject, Claims: c.Claims, Attributes: c.Attributes}
}

// TokenManager issues tokens for this participant and validates inbound ones.
type TokenManager struct {
	keySet        KeySet
	participantID string
	claims        map[string]any
	attributes    map[string]string
	ttl           time.Duration
	clock         func() time.Time
}

func NewTokenManager(ks KeySet, participantID string, claims map[string]any, attributes map[string]string) *TokenManager {
	return &TokenManager{
		keySet:        ks,
		participantID: participantID,
		claims:        claims,
		attributes:    attributes,
		ttl:           DefaultTokenTTL,
		clock:         time.Now,
	}
}

// Token signs a short-lived token addressed to audience, normally the
// counter-party address the request goes to.
func (tm *TokenManager) Token(ctx context.Context, audience string) (string, error) {
	now := tm.clock().UTC()
	claims := ParticipantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tm.participantID,
			Subject:   tm.participantID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
		Claims:     tm.claims,
		Attributes: tm.attributes,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate parses and verifies a token string.
func (tm *TokenManager) Validate(tokenString string) (*ParticipantClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ParticipantClaims{}, tm.keySet.KeyFunc(),
		jwt.WithTimeFunc(tm.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*ParticipantClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}

// AgentFromAuthorization verifies an "Authorization: Bearer" header value.
func (tm *TokenManager) AgentFromAuthorization(header string) (policy.Agent, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return policy.Agent{}, fmt.Errorf("missing bearer token")
	}
	claims, err := tm.Validate(raw)
	if err != nil {
		return policy.Agent{}, fmt.Errorf("invalid token: %w", err)
	}
	return claims.Agent(), nil
}
