package identity

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is the iss claim of every token this package signs.
	Issuer = "vectornode/identity"
	// Audience is the aud claim the API requires.
	Audience = "vectornode-api"
	// DefaultTTL is the lifetime of issued tokens.
	DefaultTTL = 12 * time.Hour
)

// Claims are the bearer token claims the API reads. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
}

// Subject describes the user a token is issued for.
type Subject struct {
	ID        string
	Role      string
	Name      string
	CompanyID string
}

// TokenManager handles token generation and validation.
type TokenManager struct {
	keySet KeySet
	now    func() time.Time
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, now: time.Now}
}

// Issue signs a token for sub valid for ttl (DefaultTTL when zero).
func (tm *TokenManager) Issue(ctx context.Context, sub Subject, ttl time.Duration) (string, error) {
	if sub.ID == "" || sub.Role == "" {
		return "", errors.New("token subject and role are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := tm.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
		},
		Role:      sub.Role,
		Name:      sub.Name,
		CompanyID: sub.CompanyID,
	}
	return tm.keySet.Sign(ctx, claims)
}

// Validate parses and validates a token string.
func (tm *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, tm.keySet.KeyFunc(),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tm.now),
	)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenSignatureInvalid
}
