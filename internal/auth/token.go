package auth

import (
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const decisionAudience = "draft-decision"

// TokenManager issues and validates reviewer decision tokens. A token is
// bound to exactly one draft id.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager builds a new manager.
func NewTokenManager(secret string, ttlMinutes int) *TokenManager {
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	return &TokenManager{secret: []byte(secret), ttl: time.Duration(ttlMinutes) * time.Minute, now: time.Now}
}

// Claims describes the decision token payload.
type Claims struct {
	DraftID  string `json:"draft_id"`
	Reviewer string `json:"reviewer,omitempty"`
	jwt.RegisteredClaims
}

// GenerateDecisionToken signs a token allowing a decision on draftID.
func (tm *TokenManager) GenerateDecisionToken(draftID, reviewer string) (string, time.Time, error) {
	if draftID == "" {
		return "", time.Time{}, errors.New("draft id required")
	}
	now := tm.now()
	expiresAt := now.Add(tm.ttl)
	claims := &Claims{
		DraftID:  draftID,
		Reviewer: reviewer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   draftID,
			Audience:  jwt.ClaimStrings{decisionAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// ParseToken validates and returns claims.
func (tm *TokenManager) ParseToken(tokenStr string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	}, jwt.WithAudience(decisionAudience), jwt.WithTimeFunc(tm.now))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.DraftID == "" {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}
