package backend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// NewAuthToken builds the short-lived bearer token that authorizes one key
// publication. It is signed with the secret both sides derive from the
// health-authority code, so possession of the token proves possession of
// the code without ever sending it.
func NewAuthToken(secret []byte) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    "tracekit",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign auth token: %w", err)
	}
	return token, nil
}

// VerifyAuthToken checks a publication bearer token against the derived
// secret. Used by the dev backend.
func VerifyAuthToken(token string, secret []byte) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("invalid auth token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid auth token")
	}
	return nil
}
