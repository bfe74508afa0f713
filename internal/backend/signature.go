package backend

import (
	stdcrypto "crypto"
	"crypto/sha256"
	"encoding/base64"

	"github.com/golang-jwt/jwt/v5"
)

// signatureClaims is the JWS payload carried in the Signature header: a
// hash binding the token to the exact response body.
type signatureClaims struct {
	ContentHash string `json:"content-hash"`
	HashAlg     string `json:"hash-alg"`
	jwt.RegisteredClaims
}

func jwtParse(token string, claims *signatureClaims, key stdcrypto.PublicKey) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"ES256", "EdDSA"}))
}

// SignBody produces the Signature header value for a response body. Used by
// the dev backend and by tests; the production backend implements the same
// format.
func SignBody(body []byte, method jwt.SigningMethod, key any) (string, error) {
	sum := sha256.Sum256(body)
	claims := signatureClaims{
		ContentHash: base64.StdEncoding.EncodeToString(sum[:]),
		HashAlg:     "sha-256",
	}
	return jwt.NewWithClaims(method, claims).SignedString(key)
}
