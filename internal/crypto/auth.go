package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// HKDF constants for deriving the publish-authorization secret from a
	// health-authority code.
	hkdfSalt        = "tracekit:hkdf:v1"
	hkdfInfoPublish = "publish-auth:v1"
	authSecretLen   = 32
)

// DeriveAuthSecret derives the shared secret used to authorize a key
// publication from the one-time code handed out by the health authority.
// Device and backend both derive it, so the code itself never travels with
// the report.
func DeriveAuthSecret(authCode string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(authCode), []byte(hkdfSalt), []byte(hkdfInfoPublish))
	secret := make([]byte, authSecretLen)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, fmt.Errorf("failed to derive auth secret: %w", err)
	}
	return secret, nil
}
