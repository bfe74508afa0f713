// Package crypto implements the protocol's key material: the daily secret-key
// hash chain, derivation of per-epoch ephemeral identifiers from a day key,
// and matching of disclosed keys against locally observed identifiers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/shalteor/tracekit/internal/dayclock"
)

const (
	// EphIDLength is the length of a broadcast identifier in bytes.
	EphIDLength = 16

	// SecretKeyLength is the length of a daily secret key in bytes.
	SecretKeyLength = 32

	// KeepDays is how many daily keys (and how many days of contact data)
	// are retained before being pruned.
	KeepDays = 21

	// KeepExposedDays is the shorter retention window for exposure days.
	KeepExposedDays = 10
)

// broadcastKey is the fixed label keyed into the day key to derive the
// identifier keystream.
var broadcastKey = []byte("broadcast key")

var (
	ErrNoKeys      = errors.New("key store is not initialized")
	ErrKeyNotFound = errors.New("no key stored for the requested day")
)

// EphID is a single ephemeral broadcast identifier.
type EphID [EphIDLength]byte

// MarshalText encodes the identifier as base64 for JSON storage.
func (e EphID) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(e[:])), nil
}

// UnmarshalText decodes a base64 identifier.
func (e *EphID) UnmarshalText(text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("failed to decode ephid: %w", err)
	}
	if len(raw) != EphIDLength {
		return fmt.Errorf("ephid must be %d bytes, got %d", EphIDLength, len(raw))
	}
	copy(e[:], raw)
	return nil
}

// SecretKey is a daily secret key in the hash chain.
type SecretKey []byte

// MarshalText encodes the key as base64 for JSON storage.
func (k SecretKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k)), nil
}

// UnmarshalText decodes a base64 key.
func (k *SecretKey) UnmarshalText(text []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("failed to decode secret key: %w", err)
	}
	*k = raw
	return nil
}

// NewRandomKey generates a fresh secret key from the CSPRNG.
func NewRandomKey() (SecretKey, error) {
	key := make([]byte, SecretKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return key, nil
}

// NextDayKey advances the hash chain by one day: SK(t+1) = SHA-256(SK(t)).
// The chain is one-way; there is no inverse.
func NextDayKey(sk SecretKey) SecretKey {
	sum := sha256.Sum256(sk)
	return sum[:]
}

// DeriveEphIDs derives the full, epoch-ordered identifier set for one day
// key. The day key is first compressed into a keystream key with
// HMAC-SHA256 over the fixed broadcast label; the keystream of AES-CTR with
// a zero IV is then sliced into EpochsPerDay identifiers, one per epoch
// index. The result is deterministic and must stay in epoch order for
// matching; shuffle only a copy handed to the broadcaster.
func DeriveEphIDs(sk SecretKey) ([]EphID, error) {
	mac := hmac.New(sha256.New, sk)
	mac.Write(broadcastKey)
	prf := mac.Sum(nil)

	block, err := aes.NewCipher(prf)
	if err != nil {
		return nil, fmt.Errorf("failed to init ephid cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	stream := cipher.NewCTR(block, iv)

	keystream := make([]byte, dayclock.EpochsPerDay*EphIDLength)
	stream.XORKeyStream(keystream, keystream)

	ids := make([]EphID, dayclock.EpochsPerDay)
	for i := range ids {
		copy(ids[i][:], keystream[i*EphIDLength:(i+1)*EphIDLength])
	}
	return ids, nil
}

// ShuffleEphIDs returns a copy of ids in cryptographically random order.
// Shuffling hides the epoch linkage of broadcast identifiers; it never
// changes the set.
func ShuffleEphIDs(ids []EphID) ([]EphID, error) {
	shuffled := make([]EphID, len(ids))
	copy(shuffled, ids)
	for i := len(shuffled) - 1; i > 0; i-- {
		j, err := randIntn(i + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to shuffle ephids: %w", err)
		}
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	return shuffled, nil
}

// randIntn returns a uniform random int in [0, n) from the CSPRNG.
func randIntn(n int) (int, error) {
	max := 256 - 256%n
	var buf [1]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		if int(buf[0]) < max {
			return int(buf[0]) % n, nil
		}
	}
}
