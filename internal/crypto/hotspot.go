package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Hotspot hashing is the auxiliary location side-channel: an observed or
// broadcast identifier is combined with a geohash and a rounded timestamp
// into a short opaque digest that can be compared server-side without
// revealing any of its inputs. It reuses the identifier as key material but
// is otherwise separate from the primary key-chain matching path, and is
// disabled unless the hosting application opts in.

const hotspotDigestLength = 10

// HotspotDigest computes the digest for one (identifier, geohash, rounded
// time) triple: identifier-keyed AES-CBC with a zero IV over
// geohash ‖ big-endian timestamp, truncated to 10 bytes, uppercase hex.
func HotspotDigest(ephID EphID, geohash string, roundedTimestamp int64) (string, error) {
	block, err := aes.NewCipher(ephID[:])
	if err != nil {
		return "", fmt.Errorf("failed to init hotspot cipher: %w", err)
	}

	plaintext := make([]byte, 0, len(geohash)+8)
	plaintext = append(plaintext, []byte(geohash)...)
	plaintext = binary.BigEndian.AppendUint64(plaintext, uint64(roundedTimestamp))
	if pad := len(plaintext) % aes.BlockSize; pad != 0 {
		plaintext = append(plaintext, make([]byte, aes.BlockSize-pad)...)
	}

	iv := make([]byte, aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	return strings.ToUpper(hex.EncodeToString(ciphertext[:hotspotDigestLength])), nil
}

// HotspotDigests computes the digests for an identifier across a set of
// candidate geohashes, as produced for one observation.
func HotspotDigests(ephID EphID, geohashes []string, roundedTimestamp int64) ([]string, error) {
	digests := make([]string, 0, len(geohashes))
	for _, geohash := range geohashes {
		digest, err := HotspotDigest(ephID, geohash, roundedTimestamp)
		if err != nil {
			return nil, err
		}
		digests = append(digests, digest)
	}
	return digests, nil
}
