package crypto

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/shalteor/tracekit/internal/dayclock"
)

func testKey(seed byte) SecretKey {
	key := make([]byte, SecretKeyLength)
	for i := range key {
		key[i] = seed
	}
	return key
}

func TestNextDayKey(t *testing.T) {
	t.Run("advances by one hash", func(t *testing.T) {
		key := testKey(0x42)
		want := sha256.Sum256(key)
		if !bytes.Equal(NextDayKey(key), want[:]) {
			t.Error("NextDayKey is not SHA-256 of the input")
		}
	})

	t.Run("composing steps equals walking the chain", func(t *testing.T) {
		key := testKey(0x01)
		step := key
		for i := 0; i < 5; i++ {
			step = NextDayKey(step)
		}
		chained := NextDayKey(NextDayKey(NextDayKey(NextDayKey(NextDayKey(key)))))
		if !bytes.Equal(step, chained) {
			t.Error("Chain walk diverged")
		}
	})

	t.Run("does not mutate the input", func(t *testing.T) {
		key := testKey(0x07)
		NextDayKey(key)
		if !bytes.Equal(key, testKey(0x07)) {
			t.Error("Input key was mutated")
		}
	})
}

func TestDeriveEphIDs(t *testing.T) {
	key := testKey(0x11)

	ids, err := DeriveEphIDs(key)
	if err != nil {
		t.Fatalf("DeriveEphIDs failed: %v", err)
	}
	if len(ids) != dayclock.EpochsPerDay {
		t.Fatalf("Expected %d identifiers, got %d", dayclock.EpochsPerDay, len(ids))
	}

	t.Run("deterministic", func(t *testing.T) {
		again, err := DeriveEphIDs(key)
		if err != nil {
			t.Fatalf("DeriveEphIDs failed: %v", err)
		}
		for i := range ids {
			if ids[i] != again[i] {
				t.Fatalf("Identifier %d differs between derivations", i)
			}
		}
	})

	t.Run("all distinct", func(t *testing.T) {
		seen := make(map[EphID]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				t.Fatalf("Duplicate identifier %v", id)
			}
			seen[id] = struct{}{}
		}
	})

	t.Run("different keys give disjoint sets", func(t *testing.T) {
		other, err := DeriveEphIDs(testKey(0x12))
		if err != nil {
			t.Fatalf("DeriveEphIDs failed: %v", err)
		}
		seen := make(map[EphID]struct{}, len(ids))
		for _, id := range ids {
			seen[id] = struct{}{}
		}
		for _, id := range other {
			if _, shared := seen[id]; shared {
				t.Fatalf("Identifier %v derived from both keys", id)
			}
		}
	})
}

func TestShuffleEphIDs(t *testing.T) {
	ids, err := DeriveEphIDs(testKey(0x21))
	if err != nil {
		t.Fatalf("DeriveEphIDs failed: %v", err)
	}

	shuffled, err := ShuffleEphIDs(ids)
	if err != nil {
		t.Fatalf("ShuffleEphIDs failed: %v", err)
	}
	if len(shuffled) != len(ids) {
		t.Fatalf("Expected %d identifiers, got %d", len(ids), len(shuffled))
	}

	want := make(map[EphID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for _, id := range shuffled {
		if _, ok := want[id]; !ok {
			t.Fatalf("Shuffle produced identifier %v not in the input", id)
		}
		delete(want, id)
	}
	if len(want) != 0 {
		t.Errorf("Shuffle dropped %d identifiers", len(want))
	}

	// The input must stay in epoch order.
	again, _ := DeriveEphIDs(testKey(0x21))
	for i := range ids {
		if ids[i] != again[i] {
			t.Fatal("Shuffle mutated its input")
		}
	}
}

func TestHotspotDigest(t *testing.T) {
	var id EphID
	copy(id[:], testKey(0x31))

	digest, err := HotspotDigest(id, "u0qj9", 1715342400)
	if err != nil {
		t.Fatalf("HotspotDigest failed: %v", err)
	}
	if len(digest) != 20 {
		t.Errorf("Expected 20 hex chars, got %d (%q)", len(digest), digest)
	}
	if digest != string(bytes.ToUpper([]byte(digest))) {
		t.Errorf("Digest is not uppercase: %q", digest)
	}

	t.Run("deterministic", func(t *testing.T) {
		again, err := HotspotDigest(id, "u0qj9", 1715342400)
		if err != nil {
			t.Fatalf("HotspotDigest failed: %v", err)
		}
		if again != digest {
			t.Errorf("Digest differs between runs: %q vs %q", digest, again)
		}
	})

	t.Run("sensitive to every input", func(t *testing.T) {
		otherHash, _ := HotspotDigest(id, "u0qj8", 1715342400)
		otherTime, _ := HotspotDigest(id, "u0qj9", 1715342401)
		var otherID EphID
		copy(otherID[:], testKey(0x32))
		otherKey, _ := HotspotDigest(otherID, "u0qj9", 1715342400)
		for _, other := range []string{otherHash, otherTime, otherKey} {
			if other == digest {
				t.Errorf("Digest collision: %q", digest)
			}
		}
	})
}
