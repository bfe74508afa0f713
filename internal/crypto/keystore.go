package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shalteor/tracekit/internal/dayclock"
)

const (
	kvKeyChain    = "sk_list"
	kvEphIDsToday = "ephids_today"
)

// KVStore is the single-row blob persistence the key store needs. The
// sqlite layer implements it; tests can use an in-memory map.
type KVStore interface {
	GetKV(ctx context.Context, key string) (value string, ok bool, err error)
	SetKV(ctx context.Context, key, value string) error
	DeleteKV(ctx context.Context, key string) error
}

// DayKey pairs a day with its secret key. The chain is stored newest first.
type DayKey struct {
	Day dayclock.Day `json:"day"`
	Key SecretKey    `json:"key"`
}

// ephIDCache is the persisted form of today's shuffled broadcast set.
type ephIDCache struct {
	Day    dayclock.Day `json:"day"`
	EphIDs []EphID      `json:"ephIds"`
}

// KeyStore owns the device's daily key chain. It is the one piece of shared
// mutable key state: identifier broadcast and key publication both read and
// rotate it, so every operation holds the store's mutex. Construct exactly
// one per device database and pass it by handle.
type KeyStore struct {
	mu sync.Mutex
	kv KVStore
}

// NewKeyStore creates a key store backed by kv. Call Init before first use.
func NewKeyStore(kv KVStore) *KeyStore {
	return &KeyStore{kv: kv}
}

// Init seeds the chain with a fresh random key for today if no chain exists
// yet. Calling Init on an initialized store is a no-op.
func (s *KeyStore) Init(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.loadChain(ctx)
	if err != nil {
		return err
	}
	if len(chain) > 0 {
		return nil
	}
	key, err := NewRandomKey()
	if err != nil {
		return err
	}
	chain = []DayKey{{Day: dayclock.DayOf(now), Key: key}}
	return s.storeChain(ctx, chain)
}

// Reset wipes all key material and reseeds for today. Used when the device
// owner reports as infected and the old chain has been disclosed.
func (s *KeyStore) Reset(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.DeleteKV(ctx, kvKeyChain); err != nil {
		return fmt.Errorf("failed to clear key chain: %w", err)
	}
	if err := s.kv.DeleteKV(ctx, kvEphIDsToday); err != nil {
		return fmt.Errorf("failed to clear ephid cache: %w", err)
	}
	key, err := NewRandomKey()
	if err != nil {
		return err
	}
	return s.storeChain(ctx, []DayKey{{Day: dayclock.DayOf(now), Key: key}})
}

// CurrentKey returns the secret key for day, rotating the chain forward one
// day at a time until its newest entry is day. Rotation never skips a day
// and is idempotent for days already reached.
func (s *KeyStore) CurrentKey(ctx context.Context, day dayclock.Day) (SecretKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.loadChain(ctx)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, ErrNoKeys
	}
	for chain[0].Day.Before(day) {
		chain, err = s.rotate(ctx, chain)
		if err != nil {
			return nil, err
		}
	}
	if chain[0].Day != day {
		return nil, fmt.Errorf("%w: chain is at %s, requested %s", ErrKeyNotFound, chain[0].Day, day)
	}
	return chain[0].Key, nil
}

// KeyForPublishing returns the stored key for day, to be disclosed to the
// backend after a positive test. If day predates the oldest retained entry
// the oldest key is returned instead, which covers the full retained window
// by forward derivation.
func (s *KeyStore) KeyForPublishing(ctx context.Context, day dayclock.Day) (DayKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain, err := s.loadChain(ctx)
	if err != nil {
		return DayKey{}, err
	}
	if len(chain) == 0 {
		return DayKey{}, ErrNoKeys
	}
	for _, dk := range chain {
		if dk.Day == day {
			return dk, nil
		}
	}
	oldest := chain[len(chain)-1]
	if day.Before(oldest.Day) {
		return oldest, nil
	}
	return DayKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, day)
}

// CurrentEphID returns the identifier to broadcast at now. The full shuffled
// set for today is derived once and cached; the cache is invalidated when
// the day rolls over, after rotating the chain to the new day.
func (s *KeyStore) CurrentEphID(ctx context.Context, now time.Time) (EphID, error) {
	today := dayclock.DayOf(now)
	ids, err := s.ephIDsForDay(ctx, today)
	if err != nil {
		return EphID{}, err
	}
	return ids[dayclock.EpochIndex(now)], nil
}

func (s *KeyStore) ephIDsForDay(ctx context.Context, today dayclock.Day) ([]EphID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.kv.GetKV(ctx, kvEphIDsToday)
	if err != nil {
		return nil, fmt.Errorf("failed to load ephid cache: %w", err)
	}
	if ok {
		var cache ephIDCache
		if err := json.Unmarshal([]byte(raw), &cache); err == nil && cache.Day == today {
			return cache.EphIDs, nil
		}
	}

	chain, err := s.loadChain(ctx)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, ErrNoKeys
	}
	for chain[0].Day.Before(today) {
		chain, err = s.rotate(ctx, chain)
		if err != nil {
			return nil, err
		}
	}

	ordered, err := DeriveEphIDs(chain[0].Key)
	if err != nil {
		return nil, err
	}
	shuffled, err := ShuffleEphIDs(ordered)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(ephIDCache{Day: today, EphIDs: shuffled})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ephid cache: %w", err)
	}
	if err := s.kv.SetKV(ctx, kvEphIDsToday, string(encoded)); err != nil {
		return nil, fmt.Errorf("failed to store ephid cache: %w", err)
	}
	return shuffled, nil
}

// rotate appends the next day's key at the head and truncates the chain to
// the retention window. The full chain is written back in one kv update so
// a crash never leaves a partial chain.
func (s *KeyStore) rotate(ctx context.Context, chain []DayKey) ([]DayKey, error) {
	next := DayKey{Day: chain[0].Day.Next(), Key: NextDayKey(chain[0].Key)}
	chain = append([]DayKey{next}, chain...)
	if len(chain) > KeepDays {
		chain = chain[:KeepDays]
	}
	if err := s.storeChain(ctx, chain); err != nil {
		return nil, err
	}
	return chain, nil
}

func (s *KeyStore) loadChain(ctx context.Context) ([]DayKey, error) {
	raw, ok, err := s.kv.GetKV(ctx, kvKeyChain)
	if err != nil {
		return nil, fmt.Errorf("failed to load key chain: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var chain []DayKey
	if err := json.Unmarshal([]byte(raw), &chain); err != nil {
		return nil, fmt.Errorf("failed to decode key chain: %w", err)
	}
	return chain, nil
}

func (s *KeyStore) storeChain(ctx context.Context, chain []DayKey) error {
	encoded, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("failed to encode key chain: %w", err)
	}
	if err := s.kv.SetKV(ctx, kvKeyChain, string(encoded)); err != nil {
		return fmt.Errorf("failed to store key chain: %w", err)
	}
	return nil
}
