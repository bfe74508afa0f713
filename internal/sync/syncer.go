// Package sync drives the periodic batch-synchronization protocol: it walks
// forward through backend-published batches from the last processed
// checkpoint, matches each batch against local observations, and advances
// the checkpoint only when a batch fully succeeds.
package sync

import (
	"context"
	stdcrypto "crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/shalteor/tracekit/internal/appconfig"
	"github.com/shalteor/tracekit/internal/backend"
	"github.com/shalteor/tracekit/internal/crypto"
	"github.com/shalteor/tracekit/internal/dayclock"
	"github.com/shalteor/tracekit/internal/db"
	"github.com/shalteor/tracekit/internal/exposure"
)

// BatchLength is the fixed pagination window of backend-published data.
// Checkpoints are always aligned to it.
const BatchLength = 24 * time.Hour

// Options configures a Syncer.
type Options struct {
	// DiscoveryURL is fetched at the start of every run to refresh backend
	// URLs and thresholds.
	DiscoveryURL string
	// SignatureKey verifies bucket signatures; nil disables verification.
	SignatureKey stdcrypto.PublicKey
	// UseLocationHashes enables the auxiliary location-hash matching path.
	UseLocationHashes bool
	// OnExposureChanged fires when a sync run produced at least one new
	// exposure day.
	OnExposureChanged func()
	// OnSyncErrorChanged fires when the sync error state transitions.
	OnSyncErrorChanged func(ErrorState)
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Syncer runs the sync state machine. At most one run is active at a time;
// a run started while one is in flight returns immediately without doing
// anything.
type Syncer struct {
	db      *db.DB
	cfg     *appconfig.Manager
	agg     *exposure.Aggregator
	opts    Options
	now     func() time.Time
	errView errorState

	runMu gosync.Mutex
}

// NewSyncer wires the orchestrator to its collaborators.
func NewSyncer(database *db.DB, cfg *appconfig.Manager, agg *exposure.Aggregator, opts Options) *Syncer {
	s := &Syncer{
		db:   database,
		cfg:  cfg,
		agg:  agg,
		opts: opts,
		now:  opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.errView.onChange = opts.OnSyncErrorChanged
	return s
}

// ErrorState returns the current typed sync error, or NoError.
func (s *Syncer) ErrorState() ErrorState {
	return s.errView.get()
}

// Sync performs one run of the state machine. A failure aborts the run,
// records the classified error state, and leaves the checkpoint at the last
// fully processed batch so the next run resumes there. Duplicate concurrent
// calls are deduplicated, never run in parallel.
func (s *Syncer) Sync(ctx context.Context) error {
	if !s.runMu.TryLock() {
		return nil
	}
	defer s.runMu.Unlock()

	err := s.doSync(ctx)
	if err == nil {
		if e := s.cfg.SetLastSyncNetworkSuccess(ctx, true); e != nil {
			err = e
		} else {
			err = s.cfg.SetLastSyncDate(ctx, s.now())
		}
	}
	if err != nil {
		// A run aborted by caller cancellation is not a sync outcome;
		// the recorded state keeps describing the last real attempt.
		if errors.Is(err, context.Canceled) {
			return err
		}
		if setErr := s.cfg.SetLastSyncNetworkSuccess(ctx, false); setErr != nil {
			log.Printf("sync: failed to record sync outcome: %v", setErr)
		}
		s.errView.set(classify(err))
		return err
	}
	s.errView.set(NoError)
	return nil
}

func (s *Syncer) doSync(ctx context.Context) error {
	remote, err := backend.FetchConfig(ctx, nil, s.opts.DiscoveryURL)
	if err != nil {
		return err
	}
	if err := s.cfg.SetConfig(ctx, *remote); err != nil {
		return err
	}
	// Read the threshold back through the manager so a discovery document
	// that omits it still gets the documented default.
	stored, err := s.cfg.Config(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.db.GenerateContactsFromHandshakes(ctx, now); err != nil {
		return err
	}

	lastLoaded, err := s.cfg.LastLoadedBatchReleaseTime(ctx)
	if err != nil {
		return err
	}
	batchLength := BatchLength.Milliseconds()
	var nextBatch int64
	if lastLoaded <= 0 || lastLoaded%batchLength != 0 {
		nowMs := now.UnixMilli()
		nextBatch = nowMs - nowMs%batchLength
	} else {
		nextBatch = lastLoaded + batchLength
	}

	client := backend.NewClient(remote.BucketBaseURL, remote.ReportBaseURL, s.opts.SignatureKey)
	for batch := nextBatch; batch < s.now().UnixMilli(); batch += batchLength {
		if err := s.processBatch(ctx, client, batch, stored.NumberOfWindowsForExposure); err != nil {
			return err
		}
		if err := s.cfg.SetLastLoadedBatchReleaseTime(ctx, batch); err != nil {
			return err
		}
	}

	today := dayclock.DayOf(now)
	return s.db.RemoveOldData(ctx,
		today.Sub(crypto.KeepDays).Start(),
		today.Sub(crypto.KeepExposedDays).Start(),
	)
}

// processBatch fetches one batch, matches every newly disclosed case
// against stored contacts, and recomputes exposure days. The checkpoint is
// advanced by the caller only after this returns nil.
func (s *Syncer) processBatch(ctx context.Context, client *backend.Client, batchReleaseTime int64, threshold int) error {
	overview, err := client.GetExposees(ctx, batchReleaseTime)
	if err != nil {
		return err
	}

	bucketTime := time.UnixMilli(batchReleaseTime).UTC()
	for _, exposee := range overview.Exposed {
		key, err := base64.StdEncoding.DecodeString(exposee.Key)
		if err != nil {
			return fmt.Errorf("%w: bad case key: %v", backend.ErrInvalidPayload, err)
		}
		onset := time.UnixMilli(exposee.KeyDate).UTC()
		caseID, _, err := s.db.AddKnownCase(ctx, key, onset, bucketTime)
		if err != nil {
			return err
		}
		// Matching runs for already-known cases too: a run may have stored
		// the case and then failed before linking its contacts, and the
		// checkpoint only advances on full success. Matching is idempotent,
		// so replays are harmless.
		if err := s.matchCase(ctx, key, dayclock.DayOf(onset), bucketTime, caseID); err != nil {
			return err
		}
	}

	if s.opts.UseLocationHashes {
		if err := s.matchLocationHashes(ctx, client, batchReleaseTime); err != nil {
			return err
		}
	}

	newlyExposed, err := s.agg.Recompute(ctx, s.now(), threshold)
	if err != nil {
		return err
	}
	if newlyExposed && s.opts.OnExposureChanged != nil {
		s.opts.OnExposureChanged()
	}
	return nil
}

func (s *Syncer) matchCase(ctx context.Context, key crypto.SecretKey, onsetDay dayclock.Day, bucketTime time.Time, caseID int64) error {
	getContacts := func(from, until time.Time) ([]crypto.Candidate, error) {
		contacts, err := s.db.GetContacts(ctx, from, until)
		if err != nil {
			return nil, err
		}
		candidates := make([]crypto.Candidate, 0, len(contacts))
		for _, contact := range contacts {
			if len(contact.EphID) != crypto.EphIDLength {
				continue
			}
			var id crypto.EphID
			copy(id[:], contact.EphID)
			candidates = append(candidates, crypto.Candidate{ID: contact.ID, EphID: id})
		}
		return candidates, nil
	}
	matched := func(c crypto.Candidate) error {
		return s.db.MarkContactMatched(ctx, c.ID, caseID)
	}
	return crypto.CheckContacts(key, onsetDay, bucketTime, s.now(), getContacts, matched)
}

// matchLocationHashes is the secondary matching strategy: intersect the
// published hash set with the hashes computed from observed identifiers.
// Any intersection feeds the same exposure signal as the primary path.
func (s *Syncer) matchLocationHashes(ctx context.Context, client *backend.Client, batchReleaseTime int64) error {
	published, err := client.GetExposeeHashes(ctx, batchReleaseTime)
	if err != nil {
		return err
	}
	if len(published) == 0 {
		return nil
	}
	publishedSet := make(map[string]struct{}, len(published))
	for _, hash := range published {
		publishedSet[hash] = struct{}{}
	}

	received, err := s.db.GetLocHashes(ctx, db.LocHashReceived)
	if err != nil {
		return err
	}
	matches := 0
	for _, hash := range received {
		if _, ok := publishedSet[hash]; ok {
			matches++
		}
	}
	if matches > 0 && s.opts.OnExposureChanged != nil {
		s.opts.OnExposureChanged()
	}
	return nil
}
