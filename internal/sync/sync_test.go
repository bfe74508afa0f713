package sync

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	gosync "sync"
	"testing"
	"time"

	"github.com/shalteor/tracekit/internal/appconfig"
	"github.com/shalteor/tracekit/internal/backend"
	"github.com/shalteor/tracekit/internal/crypto"
	"github.com/shalteor/tracekit/internal/dayclock"
	"github.com/shalteor/tracekit/internal/db"
	"github.com/shalteor/tracekit/internal/exposure"
)

var fixedNow = time.Date(2025, 5, 10, 15, 0, 0, 0, time.UTC)

func testVerifyKey(t *testing.T) *ecdsa.PublicKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return &key.PublicKey
}

// batchAt returns the aligned release time for the batch covering the day
// n days before fixedNow.
func batchAt(daysAgo int) int64 {
	ms := fixedNow.UnixMilli()
	floor := ms - ms%BatchLength.Milliseconds()
	return floor - int64(daysAgo)*BatchLength.Milliseconds()
}

// fakeBackend serves discovery, exposed batches and hash batches from
// in-memory maps, with per-batch failure injection. A nonzero dateOffset
// skews the Date header of bucket responses.
type fakeBackend struct {
	mu         gosync.Mutex
	exposed    map[int64][]backend.Exposee
	hashes     map[int64][]string
	failStatus map[int64]int
	windows    int
	dateOffset time.Duration

	ts *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		exposed:    make(map[int64][]backend.Exposee),
		hashes:     make(map[int64][]string),
		failStatus: make(map[int64]int),
		windows:    1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/config", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		json.NewEncoder(w).Encode(backend.AppConfig{
			AppID:                      "org.example.trace",
			BucketBaseURL:              fb.ts.URL,
			ReportBaseURL:              fb.ts.URL,
			NumberOfWindowsForExposure: fb.windows,
		})
	})
	mux.HandleFunc("GET /v1/exposed/{batch}", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		batch, _ := strconv.ParseInt(r.PathValue("batch"), 10, 64)
		if fb.dateOffset != 0 {
			w.Header().Set("Date", time.Now().Add(fb.dateOffset).UTC().Format(http.TimeFormat))
		}
		if code, ok := fb.failStatus[batch]; ok {
			http.Error(w, "injected failure", code)
			return
		}
		json.NewEncoder(w).Encode(backend.ExposedOverview{
			BatchReleaseTime: batch,
			Exposed:          fb.exposed[batch],
		})
	})
	mux.HandleFunc("GET /v1/hashes/{batch}", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		batch, _ := strconv.ParseInt(r.PathValue("batch"), 10, 64)
		hashes := fb.hashes[batch]
		if hashes == nil {
			hashes = []string{}
		}
		json.NewEncoder(w).Encode(hashes)
	})

	fb.ts = httptest.NewServer(mux)
	t.Cleanup(fb.ts.Close)
	return fb
}

func (fb *fakeBackend) discoveryURL() string {
	return fb.ts.URL + "/v1/config"
}

func (fb *fakeBackend) publish(batch int64, key crypto.SecretKey, onsetDay dayclock.Day) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.exposed[batch] = append(fb.exposed[batch], backend.Exposee{
		Key:     base64.StdEncoding.EncodeToString(key),
		KeyDate: onsetDay.Start().UnixMilli(),
	})
}

func (fb *fakeBackend) fail(batch int64, code int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.failStatus[batch] = code
}

func (fb *fakeBackend) recover(batch int64) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	delete(fb.failStatus, batch)
}

type syncHarness struct {
	db     *db.DB
	cfg    *appconfig.Manager
	syncer *Syncer
}

func setupSyncer(t *testing.T, fb *fakeBackend, opts Options) *syncHarness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := appconfig.NewManager(database, backend.AppConfig{})
	agg := exposure.NewAggregator(database)
	opts.DiscoveryURL = fb.discoveryURL()
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	return &syncHarness{
		db:     database,
		cfg:    cfg,
		syncer: NewSyncer(database, cfg, agg, opts),
	}
}

func checkpoint(t *testing.T, h *syncHarness) int64 {
	t.Helper()
	cp, err := h.cfg.LastLoadedBatchReleaseTime(context.Background())
	if err != nil {
		t.Fatalf("LastLoadedBatchReleaseTime failed: %v", err)
	}
	return cp
}

func TestSyncCheckpoint(t *testing.T) {
	ctx := context.Background()

	t.Run("first sync starts at the current batch", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{})

		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}
		if got := checkpoint(t, h); got != batchAt(0) {
			t.Errorf("Expected checkpoint %d, got %d", batchAt(0), got)
		}
		if h.syncer.ErrorState() != NoError {
			t.Errorf("Expected NoError, got %s", h.syncer.ErrorState())
		}
	})

	t.Run("walks every batch since the checkpoint", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{})
		if err := h.cfg.SetLastLoadedBatchReleaseTime(ctx, batchAt(3)); err != nil {
			t.Fatalf("SetLastLoadedBatchReleaseTime failed: %v", err)
		}

		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}
		if got := checkpoint(t, h); got != batchAt(0) {
			t.Errorf("Expected checkpoint %d, got %d", batchAt(0), got)
		}
	})

	t.Run("misaligned checkpoint restarts at the current batch", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{})
		if err := h.cfg.SetLastLoadedBatchReleaseTime(ctx, batchAt(3)+1); err != nil {
			t.Fatalf("SetLastLoadedBatchReleaseTime failed: %v", err)
		}
		// A batch before the restart point must not be requested; failing it
		// proves it is skipped.
		fb.fail(batchAt(2), http.StatusInternalServerError)

		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}
		if got := checkpoint(t, h); got != batchAt(0) {
			t.Errorf("Expected checkpoint %d, got %d", batchAt(0), got)
		}
	})

	t.Run("failed batch leaves the checkpoint on the last success", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{})
		if err := h.cfg.SetLastLoadedBatchReleaseTime(ctx, batchAt(3)); err != nil {
			t.Fatalf("SetLastLoadedBatchReleaseTime failed: %v", err)
		}
		fb.fail(batchAt(1), http.StatusInternalServerError)

		if err := h.syncer.Sync(ctx); err == nil {
			t.Fatal("Expected sync to fail")
		}
		if got := checkpoint(t, h); got != batchAt(2) {
			t.Errorf("Expected checkpoint %d, got %d", batchAt(2), got)
		}
		if h.syncer.ErrorState() != ErrorServer {
			t.Errorf("Expected server error state, got %s", h.syncer.ErrorState())
		}

		ok, err := h.cfg.LastSyncNetworkSuccess(ctx)
		if err != nil {
			t.Fatalf("LastSyncNetworkSuccess failed: %v", err)
		}
		if ok {
			t.Error("Expected failed sync to be recorded")
		}

		t.Run("next run resumes at the failed batch", func(t *testing.T) {
			fb.recover(batchAt(1))
			if err := h.syncer.Sync(ctx); err != nil {
				t.Fatalf("Sync failed: %v", err)
			}
			if got := checkpoint(t, h); got != batchAt(0) {
				t.Errorf("Expected checkpoint %d, got %d", batchAt(0), got)
			}
			if h.syncer.ErrorState() != NoError {
				t.Errorf("Expected NoError, got %s", h.syncer.ErrorState())
			}
		})
	})
}

func TestSyncMatching(t *testing.T) {
	ctx := context.Background()

	t.Run("published key matches a stored observation", func(t *testing.T) {
		fb := newFakeBackend(t)
		exposureChanges := 0
		h := setupSyncer(t, fb, Options{OnExposureChanged: func() { exposureChanges++ }})

		onsetDay := dayclock.DayOf(fixedNow).Sub(2)
		caseKey := crypto.SecretKey(make([]byte, crypto.SecretKeyLength))
		for i := range caseKey {
			caseKey[i] = 0x42
		}
		ids, err := crypto.DeriveEphIDs(caseKey)
		if err != nil {
			t.Fatalf("DeriveEphIDs failed: %v", err)
		}
		observed := ids[33]
		if err := h.db.AddHandshake(ctx, &db.Handshake{
			EphID:     observed[:],
			Timestamp: onsetDay.Start().Add(8 * time.Hour),
			RSSI:      -60,
		}); err != nil {
			t.Fatalf("AddHandshake failed: %v", err)
		}
		fb.publish(batchAt(1), caseKey, onsetDay)
		if err := h.cfg.SetLastLoadedBatchReleaseTime(ctx, batchAt(2)); err != nil {
			t.Fatalf("SetLastLoadedBatchReleaseTime failed: %v", err)
		}

		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}

		matched, err := h.db.GetAllMatchedContacts(ctx)
		if err != nil {
			t.Fatalf("GetAllMatchedContacts failed: %v", err)
		}
		if len(matched) != 1 {
			t.Fatalf("Expected 1 matched contact, got %d", len(matched))
		}
		days, err := h.db.GetExposureDays(ctx)
		if err != nil {
			t.Fatalf("GetExposureDays failed: %v", err)
		}
		if len(days) != 1 || !days[0].ExposedDay.Equal(onsetDay.Start()) {
			t.Fatalf("Expected exposure on %s, got %+v", onsetDay, days)
		}
		if exposureChanges != 1 {
			t.Errorf("Expected 1 exposure notification, got %d", exposureChanges)
		}

		t.Run("replayed batch does not notify again", func(t *testing.T) {
			if err := h.cfg.SetLastLoadedBatchReleaseTime(ctx, batchAt(2)); err != nil {
				t.Fatalf("SetLastLoadedBatchReleaseTime failed: %v", err)
			}
			if err := h.syncer.Sync(ctx); err != nil {
				t.Fatalf("Sync failed: %v", err)
			}
			if exposureChanges != 1 {
				t.Errorf("Expected no repeat notification, got %d", exposureChanges)
			}
		})
	})

	t.Run("threshold-less discovery uses the documented default", func(t *testing.T) {
		fb := newFakeBackend(t)
		fb.windows = 0 // serialized identically to an absent field
		notified := false
		h := setupSyncer(t, fb, Options{OnExposureChanged: func() { notified = true }})

		onsetDay := dayclock.DayOf(fixedNow).Sub(2)
		caseKey := crypto.SecretKey(make([]byte, crypto.SecretKeyLength))
		caseKey[0] = 0x77
		ids, err := crypto.DeriveEphIDs(caseKey)
		if err != nil {
			t.Fatalf("DeriveEphIDs failed: %v", err)
		}
		observed := ids[10]
		if err := h.db.AddHandshake(ctx, &db.Handshake{
			EphID:     observed[:],
			Timestamp: onsetDay.Start().Add(8 * time.Hour),
		}); err != nil {
			t.Fatalf("AddHandshake failed: %v", err)
		}
		fb.publish(batchAt(1), caseKey, onsetDay)
		if err := h.cfg.SetLastLoadedBatchReleaseTime(ctx, batchAt(2)); err != nil {
			t.Fatalf("SetLastLoadedBatchReleaseTime failed: %v", err)
		}

		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}

		// The contact matches, but one window is far below the default
		// threshold of 15, so no exposure day may appear.
		matched, err := h.db.GetAllMatchedContacts(ctx)
		if err != nil {
			t.Fatalf("GetAllMatchedContacts failed: %v", err)
		}
		if len(matched) != 1 {
			t.Fatalf("Expected 1 matched contact, got %d", len(matched))
		}
		days, err := h.db.GetExposureDays(ctx)
		if err != nil {
			t.Fatalf("GetExposureDays failed: %v", err)
		}
		if len(days) != 0 {
			t.Errorf("Expected no exposure days below the default threshold, got %+v", days)
		}
		if notified {
			t.Error("Expected no exposure notification")
		}
	})

	t.Run("interrupted batch is re-matched on the next run", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{})

		onsetDay := dayclock.DayOf(fixedNow).Sub(2)
		caseKey := crypto.SecretKey(make([]byte, crypto.SecretKeyLength))
		caseKey[0] = 0x88
		ids, err := crypto.DeriveEphIDs(caseKey)
		if err != nil {
			t.Fatalf("DeriveEphIDs failed: %v", err)
		}
		observed := ids[20]
		if err := h.db.AddHandshake(ctx, &db.Handshake{
			EphID:     observed[:],
			Timestamp: onsetDay.Start().Add(8 * time.Hour),
		}); err != nil {
			t.Fatalf("AddHandshake failed: %v", err)
		}

		// A previous run stored the case and was interrupted before it
		// could link any contacts; the checkpoint never advanced.
		bucketTime := time.UnixMilli(batchAt(1)).UTC()
		if _, _, err := h.db.AddKnownCase(ctx, caseKey, onsetDay.Start(), bucketTime); err != nil {
			t.Fatalf("AddKnownCase failed: %v", err)
		}
		fb.publish(batchAt(1), caseKey, onsetDay)
		if err := h.cfg.SetLastLoadedBatchReleaseTime(ctx, batchAt(2)); err != nil {
			t.Fatalf("SetLastLoadedBatchReleaseTime failed: %v", err)
		}

		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}

		matched, err := h.db.GetAllMatchedContacts(ctx)
		if err != nil {
			t.Fatalf("GetAllMatchedContacts failed: %v", err)
		}
		if len(matched) != 1 {
			t.Fatalf("Expected the replayed batch to link 1 contact, got %d", len(matched))
		}
		days, err := h.db.GetExposureDays(ctx)
		if err != nil {
			t.Fatalf("GetExposureDays failed: %v", err)
		}
		if len(days) != 1 {
			t.Errorf("Expected 1 exposure day, got %d", len(days))
		}
	})

	t.Run("unrelated key matches nothing", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{})

		onsetDay := dayclock.DayOf(fixedNow).Sub(2)
		other := crypto.SecretKey(make([]byte, crypto.SecretKeyLength))
		other[0] = 0x99
		ids, err := crypto.DeriveEphIDs(other)
		if err != nil {
			t.Fatalf("DeriveEphIDs failed: %v", err)
		}
		observed := ids[0]
		if err := h.db.AddHandshake(ctx, &db.Handshake{
			EphID:     observed[:],
			Timestamp: onsetDay.Start().Add(8 * time.Hour),
		}); err != nil {
			t.Fatalf("AddHandshake failed: %v", err)
		}
		published := crypto.SecretKey(make([]byte, crypto.SecretKeyLength))
		published[0] = 0x11
		fb.publish(batchAt(1), published, onsetDay)
		if err := h.cfg.SetLastLoadedBatchReleaseTime(ctx, batchAt(2)); err != nil {
			t.Fatalf("SetLastLoadedBatchReleaseTime failed: %v", err)
		}

		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}
		matched, err := h.db.GetAllMatchedContacts(ctx)
		if err != nil {
			t.Fatalf("GetAllMatchedContacts failed: %v", err)
		}
		if len(matched) != 0 {
			t.Errorf("Expected no matches, got %d", len(matched))
		}
	})

	t.Run("location hash intersection notifies", func(t *testing.T) {
		fb := newFakeBackend(t)
		exposureChanges := 0
		h := setupSyncer(t, fb, Options{
			UseLocationHashes: true,
			OnExposureChanged: func() { exposureChanges++ },
		})

		digest := "00AA11BB22CC33DD44EE"
		if err := h.db.AddLocHashes(ctx, db.LocHashReceived, []string{digest}, fixedNow.Add(-24*time.Hour)); err != nil {
			t.Fatalf("AddLocHashes failed: %v", err)
		}
		fb.mu.Lock()
		fb.hashes[batchAt(0)] = []string{digest, "FFEE00112233445566AA"}
		fb.mu.Unlock()

		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}
		if exposureChanges != 1 {
			t.Errorf("Expected 1 exposure notification, got %d", exposureChanges)
		}
	})
}

func TestSyncErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("unreachable backend is a network error", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{})
		fb.ts.Close()

		if err := h.syncer.Sync(ctx); err == nil {
			t.Fatal("Expected sync to fail")
		}
		if h.syncer.ErrorState() != ErrorNetwork {
			t.Errorf("Expected network error state, got %s", h.syncer.ErrorState())
		}
	})

	t.Run("skewed server clock is a timing error", func(t *testing.T) {
		fb := newFakeBackend(t)
		fb.dateOffset = -(backend.AllowedServerTimeSkew + time.Hour)
		h := setupSyncer(t, fb, Options{Now: time.Now})

		if err := h.syncer.Sync(ctx); err == nil {
			t.Fatal("Expected sync to fail")
		}
		if h.syncer.ErrorState() != ErrorTiming {
			t.Errorf("Expected timing error state, got %s", h.syncer.ErrorState())
		}
	})

	t.Run("unsigned bucket with verification enabled is a signature error", func(t *testing.T) {
		fb := newFakeBackend(t)
		signKey := testVerifyKey(t)
		h := setupSyncer(t, fb, Options{SignatureKey: signKey})

		if err := h.syncer.Sync(ctx); err == nil {
			t.Fatal("Expected sync to fail")
		}
		if h.syncer.ErrorState() != ErrorSignature {
			t.Errorf("Expected signature error state, got %s", h.syncer.ErrorState())
		}
	})

	t.Run("bookkeeping failure after a clean run sets the database state", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{})

		// Fail exactly the last-sync-date write, leaving the rest of the
		// run untouched.
		_, err := h.db.Exec(`
			CREATE TRIGGER kv_sync_date_insert BEFORE INSERT ON kv
			WHEN NEW.key = 'last_sync_date'
			BEGIN SELECT RAISE(ABORT, 'injected failure'); END;
			CREATE TRIGGER kv_sync_date_update BEFORE UPDATE ON kv
			WHEN NEW.key = 'last_sync_date'
			BEGIN SELECT RAISE(ABORT, 'injected failure'); END;
		`)
		if err != nil {
			t.Fatalf("Failed to install triggers: %v", err)
		}

		if err := h.syncer.Sync(ctx); err == nil {
			t.Fatal("Expected sync to fail")
		}
		if h.syncer.ErrorState() != ErrorDatabase {
			t.Errorf("Expected database error state, got %s", h.syncer.ErrorState())
		}
	})

	t.Run("cancelled run is not recorded as a failure", func(t *testing.T) {
		fb := newFakeBackend(t)
		h := setupSyncer(t, fb, Options{
			OnSyncErrorChanged: func(s ErrorState) {
				t.Errorf("Unexpected error state transition to %s", s)
			},
		})
		if err := h.cfg.SetLastSyncNetworkSuccess(ctx, true); err != nil {
			t.Fatalf("SetLastSyncNetworkSuccess failed: %v", err)
		}

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		if err := h.syncer.Sync(cancelled); err == nil {
			t.Fatal("Expected the cancelled run to surface an error")
		}

		if h.syncer.ErrorState() != NoError {
			t.Errorf("Expected NoError, got %s", h.syncer.ErrorState())
		}
		ok, err := h.cfg.LastSyncNetworkSuccess(ctx)
		if err != nil {
			t.Fatalf("LastSyncNetworkSuccess failed: %v", err)
		}
		if !ok {
			t.Error("Expected the recorded outcome of the last real attempt to survive")
		}
	})

	t.Run("error state transitions fire the callback once", func(t *testing.T) {
		fb := newFakeBackend(t)
		var states []ErrorState
		h := setupSyncer(t, fb, Options{
			OnSyncErrorChanged: func(s ErrorState) { states = append(states, s) },
		})
		fb.fail(batchAt(0), http.StatusBadGateway)

		h.syncer.Sync(ctx)
		h.syncer.Sync(ctx) // same failure, no transition
		fb.recover(batchAt(0))
		if err := h.syncer.Sync(ctx); err != nil {
			t.Fatalf("Sync failed: %v", err)
		}

		want := []ErrorState{ErrorServer, NoError}
		if len(states) != len(want) {
			t.Fatalf("Expected transitions %v, got %v", want, states)
		}
		for i := range want {
			if states[i] != want[i] {
				t.Fatalf("Expected transitions %v, got %v", want, states)
			}
		}
	})
}

func TestScheduler(t *testing.T) {
	fb := newFakeBackend(t)
	h := setupSyncer(t, fb, Options{})

	scheduler := NewScheduler(h.syncer, time.Hour)
	scheduler.Start()
	scheduler.Start() // second start is a no-op
	defer scheduler.Stop()

	// Wait for the immediate run to land its checkpoint.
	deadline := time.Now().Add(10 * time.Second)
	for checkpoint(t, h) != batchAt(0) {
		if time.Now().After(deadline) {
			t.Fatalf("Immediate run never reached checkpoint %d", batchAt(0))
		}
		time.Sleep(10 * time.Millisecond)
	}
	scheduler.Stop()

	t.Run("restart after stop", func(t *testing.T) {
		scheduler.Start()
		scheduler.Stop()
	})
}
