// Package tracekit is a decentralized, privacy-preserving proximity-tracing
// core. Devices broadcast rotating pseudorandom identifiers derived from a
// daily secret-key hash chain, record identifiers observed nearby, and
// periodically reconcile them against the keys of voluntarily disclosed
// positive cases, without any central registry of who met whom.
package tracekit

import (
	"context"
	stdcrypto "crypto"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/shalteor/tracekit/internal/appconfig"
	"github.com/shalteor/tracekit/internal/backend"
	"github.com/shalteor/tracekit/internal/crypto"
	"github.com/shalteor/tracekit/internal/dayclock"
	"github.com/shalteor/tracekit/internal/db"
	"github.com/shalteor/tracekit/internal/exposure"
	syncpkg "github.com/shalteor/tracekit/internal/sync"
)

// ErrorState is the typed reason the last sync failed.
type ErrorState = syncpkg.ErrorState

// Re-exported sync error states.
const (
	NoError        = syncpkg.NoError
	ErrorNetwork   = syncpkg.ErrorNetwork
	ErrorServer    = syncpkg.ErrorServer
	ErrorTiming    = syncpkg.ErrorTiming
	ErrorSignature = syncpkg.ErrorSignature
	ErrorDatabase  = syncpkg.ErrorDatabase
)

// EphID is a broadcast identifier.
type EphID = crypto.EphID

// Config wires a Tracer to its environment.
type Config struct {
	// DBPath is the sqlite database file; ":memory:" for tests.
	DBPath string
	// DiscoveryURL serves the application configuration document.
	DiscoveryURL string
	// BucketSignatureKey verifies published batches; nil disables the check.
	BucketSignatureKey stdcrypto.PublicKey
	// UseLocationHashes enables the auxiliary location-hash side channel.
	UseLocationHashes bool
	// SyncInterval overrides the 15-minute default scheduler interval.
	SyncInterval time.Duration
	// OnExposureChanged is called when new exposure days appear.
	OnExposureChanged func()
	// OnSyncErrorChanged is called when the sync error state transitions.
	OnSyncErrorChanged func(ErrorState)
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Observation is one identifier seen over the air, as delivered by the
// capture layer.
type Observation struct {
	EphID        []byte
	Timestamp    time.Time
	TxPowerLevel int
	RSSI         int
	Latitude     *float64
	Longitude    *float64
	// Geohashes are the candidate location hashes for this observation,
	// used only when the location side channel is enabled.
	Geohashes []string
}

// Status is the queryable state surfaced to the hosting application.
type Status struct {
	LastSyncDate time.Time
	SyncError    ErrorState
	ExposureDays []time.Time
}

// Tracer owns one device's tracing state: its key chain, its observation
// store, and its sync loop.
type Tracer struct {
	db        *db.DB
	keys      *crypto.KeyStore
	cfg       *appconfig.Manager
	syncer    *syncpkg.Syncer
	scheduler *syncpkg.Scheduler

	useLocHashes bool
	now          func() time.Time
}

// New opens the device database, seeds the key chain if this is the first
// run, and wires the sync machinery. The caller owns the returned Tracer
// and must Close it.
func New(cfg Config) (*Tracer, error) {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	keys := crypto.NewKeyStore(database)
	if err := keys.Init(context.Background(), now()); err != nil {
		database.Close()
		return nil, err
	}

	manager := appconfig.NewManager(database, backend.AppConfig{})
	aggregator := exposure.NewAggregator(database)
	syncer := syncpkg.NewSyncer(database, manager, aggregator, syncpkg.Options{
		DiscoveryURL:       cfg.DiscoveryURL,
		SignatureKey:       cfg.BucketSignatureKey,
		UseLocationHashes:  cfg.UseLocationHashes,
		OnExposureChanged:  cfg.OnExposureChanged,
		OnSyncErrorChanged: cfg.OnSyncErrorChanged,
		Now:                now,
	})

	return &Tracer{
		db:           database,
		keys:         keys,
		cfg:          manager,
		syncer:       syncer,
		scheduler:    syncpkg.NewScheduler(syncer, cfg.SyncInterval),
		useLocHashes: cfg.UseLocationHashes,
		now:          now,
	}, nil
}

// Close stops the scheduler and closes the database.
func (t *Tracer) Close() error {
	t.scheduler.Stop()
	return t.db.Close()
}

// CurrentEphID returns the identifier to broadcast right now, from the
// shuffled daily set.
func (t *Tracer) CurrentEphID(ctx context.Context) (EphID, error) {
	return t.keys.CurrentEphID(ctx, t.now())
}

// RecordObservation stores one observed identifier. Safe to call while a
// sync is running. When the location side channel is enabled and the
// observation carries geohashes, their digests are stored alongside.
func (t *Tracer) RecordObservation(ctx context.Context, obs Observation) error {
	handshake := &db.Handshake{
		EphID:        obs.EphID,
		Timestamp:    obs.Timestamp,
		TxPowerLevel: obs.TxPowerLevel,
		RSSI:         obs.RSSI,
		Latitude:     obs.Latitude,
		Longitude:    obs.Longitude,
	}
	if err := t.db.AddHandshake(ctx, handshake); err != nil {
		return err
	}
	if !t.useLocHashes || len(obs.Geohashes) == 0 {
		return nil
	}
	if len(obs.EphID) != crypto.EphIDLength {
		return fmt.Errorf("observed ephid must be %d bytes, got %d", crypto.EphIDLength, len(obs.EphID))
	}
	var id crypto.EphID
	copy(id[:], obs.EphID)
	rounded := dayclock.EpochStart(obs.Timestamp).UnixMilli()
	digests, err := crypto.HotspotDigests(id, obs.Geohashes, rounded)
	if err != nil {
		return err
	}
	return t.db.AddLocHashes(ctx, db.LocHashReceived, digests, obs.Timestamp)
}

// RecordBroadcastLocation stores the location digests for the identifier
// this device is currently broadcasting, so they can accompany a later
// report. Only meaningful with the location side channel enabled.
func (t *Tracer) RecordBroadcastLocation(ctx context.Context, geohashes []string) error {
	if !t.useLocHashes {
		return nil
	}
	now := t.now()
	id, err := t.keys.CurrentEphID(ctx, now)
	if err != nil {
		return err
	}
	rounded := dayclock.EpochStart(now).UnixMilli()
	digests, err := crypto.HotspotDigests(id, geohashes, rounded)
	if err != nil {
		return err
	}
	return t.db.AddLocHashes(ctx, db.LocHashBroadcast, digests, now)
}

// Sync runs one synchronization cycle immediately.
func (t *Tracer) Sync(ctx context.Context) error {
	return t.syncer.Sync(ctx)
}

// StartSync launches the periodic sync scheduler.
func (t *Tracer) StartSync() {
	t.scheduler.Start()
}

// StopSync halts the periodic sync scheduler.
func (t *Tracer) StopSync() {
	t.scheduler.Stop()
}

// Status reports the last successful sync, the current sync error kind,
// and the exposure days on record.
func (t *Tracer) Status(ctx context.Context) (Status, error) {
	lastSync, err := t.cfg.LastSyncDate(ctx)
	if err != nil {
		return Status{}, err
	}
	days, err := t.db.GetExposureDays(ctx)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		LastSyncDate: lastSync,
		SyncError:    t.syncer.ErrorState(),
	}
	for _, day := range days {
		status.ExposureDays = append(status.ExposureDays, day.ExposedDay)
	}
	return status, nil
}

// SendIAmInfected discloses this device's key for onsetDay to the backend,
// authorized by the health-authority code. On success the local key chain
// is wiped and reseeded, since the disclosed chain derives every later key.
func (t *Tracer) SendIAmInfected(ctx context.Context, onsetDay time.Time, authCode string) error {
	dayKey, err := t.keys.KeyForPublishing(ctx, dayclock.DayOf(onsetDay))
	if err != nil {
		return err
	}

	report := &backend.ExposeeRequest{
		Key:     base64.StdEncoding.EncodeToString(dayKey.Key),
		KeyDate: dayKey.Day.Start().UnixMilli(),
	}
	if t.useLocHashes {
		hashes, err := t.db.GetLocHashes(ctx, db.LocHashBroadcast)
		if err != nil {
			return err
		}
		report.Hashes = hashes
	}

	secret, err := crypto.DeriveAuthSecret(authCode)
	if err != nil {
		return err
	}
	token, err := backend.NewAuthToken(secret)
	if err != nil {
		return err
	}

	remote, err := t.cfg.Config(ctx)
	if err != nil {
		return err
	}
	client := backend.NewClient(remote.BucketBaseURL, remote.ReportBaseURL, nil)
	if err := client.Report(ctx, report, token); err != nil {
		return err
	}

	return t.keys.Reset(ctx, t.now())
}

// Reset wipes the key chain and reseeds it. Stored observations and
// exposure state are left in place; they age out through pruning.
func (t *Tracer) Reset(ctx context.Context) error {
	return t.keys.Reset(ctx, t.now())
}
