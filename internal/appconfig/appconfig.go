// Package appconfig manages the backend-discovered application
// configuration and the sync bookkeeping values, persisted in the device
// database's kv table.
package appconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shalteor/tracekit/internal/backend"
	"github.com/shalteor/tracekit/internal/db"
)

const (
	kvAppConfig          = "app_config"
	kvLastLoadedBatch    = "last_loaded_batch_release_time"
	kvLastSyncDate       = "last_sync_date"
	kvLastSyncNetSuccess = "last_sync_network_success"
)

// DefaultWindowsForExposure is the exposure threshold used until discovery
// supplies one. The unit is aggregated window counts; the value is a health
// policy decision, not a protocol constant.
const DefaultWindowsForExposure = 15

// Manager reads and writes the persisted configuration. Defaults are used
// for any value discovery has not supplied yet.
type Manager struct {
	db       *db.DB
	defaults backend.AppConfig
}

// NewManager creates a config manager with the given defaults.
func NewManager(database *db.DB, defaults backend.AppConfig) *Manager {
	if defaults.NumberOfWindowsForExposure == 0 {
		defaults.NumberOfWindowsForExposure = DefaultWindowsForExposure
	}
	return &Manager{db: database, defaults: defaults}
}

// Config returns the stored configuration, falling back to defaults for a
// device that has never completed discovery.
func (m *Manager) Config(ctx context.Context) (backend.AppConfig, error) {
	raw, ok, err := m.db.GetKV(ctx, kvAppConfig)
	if err != nil {
		return backend.AppConfig{}, err
	}
	if !ok {
		return m.defaults, nil
	}
	var cfg backend.AppConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return backend.AppConfig{}, fmt.Errorf("failed to decode app config: %w", err)
	}
	if cfg.NumberOfWindowsForExposure == 0 {
		cfg.NumberOfWindowsForExposure = m.defaults.NumberOfWindowsForExposure
	}
	return cfg, nil
}

// SetConfig persists a freshly discovered configuration.
func (m *Manager) SetConfig(ctx context.Context, cfg backend.AppConfig) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode app config: %w", err)
	}
	return m.db.SetKV(ctx, kvAppConfig, string(encoded))
}

// LastLoadedBatchReleaseTime returns the sync checkpoint in unix millis, or
// 0 if no batch has been processed yet.
func (m *Manager) LastLoadedBatchReleaseTime(ctx context.Context) (int64, error) {
	return m.getInt64(ctx, kvLastLoadedBatch)
}

// SetLastLoadedBatchReleaseTime advances the sync checkpoint. Called only
// after a batch's fetch-and-match cycle fully succeeded.
func (m *Manager) SetLastLoadedBatchReleaseTime(ctx context.Context, t int64) error {
	return m.db.SetKV(ctx, kvLastLoadedBatch, strconv.FormatInt(t, 10))
}

// LastSyncDate returns when the last fully successful sync finished, or the
// zero time if none has.
func (m *Manager) LastSyncDate(ctx context.Context) (time.Time, error) {
	ms, err := m.getInt64(ctx, kvLastSyncDate)
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetLastSyncDate stamps a successful sync.
func (m *Manager) SetLastSyncDate(ctx context.Context, t time.Time) error {
	return m.db.SetKV(ctx, kvLastSyncDate, strconv.FormatInt(t.UnixMilli(), 10))
}

// LastSyncNetworkSuccess reports whether the last sync attempt reached the
// backend successfully.
func (m *Manager) LastSyncNetworkSuccess(ctx context.Context) (bool, error) {
	raw, ok, err := m.db.GetKV(ctx, kvLastSyncNetSuccess)
	if err != nil || !ok {
		return false, err
	}
	return raw == "true", nil
}

// SetLastSyncNetworkSuccess records the outcome of a sync attempt.
func (m *Manager) SetLastSyncNetworkSuccess(ctx context.Context, success bool) error {
	return m.db.SetKV(ctx, kvLastSyncNetSuccess, strconv.FormatBool(success))
}

func (m *Manager) getInt64(ctx context.Context, key string) (int64, error) {
	raw, ok, err := m.db.GetKV(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return v, nil
}
