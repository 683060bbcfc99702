package jobs

import (
	"context"
	"log"
	"time"

	"cupid-crypto/internal/config"
	"cupid-crypto/internal/keymanager"
	"cupid-crypto/internal/repository"
)

// JobFactory builds the Scheduler's three periodic sweeps: one-time
// pre-key replenishment, signed pre-key rotation, and expiry of used
// key material and idle sessions.
type JobFactory struct {
	store    repository.Store
	keys     *keymanager.Manager
	schedCfg config.SchedulerConfig
	storeCfg config.StoreConfig
}

// NewJobFactory creates a new job factory.
func NewJobFactory(store repository.Store, keys *keymanager.Manager, schedCfg config.SchedulerConfig, storeCfg config.StoreConfig) *JobFactory {
	return &JobFactory{store: store, keys: keys, schedCfg: schedCfg, storeCfg: storeCfg}
}

// RegisterCommonJobs registers the replenishment, rotation, and expiry
// sweeps on scheduler, each on its own configured interval.
func (f *JobFactory) RegisterCommonJobs(scheduler *JobScheduler) {
	if err := scheduler.RegisterJob(&ScheduledJob{
		Name:       "one-time-prekey-replenishment",
		Interval:   f.schedCfg.ReplenishInterval,
		Handler:    f.ReplenishOneTimePreKeys,
		Timeout:    2 * time.Minute,
		RetryCount: 1,
		RetryDelay: 10 * time.Second,
	}); err != nil {
		log.Printf("[Jobs] failed to register replenishment sweep: %v", err)
	}

	if err := scheduler.RegisterJob(&ScheduledJob{
		Name:       "signed-prekey-rotation",
		Interval:   f.schedCfg.RotationInterval,
		Handler:    f.RotateSignedPreKeys,
		Timeout:    2 * time.Minute,
		RetryCount: 1,
		RetryDelay: 10 * time.Second,
	}); err != nil {
		log.Printf("[Jobs] failed to register rotation sweep: %v", err)
	}

	if err := scheduler.RegisterJob(&ScheduledJob{
		Name:     "key-and-session-expiry",
		Interval: f.schedCfg.ExpiryInterval,
		Handler:  f.PurgeExpiredMaterial,
		Timeout:  2 * time.Minute,
	}); err != nil {
		log.Printf("[Jobs] failed to register expiry sweep: %v", err)
	}

	log.Println("[Jobs] Registered key lifecycle background jobs")
}

// ============================================
// ONE-TIME PRE-KEY REPLENISHMENT
// ============================================

// ReplenishOneTimePreKeys tops up the one-time pre-key pool for every
// device whose identity is currently cached unlocked. A device whose
// identity isn't cached sits out this sweep and is instead replenished
// reactively the next time a caller-driven operation carrying a
// passphrase runs for it.
func (f *JobFactory) ReplenishOneTimePreKeys(ctx context.Context) error {
	devices := f.keys.CachedDevices()
	replenished := 0
	for _, d := range devices {
		n, err := f.keys.ReplenishOneTimePreKeys(ctx, d.UserID, d.DeviceID, d.Passphrase)
		if err != nil {
			log.Printf("[Jobs] replenish failed for device %s/%d: %v", d.UserID, d.DeviceID, err)
			continue
		}
		if n > 0 {
			replenished++
		}
	}
	if replenished > 0 {
		log.Printf("[Jobs] replenishment sweep topped up %d/%d cached devices", replenished, len(devices))
	}
	return nil
}

// ============================================
// SIGNED PRE-KEY ROTATION
// ============================================

// RotateSignedPreKeys rotates the signed pre-key for every cached
// device whose current key is within its rotation interval of
// expiring. The prior key is left in the store until it actually
// expires, so in-flight X3DH initiations that already captured it can
// still complete.
func (f *JobFactory) RotateSignedPreKeys(ctx context.Context) error {
	devices := f.keys.CachedDevices()
	rotated := 0
	for _, d := range devices {
		status, err := f.keys.KeyStatus(ctx, d.UserID, d.DeviceID)
		if err != nil {
			log.Printf("[Jobs] rotation status check failed for device %s/%d: %v", d.UserID, d.DeviceID, err)
			continue
		}
		if !status.HasActiveSignedPreKey {
			continue
		}
		if time.Until(status.SignedPreKeyExpiresAt) > f.schedCfg.RotationInterval {
			continue
		}
		if _, err := f.keys.RotateSignedPreKey(ctx, d.UserID, d.DeviceID, d.Passphrase, d.Identity); err != nil {
			log.Printf("[Jobs] rotation failed for device %s/%d: %v", d.UserID, d.DeviceID, err)
			continue
		}
		rotated++
	}
	if rotated > 0 {
		log.Printf("[Jobs] rotation sweep rotated %d/%d cached devices", rotated, len(devices))
	}
	return nil
}

// ============================================
// EXPIRY SWEEP
// ============================================

// PurgeExpiredMaterial clears used one-time pre-keys past their grace
// period and sessions idle past the configured timeout. Neither needs
// a passphrase: both only ever touch already-public bookkeeping
// columns, never a private half.
func (f *JobFactory) PurgeExpiredMaterial(ctx context.Context) error {
	purgedKeys, err := f.store.PurgeUsedOneTimePreKeys(ctx, time.Now().Add(-f.storeCfg.OneTimeKeyGrace))
	if err != nil {
		return err
	}
	purgedSessions, err := f.store.PurgeIdleSessions(ctx, time.Now().Add(-f.storeCfg.SessionIdleTimeout))
	if err != nil {
		return err
	}
	if purgedKeys > 0 || purgedSessions > 0 {
		log.Printf("[Jobs] expiry sweep purged %d used one-time pre-keys, %d idle sessions", purgedKeys, purgedSessions)
	}
	return nil
}

// ============================================
// GENERIC HEALTH / METRICS JOBS
// ============================================

// CreateDatabaseHealthCheckJob creates a job to check database health.
func CreateDatabaseHealthCheckJob(checkFn func(ctx context.Context) error) *ScheduledJob {
	return &ScheduledJob{
		Name:       "database-health-check",
		Interval:   5 * time.Minute,
		Handler:    checkFn,
		Timeout:    30 * time.Second,
		RetryCount: 3,
		RetryDelay: 10 * time.Second,
		RunOnStart: true,
	}
}

// CreateMetricsCollectionJob creates a job to collect metrics.
func CreateMetricsCollectionJob(collectFn func(ctx context.Context) error) *ScheduledJob {
	return &ScheduledJob{
		Name:       "metrics-collection",
		Interval:   1 * time.Minute,
		Handler:    collectFn,
		Timeout:    30 * time.Second,
		RetryCount: 1,
		RetryDelay: 5 * time.Second,
		RunOnStart: false,
	}
}
